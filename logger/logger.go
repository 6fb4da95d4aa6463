// Package logger provides adapters for popular logger libraries to work with graphstore's Logger interface.
//
// The adapters allow you to use your existing logger with graphstore without writing boilerplate.
// Note that the standard library's slog.Logger already implements graphstore.Logger directly;
// NewFile returns one that writes to a rotating file.
//
// Example with zap:
//
//	import (
//	    "github.com/alexhholmes/graphstore"
//	    "github.com/alexhholmes/graphstore/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    db, err := graphstore.Open("graph.db", graphstore.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer db.Close()
//	}
package logger
