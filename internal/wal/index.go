package wal

import (
	"slices"
	"sync"

	"github.com/alexhholmes/graphstore/internal/base"
)

// Frame locates one logged page image.
type Frame struct {
	PageID base.PageID
	LSN    base.LSN
	Offset int64 // File offset of the frame header
}

// Index maps page ids to their logged images in LSN order. Readers pick the
// newest image at or below their snapshot; entries above the published LSN
// exist only for the writer that appended them.
type Index struct {
	mu     sync.RWMutex
	pages  map[base.PageID][]Frame
	frames int
}

func newIndex() *Index {
	return &Index{pages: make(map[base.PageID][]Frame)}
}

func (ix *Index) add(frames []Frame) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, f := range frames {
		ix.pages[f.PageID] = append(ix.pages[f.PageID], f)
	}
	ix.frames += len(frames)
}

func (ix *Index) reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.pages = make(map[base.PageID][]Frame)
	ix.frames = 0
}

// Lookup returns the newest frame of id with LSN <= snapshot.
func (ix *Index) Lookup(id base.PageID, snapshot base.LSN) (Frame, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	list := ix.pages[id]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].LSN <= snapshot {
			return list[i], true
		}
	}
	return Frame{}, false
}

// Newest returns the latest frame of every logged page, ordered by page id.
func (ix *Index) Newest() []Frame {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]Frame, 0, len(ix.pages))
	for _, list := range ix.pages {
		out = append(out, list[len(list)-1])
	}
	slices.SortFunc(out, func(a, b Frame) int {
		switch {
		case a.PageID < b.PageID:
			return -1
		case a.PageID > b.PageID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of indexed frames.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.frames
}
