package persistence

import "github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"

// Event is implemented only by the types in this file, so a type switch over
// them is exhaustive.
type Event interface {
	Kind() string
	isEvent()
}

type Cached struct {
	Record annotation.Record
}

type Deleted struct {
	Record annotation.Record
}

type Loaded struct {
	Total  int
	Merged int
}

type LoadFailed struct {
	Err error
}

type Saved struct {
	Summary BatchSummary
}

// SaveFailed is emitted after every failed attempt; Final marks the attempt
// that exhausted the retry budget. Queues are kept either way.
type SaveFailed struct {
	Err         error
	Attempt     int
	Final       bool
	AuthFailure bool
}

type Cleared struct {
	Type  annotation.Type
	Page  int
	Count int
}

type BatchSummary struct {
	Saved        int
	Deleted      int
	Pages        []int
	Types        []annotation.Type
	SavedTypes   []string
	DeletionOnly bool
	Attempts     int
}

func (Cached) Kind() string     { return "cached" }
func (Deleted) Kind() string    { return "deleted" }
func (Loaded) Kind() string     { return "loaded" }
func (LoadFailed) Kind() string { return "loadFailed" }
func (Saved) Kind() string      { return "saved" }
func (SaveFailed) Kind() string { return "saveFailed" }
func (Cleared) Kind() string    { return "cleared" }

func (Cached) isEvent()     {}
func (Deleted) isEvent()    {}
func (Loaded) isEvent()     {}
func (LoadFailed) isEvent() {}
func (Saved) isEvent()      {}
func (SaveFailed) isEvent() {}
func (Cleared) isEvent()    {}

// HasPage reports whether the batch touched page.
func (s BatchSummary) HasPage(page int) bool {
	for _, p := range s.Pages {
		if p == page {
			return true
		}
	}
	return false
}
