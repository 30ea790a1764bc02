package eventbridge

import (
	"time"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/persistence"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/remote"
)

// Message is the JSON frame pushed to observers for each engine event.
type Message struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`

	Record *annotation.Record `json:"record,omitempty"`

	Total  int `json:"total,omitempty"`
	Merged int `json:"merged,omitempty"`

	Saved        int               `json:"saved,omitempty"`
	Deleted      int               `json:"deleted,omitempty"`
	Pages        []int             `json:"pages,omitempty"`
	Types        []annotation.Type `json:"types,omitempty"`
	SavedTypes   []string          `json:"savedTypes,omitempty"`
	DeletionOnly bool              `json:"deletionOnly,omitempty"`
	Attempts     int               `json:"attempts,omitempty"`

	Error       string `json:"error,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Final       bool   `json:"final,omitempty"`
	AuthFailure bool   `json:"authFailure,omitempty"`

	Type  annotation.Type `json:"type,omitempty"`
	Page  int             `json:"page,omitempty"`
	Count int             `json:"count,omitempty"`
}

func Encode(ev persistence.Event, at time.Time) Message {
	msg := Message{Event: ev.Kind(), At: at.UTC()}
	switch ev := ev.(type) {
	case persistence.Cached:
		rec := ev.Record.Clone()
		msg.Record = &rec
	case persistence.Deleted:
		rec := ev.Record.Clone()
		msg.Record = &rec
	case persistence.Loaded:
		msg.Total = ev.Total
		msg.Merged = ev.Merged
	case persistence.LoadFailed:
		msg.Error = errString(ev.Err)
		msg.AuthFailure = remote.IsAuthFailure(ev.Err)
	case persistence.Saved:
		s := ev.Summary
		msg.Saved = s.Saved
		msg.Deleted = s.Deleted
		msg.Pages = s.Pages
		msg.Types = s.Types
		msg.SavedTypes = s.SavedTypes
		msg.DeletionOnly = s.DeletionOnly
		msg.Attempts = s.Attempts
	case persistence.SaveFailed:
		msg.Error = errString(ev.Err)
		msg.Attempt = ev.Attempt
		msg.Final = ev.Final
		msg.AuthFailure = ev.AuthFailure
	case persistence.Cleared:
		msg.Type = ev.Type
		msg.Page = ev.Page
		msg.Count = ev.Count
	}
	return msg
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
