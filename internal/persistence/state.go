package persistence

import "github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"

type State int

const (
	StateIdle State = iota
	StateSaving
	StateRetryBackoff
)

func (s State) String() string {
	switch s {
	case StateSaving:
		return "saving"
	case StateRetryBackoff:
		return "retry_backoff"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Statistics struct {
	annotation.Statistics
	State      State `json:"state"`
	ToolActive bool  `json:"toolActive"`
}
