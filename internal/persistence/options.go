package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/journal"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/remote"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrLimitExceeded = errors.New("annotation limit exceeded")
	ErrClosed        = errors.New("persistence engine closed")
)

const (
	DefaultSaveInterval   = 5 * time.Second
	DefaultActiveInterval = 2 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
	DefaultBatchThreshold = 10
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
	DefaultMaxAnnotations = 1000
)

// Remote is the handler contract the engine persists through.
type Remote interface {
	Load(ctx context.Context, req remote.LoadRequest) (annotation.Grouped, error)
	Save(ctx context.Context, req remote.SaveRequest) (remote.SaveResponse, error)
}

type Options struct {
	UserID   string
	BlockID  string
	CourseID string

	SaveInterval   time.Duration
	ActiveInterval time.Duration
	IdleTimeout    time.Duration
	// DisableAutoSave turns the timer off; every mutation then flushes at once.
	DisableAutoSave bool
	BatchThreshold  int
	// MaxRetries is the number of retries after the first attempt; zero
	// selects the default and a negative value disables retries.
	MaxRetries     int
	RetryDelay     time.Duration
	MaxAnnotations int

	Journal journal.Backend
	Metrics *Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SaveInterval <= 0 {
		o.SaveInterval = DefaultSaveInterval
	}
	if o.ActiveInterval <= 0 {
		o.ActiveInterval = DefaultActiveInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.BatchThreshold <= 0 {
		o.BatchThreshold = DefaultBatchThreshold
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = DefaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxAnnotations <= 0 {
		o.MaxAnnotations = DefaultMaxAnnotations
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
