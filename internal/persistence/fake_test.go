package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/remote"
)

type fakeRemote struct {
	mu          sync.Mutex
	loadData    annotation.Grouped
	loadErr     error
	saveErrs    []error
	saves       []remote.SaveRequest
	hold        chan struct{}
	inFlight    int
	maxInFlight int
	entered     chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{entered: make(chan struct{}, 64)}
}

func (f *fakeRemote) Load(ctx context.Context, req remote.LoadRequest) (annotation.Grouped, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.loadData == nil {
		return annotation.Grouped{}, nil
	}
	return f.loadData.Clone(), nil
}

func (f *fakeRemote) Save(ctx context.Context, req remote.SaveRequest) (remote.SaveResponse, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	hold := f.hold
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	select {
	case f.entered <- struct{}{}:
	default:
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return remote.SaveResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, req)
	if len(f.saveErrs) > 0 {
		err := f.saveErrs[0]
		f.saveErrs = f.saveErrs[1:]
		if err != nil {
			return remote.SaveResponse{}, err
		}
	}
	types := []string{}
	for typ := range req.Data.Grouped {
		types = append(types, string(typ))
	}
	return remote.SaveResponse{Result: "success", SavedTypes: types}, nil
}

func (f *fakeRemote) setLoad(records ...annotation.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadData = annotation.Grouped{}
	for _, r := range records {
		f.loadData.Add(r)
	}
}

func (f *fakeRemote) failSaves(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErrs = append(f.saveErrs, errs...)
}

func (f *fakeRemote) holdSaves() (release func()) {
	hold := make(chan struct{})
	f.mu.Lock()
	f.hold = hold
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.hold = nil
			f.mu.Unlock()
			close(hold)
		})
	}
}

func (f *fakeRemote) saveRequests() []remote.SaveRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.SaveRequest(nil), f.saves...)
}

func (f *fakeRemote) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func record(e *Engine) *eventLog {
	log := &eventLog{}
	e.Subscribe(func(ev Event) {
		log.mu.Lock()
		defer log.mu.Unlock()
		log.events = append(log.events, ev)
	})
	return log
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) saved() []Saved {
	var out []Saved
	for _, ev := range l.all() {
		if s, ok := ev.(Saved); ok {
			out = append(out, s)
		}
	}
	return out
}

func (l *eventLog) saveFailures() []SaveFailed {
	var out []SaveFailed
	for _, ev := range l.all() {
		if s, ok := ev.(SaveFailed); ok {
			out = append(out, s)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
