package persistence

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/journal"
)

// journalWriter owns every Save on a journal backend. Mutations drop their
// snapshot into a single slot; the writer goroutine always persists the most
// recent one, so an older snapshot never lands after a newer one.
type journalWriter struct {
	backend journal.Backend
	log     zerolog.Logger

	mu     sync.Mutex
	latest *journal.Snapshot

	wake      chan struct{}
	barriers  chan chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newJournalWriter(backend journal.Backend, log zerolog.Logger) *journalWriter {
	w := &journalWriter{
		backend:  backend,
		log:      log,
		wake:     make(chan struct{}, 1),
		barriers: make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// submit replaces the pending snapshot. It never blocks on the backend.
func (w *journalWriter) submit(snapshot *journal.Snapshot) {
	w.mu.Lock()
	w.latest = snapshot
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *journalWriter) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.writeLatest()
		case ack := <-w.barriers:
			w.writeLatest()
			close(ack)
		case <-w.stop:
			w.writeLatest()
			return
		}
	}
}

func (w *journalWriter) writeLatest() {
	w.mu.Lock()
	snapshot := w.latest
	w.latest = nil
	w.mu.Unlock()
	if snapshot == nil {
		return
	}
	if err := w.backend.Save(snapshot); err != nil {
		w.log.Error().Err(err).Msg("write annotation journal")
	}
}

// sync returns once every snapshot submitted before the call is on disk.
func (w *journalWriter) sync() {
	ack := make(chan struct{})
	select {
	case w.barriers <- ack:
		<-ack
	case <-w.done:
	}
}

// close writes the pending snapshot and stops the goroutine.
func (w *journalWriter) close() {
	w.closeOnce.Do(func() { close(w.stop) })
	<-w.done
}
