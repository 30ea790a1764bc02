package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/journal"
)

// Engine owns the cache and the pending-operation queues of one (user, block)
// scope. Every mutation goes through its methods.
type Engine struct {
	remote  Remote
	opts    Options
	log     zerolog.Logger
	metrics *Metrics
	journal journal.Backend
	scope   string
	// journalw persists queue snapshots off the mutation path.
	journalw *journalWriter

	// flight is held for the whole of a flush, so at most one save request
	// is outstanding at a time.
	flight *semaphore.Weighted

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	mu           sync.Mutex
	cache        *annotation.Cache
	saveQueue    []journal.Entry
	deleteQueue  []journal.DeleteEntry
	seq          uint64
	state        State
	closed       bool
	toolActive   bool
	lastActivity time.Time
	saveTimer    *time.Timer
	idleTimer    *time.Timer
	timerStarts  int
	subscribers  []subscriber
	nextSubID    int
}

type subscriber struct {
	id int
	fn func(Event)
}

func New(r Remote, opts Options) (*Engine, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: remote is required", ErrInvalidInput)
	}
	opts = opts.withDefaults()
	opts.UserID = strings.TrimSpace(opts.UserID)
	if opts.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	e := &Engine{
		remote:   r,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "persistence").Str("user_id", opts.UserID).Str("block_id", opts.BlockID).Logger(),
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		scope:    journal.Scope(opts.UserID, opts.BlockID),
		flight:   semaphore.NewWeighted(1),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
		cache:    annotation.NewCache(opts.UserID),
	}
	if err := e.restoreJournal(); err != nil {
		bgCancel()
		return nil, err
	}
	if e.journal != nil {
		e.journalw = newJournalWriter(e.journal, e.log)
	}
	e.mu.Lock()
	if !opts.DisableAutoSave {
		e.restartSaveTimerLocked()
	}
	pending := len(e.saveQueue) > 0 || len(e.deleteQueue) > 0
	e.mu.Unlock()
	if pending && opts.DisableAutoSave {
		e.triggerFlush()
	}
	return e, nil
}

func (e *Engine) SaveAnnotation(rec annotation.Record) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	saved, err := e.saveLocked(rec)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.afterMutationLocked()
	flush := e.shouldFlushLocked()
	e.mu.Unlock()

	e.emit(Cached{Record: saved})
	if flush {
		e.triggerFlush()
	}
	return nil
}

func (e *Engine) DeleteAnnotation(rec annotation.Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: id is required", annotation.ErrInvalidRecord)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	removed, ok := e.deleteLocked(rec.ID)
	if !ok {
		e.mu.Unlock()
		return nil
	}
	e.afterMutationLocked()
	flush := e.shouldFlushLocked()
	e.mu.Unlock()

	e.emit(Deleted{Record: removed})
	if flush {
		e.triggerFlush()
	}
	return nil
}

// SaveAnnotationsForPage replaces the page's records of typ with recs.
// Records of typ already on the page but absent from recs are deleted. Either
// every record is accepted or none is.
func (e *Engine) SaveAnnotationsForPage(page int, typ annotation.Type, recs []annotation.Record) error {
	canonical := annotation.Normalize(typ)
	if canonical == "" {
		return fmt.Errorf("%w: %w: %q", annotation.ErrInvalidRecord, annotation.ErrUnknownType, typ)
	}
	if page < 1 {
		return fmt.Errorf("%w: page number must be positive, got %d", annotation.ErrInvalidRecord, page)
	}
	prepared := make([]annotation.Record, 0, len(recs))
	keep := map[string]struct{}{}
	for _, rec := range recs {
		if rec.PageNum == 0 {
			rec.PageNum = page
		}
		if rec.Type == "" {
			rec.Type = canonical
		}
		if rec.PageNum != page || annotation.Normalize(rec.Type) != canonical {
			return fmt.Errorf("%w: record %s does not belong to %s on page %d", annotation.ErrInvalidRecord, rec.ID, canonical, page)
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		prepared = append(prepared, rec)
		keep[rec.ID] = struct{}{}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if err := e.checkBatchLocked(prepared); err != nil {
		e.mu.Unlock()
		return err
	}
	var events []Event
	for _, existing := range e.cache.ByPage(page, canonical) {
		if _, ok := keep[existing.ID]; ok {
			continue
		}
		if removed, ok := e.deleteLocked(existing.ID); ok {
			events = append(events, Deleted{Record: removed})
		}
	}
	for _, rec := range prepared {
		saved, err := e.saveLocked(rec)
		if err != nil {
			e.afterMutationLocked()
			e.mu.Unlock()
			e.emitAll(events)
			return err
		}
		events = append(events, Cached{Record: saved})
	}
	e.afterMutationLocked()
	flush := e.shouldFlushLocked()
	e.mu.Unlock()

	e.emitAll(events)
	if flush {
		e.triggerFlush()
	}
	return nil
}

func (e *Engine) GetAnnotationsForPage(page int, typ annotation.Type) []annotation.Record {
	if typ != "" {
		typ = annotation.Normalize(typ)
		if typ == "" {
			return []annotation.Record{}
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.ByPage(page, typ)
}

func (e *Engine) GetAnnotationsByType(typ annotation.Type) map[int][]annotation.Record {
	typ = annotation.Normalize(typ)
	if typ == "" {
		return map[int][]annotation.Record{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.ByType(typ)
}

func (e *Engine) GetAllAnnotations() annotation.Grouped {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Grouped()
}

func (e *Engine) ClearAnnotationsByType(typ annotation.Type) int {
	typ = annotation.Normalize(typ)
	if typ == "" {
		return 0
	}
	return e.clearMatching(typ, 0, func(r annotation.Record) bool { return r.Type == typ })
}

// ClearAnnotationsForPage removes the page's records; typ "" clears every type.
func (e *Engine) ClearAnnotationsForPage(page int, typ annotation.Type) int {
	if typ != "" {
		typ = annotation.Normalize(typ)
		if typ == "" {
			return 0
		}
	}
	return e.clearMatching(typ, page, func(r annotation.Record) bool {
		return r.PageNum == page && (typ == "" || r.Type == typ)
	})
}

func (e *Engine) ClearAllAnnotations() int {
	return e.clearMatching("", 0, func(annotation.Record) bool { return true })
}

func (e *Engine) clearMatching(typ annotation.Type, page int, match func(annotation.Record) bool) int {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0
	}
	count := 0
	for _, r := range e.cache.All() {
		if !match(r) {
			continue
		}
		if _, ok := e.deleteLocked(r.ID); ok {
			count++
		}
	}
	if count == 0 {
		e.mu.Unlock()
		return 0
	}
	e.afterMutationLocked()
	flush := e.shouldFlushLocked()
	e.mu.Unlock()

	e.emit(Cleared{Type: typ, Page: page, Count: count})
	if flush {
		e.triggerFlush()
	}
	return count
}

func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.cache.Statistics()
	stats.PendingSaves = e.pendingSavesLocked()
	stats.PendingDeletes = len(e.deleteQueue)
	return Statistics{Statistics: stats, State: e.state, ToolActive: e.toolActive}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers fn for every event until cancel is called. fn runs on
// the goroutine that produced the event and must not block.
func (e *Engine) Subscribe(fn func(Event)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subscribers = append(e.subscribers, subscriber{id: id, fn: fn})
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, sub := range e.subscribers {
				if sub.id == id {
					e.subscribers = append(e.subscribers[:i:i], e.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// ForceSave drains both queues, waiting for any flush already in flight.
func (e *Engine) ForceSave(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := e.flight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.flight.Release(1)
	return e.flush(ctx)
}

// Close stops the timers, abandons background retries and makes one final
// attempt to persist anything still queued.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.stopTimersLocked()
	e.mu.Unlock()

	e.bgCancel()
	e.bg.Wait()

	var flushErr error
	if e.hasPending() {
		if err := e.flight.Acquire(ctx, 1); err != nil {
			flushErr = err
		} else {
			flushErr = e.flush(ctx)
			e.flight.Release(1)
		}
	}
	if e.journalw != nil {
		e.journalw.close()
	}
	if err := journal.Close(e.journal); err != nil {
		e.log.Warn().Err(err).Msg("close journal")
	}
	return flushErr
}

func (e *Engine) saveLocked(rec annotation.Record) (annotation.Record, error) {
	if err := rec.Validate(); err != nil {
		return annotation.Record{}, err
	}
	rec = rec.Clone()
	rec.Type = annotation.Normalize(rec.Type)
	rec.UserID = e.opts.UserID
	rec.BlockID = e.opts.BlockID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = annotation.NewTimestamp(e.opts.Now())
	}
	existing, exists := e.cache.Get(rec.ID)
	if exists && existing.PageNum != rec.PageNum {
		return annotation.Record{}, fmt.Errorf("%w: record %s is on page %d; delete it before saving it to page %d",
			annotation.ErrInvalidRecord, rec.ID, existing.PageNum, rec.PageNum)
	}
	if !exists && e.cache.Len() >= e.opts.MaxAnnotations {
		return annotation.Record{}, fmt.Errorf("%w: %d records", ErrLimitExceeded, e.opts.MaxAnnotations)
	}
	e.cache.Put(rec)
	e.seq++
	e.saveQueue = append(e.saveQueue, journal.Entry{Seq: e.seq, Op: journal.OpSave, Record: rec.Clone()})
	if e.toolActive {
		e.lastActivity = e.opts.Now()
	}
	return rec, nil
}

// checkBatchLocked rejects a page batch up front so it never half applies.
func (e *Engine) checkBatchLocked(recs []annotation.Record) error {
	added := 0
	seen := map[string]struct{}{}
	for _, rec := range recs {
		existing, ok := e.cache.Get(rec.ID)
		if ok && existing.PageNum != rec.PageNum {
			return fmt.Errorf("%w: record %s is on page %d; delete it before saving it to page %d",
				annotation.ErrInvalidRecord, rec.ID, existing.PageNum, rec.PageNum)
		}
		if _, dup := seen[rec.ID]; !ok && !dup {
			added++
		}
		seen[rec.ID] = struct{}{}
	}
	if e.cache.Len()+added > e.opts.MaxAnnotations {
		return fmt.Errorf("%w: %d records", ErrLimitExceeded, e.opts.MaxAnnotations)
	}
	return nil
}

func (e *Engine) deleteLocked(id string) (annotation.Record, bool) {
	existing, ok := e.cache.Get(id)
	if !ok || existing.UserID != e.opts.UserID {
		return annotation.Record{}, false
	}
	removed, _ := e.cache.Remove(id)
	e.seq++
	deletion := annotation.DeletionFor(removed, annotation.NewTimestamp(e.opts.Now()))
	e.deleteQueue = append(e.deleteQueue, journal.DeleteEntry{Seq: e.seq, Deletion: deletion})
	e.saveQueue = append(e.saveQueue, journal.Entry{Seq: e.seq, Op: journal.OpDelete, Record: removed.Clone()})
	return removed, true
}

func (e *Engine) shouldFlushLocked() bool {
	if len(e.saveQueue) == 0 && len(e.deleteQueue) == 0 {
		return false
	}
	return e.opts.DisableAutoSave || len(e.saveQueue) >= e.opts.BatchThreshold
}

// pendingSavesLocked counts cached records with an unconfirmed save.
func (e *Engine) pendingSavesLocked() int {
	ids := map[string]struct{}{}
	for _, entry := range e.saveQueue {
		if entry.Op != journal.OpSave {
			continue
		}
		if _, ok := e.cache.Get(entry.Record.ID); ok {
			ids[entry.Record.ID] = struct{}{}
		}
	}
	return len(ids)
}

func (e *Engine) hasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.saveQueue) > 0 || len(e.deleteQueue) > 0
}

// afterMutationLocked journals the queues and refreshes gauges.
func (e *Engine) afterMutationLocked() {
	e.metrics.setQueues(e.pendingSavesLocked(), len(e.deleteQueue), e.cache.Len())
	if e.journalw == nil {
		return
	}
	snapshot := &journal.Snapshot{
		Scope:       e.scope,
		Seq:         e.seq,
		SaveQueue:   append([]journal.Entry(nil), e.saveQueue...),
		DeleteQueue: append([]journal.DeleteEntry(nil), e.deleteQueue...),
		SavedAt:     e.opts.Now().UTC(),
	}
	e.journalw.submit(snapshot)
}

func (e *Engine) restoreJournal() error {
	if e.journal == nil {
		return nil
	}
	snapshot, err := e.journal.Load()
	if err != nil {
		return fmt.Errorf("load annotation journal: %w", err)
	}
	if snapshot.Empty() {
		return nil
	}
	if snapshot.Scope != e.scope {
		e.log.Warn().
			Str("journal_scope", snapshot.Scope).
			Str("scope", e.scope).
			Msg("journal snapshot belongs to another scope; ignoring it")
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq = snapshot.Seq
	e.saveQueue = append([]journal.Entry(nil), snapshot.SaveQueue...)
	e.deleteQueue = append([]journal.DeleteEntry(nil), snapshot.DeleteQueue...)
	for _, entry := range e.saveQueue {
		if entry.Seq > e.seq {
			e.seq = entry.Seq
		}
		switch entry.Op {
		case journal.OpSave:
			rec := entry.Record
			rec.UserID = e.opts.UserID
			rec.BlockID = e.opts.BlockID
			e.cache.Put(rec)
		case journal.OpDelete:
			e.cache.Remove(entry.Record.ID)
		}
	}
	for _, entry := range e.deleteQueue {
		if entry.Seq > e.seq {
			e.seq = entry.Seq
		}
	}
	e.metrics.setQueues(e.pendingSavesLocked(), len(e.deleteQueue), e.cache.Len())
	e.log.Info().
		Int("pending_saves", e.pendingSavesLocked()).
		Int("pending_deletes", len(e.deleteQueue)).
		Msg("restored unconfirmed annotation operations")
	return nil
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	subs := append([]subscriber(nil), e.subscribers...)
	e.mu.Unlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}

func (e *Engine) emitAll(events []Event) {
	for _, ev := range events {
		e.emit(ev)
	}
}
