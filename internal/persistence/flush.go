package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/journal"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/remote"
)

type batch struct {
	req      remote.SaveRequest
	maxSeq   uint64
	saved    int
	deleted  int
	pages    []int
	types    []annotation.Type
	deletion bool
}

// triggerFlush starts a background flush unless one is already running; a
// skipped trigger is picked up by the next tick or mutation.
func (e *Engine) triggerFlush() {
	e.mu.Lock()
	if e.closed || !e.flight.TryAcquire(1) {
		e.mu.Unlock()
		return
	}
	// Close sets closed under mu before waiting on bg.
	e.bg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.bg.Done()
		err := e.flush(e.bgCtx)
		e.flight.Release(1)
		if err != nil {
			return
		}
		e.mu.Lock()
		again := !e.closed && e.shouldFlushLocked()
		e.mu.Unlock()
		if again {
			e.triggerFlush()
		}
	}()
}

// flush sends one batch, retrying it whole. The caller holds flight.
func (e *Engine) flush(ctx context.Context) error {
	e.mu.Lock()
	b, ok := e.assembleLocked()
	if !ok {
		e.mu.Unlock()
		return nil
	}
	e.state = StateSaving
	e.mu.Unlock()

	started := time.Now()
	log := e.log.With().Int("saves", b.saved).Int("deletes", b.deleted).Bool("deletion_only", b.deletion).Logger()
	for attempt := 1; ; attempt++ {
		resp, err := e.remote.Save(ctx, b.req)
		auth := remote.IsAuthFailure(err)
		e.metrics.observeAttempt(err, auth)
		if err == nil {
			summary := e.commit(b, resp, attempt)
			e.metrics.observeFlush("success", started)
			log.Debug().Int("attempts", attempt).Ints("pages", summary.Pages).Msg("annotation batch saved")
			e.emit(Saved{Summary: summary})
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.setState(StateIdle)
			e.metrics.observeFlush("canceled", started)
			log.Debug().Err(err).Msg("annotation batch abandoned")
			return ctxErr
		}

		final := attempt > e.opts.MaxRetries
		event := log.Warn().Err(err).Int("attempt", attempt).Bool("final", final)
		if auth {
			event = event.Bool("auth_failure", true)
		}
		event.Msg("annotation save failed")
		if final {
			e.setState(StateIdle)
			e.metrics.observeFlush("failed", started)
			e.emit(SaveFailed{Err: err, Attempt: attempt, Final: true, AuthFailure: auth})
			return err
		}
		e.setState(StateRetryBackoff)
		e.emit(SaveFailed{Err: err, Attempt: attempt, AuthFailure: auth})
		if waitErr := e.wait(ctx, e.opts.RetryDelay*time.Duration(attempt)); waitErr != nil {
			e.setState(StateIdle)
			e.metrics.observeFlush("canceled", started)
			return errors.Join(err, waitErr)
		}
		e.setState(StateSaving)
	}
}

// assembleLocked snapshots the queues into a request. Saves carry the
// record as it is in the cache right now; ids deleted since they were queued
// are left to their delete entries.
func (e *Engine) assembleLocked() (batch, bool) {
	if len(e.saveQueue) == 0 && len(e.deleteQueue) == 0 {
		return batch{}, false
	}
	var b batch
	grouped := annotation.Grouped{}
	seen := map[string]struct{}{}
	pages := map[int]struct{}{}
	types := map[annotation.Type]struct{}{}
	for _, entry := range e.saveQueue {
		if entry.Seq > b.maxSeq {
			b.maxSeq = entry.Seq
		}
		if entry.Op != journal.OpSave {
			continue
		}
		if _, dup := seen[entry.Record.ID]; dup {
			continue
		}
		seen[entry.Record.ID] = struct{}{}
		current, ok := e.cache.Get(entry.Record.ID)
		if !ok {
			continue
		}
		grouped.Add(current)
		pages[current.PageNum] = struct{}{}
		types[current.Type] = struct{}{}
		b.saved++
	}
	deletions := make([]annotation.Deletion, 0, len(e.deleteQueue))
	for _, entry := range e.deleteQueue {
		if entry.Seq > b.maxSeq {
			b.maxSeq = entry.Seq
		}
		deletions = append(deletions, entry.Deletion)
		pages[entry.Deletion.PageNum] = struct{}{}
		types[entry.Deletion.Type] = struct{}{}
	}
	b.deleted = len(deletions)
	b.deletion = b.saved == 0
	data := remote.SaveData{Grouped: grouped}
	if b.deletion {
		data = remote.SaveData{Deletions: deletions, DeletionOnly: true}
	}
	b.req = remote.SaveRequest{
		Action:    "save",
		UserID:    e.opts.UserID,
		CourseID:  e.opts.CourseID,
		BlockID:   e.opts.BlockID,
		Data:      data,
		Deletions: deletions,
		Timestamp: annotation.NewTimestamp(e.opts.Now()),
	}
	for page := range pages {
		b.pages = append(b.pages, page)
	}
	sort.Ints(b.pages)
	for typ := range types {
		b.types = append(b.types, typ)
	}
	sort.Slice(b.types, func(i, j int) bool { return b.types[i] < b.types[j] })
	return b, true
}

// commit drops every queue entry the confirmed batch covered. Entries queued
// while the request was in flight have a higher seq and stay.
func (e *Engine) commit(b batch, resp remote.SaveResponse, attempts int) BatchSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	saves := e.saveQueue[:0:0]
	for _, entry := range e.saveQueue {
		if entry.Seq > b.maxSeq {
			saves = append(saves, entry)
		}
	}
	e.saveQueue = saves
	deletes := e.deleteQueue[:0:0]
	for _, entry := range e.deleteQueue {
		if entry.Seq > b.maxSeq {
			deletes = append(deletes, entry)
		}
	}
	e.deleteQueue = deletes

	stillPending := map[int]struct{}{}
	for _, entry := range e.saveQueue {
		stillPending[entry.Record.PageNum] = struct{}{}
	}
	for _, entry := range e.deleteQueue {
		stillPending[entry.Deletion.PageNum] = struct{}{}
	}
	for _, page := range b.pages {
		if _, ok := stillPending[page]; !ok {
			e.cache.ClearDirty(page)
		}
	}
	e.state = StateIdle
	e.afterMutationLocked()

	return BatchSummary{
		Saved:        b.saved,
		Deleted:      b.deleted,
		Pages:        append([]int(nil), b.pages...),
		Types:        append([]annotation.Type(nil), b.types...),
		SavedTypes:   append([]string(nil), resp.SavedTypes...),
		DeletionOnly: b.deletion,
		Attempts:     attempts,
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
