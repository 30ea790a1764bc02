package persistence

import (
	"context"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/journal"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/remote"
)

// LoadAnnotations seeds the cache with records the caller already holds,
// then merges the handler's copy. A failed load is reported through a
// LoadFailed event and seed is returned unchanged with a nil error.
func (e *Engine) LoadAnnotations(ctx context.Context, seed annotation.Grouped) (annotation.Grouped, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return seed, ErrClosed
	}
	for _, r := range seed.Flatten() {
		if r, ok := e.acceptRemoteLocked(r); ok {
			if _, exists := e.cache.Get(r.ID); !exists && !e.pendingDeleteLocked(r.ID) {
				e.cache.Restore(r)
			}
		}
	}
	e.mu.Unlock()

	data, err := e.remote.Load(ctx, remote.LoadRequest{
		UserID:   e.opts.UserID,
		BlockID:  e.opts.BlockID,
		CourseID: e.opts.CourseID,
		At:       e.opts.Now(),
	})
	if err != nil {
		e.metrics.observeLoad("failed")
		e.log.Warn().Err(err).Bool("auth_failure", remote.IsAuthFailure(err)).Msg("annotation load failed, using local data")
		e.emit(LoadFailed{Err: err})
		return seed, nil
	}

	e.mu.Lock()
	merged, queuesChanged := 0, false
	for _, r := range data.Flatten() {
		r, ok := e.acceptRemoteLocked(r)
		if !ok {
			continue
		}
		applied, resurrected := e.mergeLocked(r)
		if applied {
			merged++
		}
		queuesChanged = queuesChanged || resurrected
	}
	if queuesChanged {
		e.afterMutationLocked()
	} else {
		e.metrics.setQueues(e.pendingSavesLocked(), len(e.deleteQueue), e.cache.Len())
	}
	out := e.cache.Grouped()
	total := e.cache.Len()
	e.mu.Unlock()

	e.metrics.observeLoad("success")
	e.log.Debug().Int("total", total).Int("merged", merged).Msg("annotations loaded")
	e.emit(Loaded{Total: total, Merged: merged})
	return out, nil
}

// acceptRemoteLocked filters records from outside the cache: other users'
// records and malformed ones never enter it.
func (e *Engine) acceptRemoteLocked(r annotation.Record) (annotation.Record, bool) {
	if r.UserID == "" {
		r.UserID = e.opts.UserID
	}
	if r.UserID != e.opts.UserID {
		return r, false
	}
	if err := r.Validate(); err != nil {
		e.log.Debug().Err(err).Str("id", r.ID).Msg("skipping invalid remote record")
		return r, false
	}
	r.Type = annotation.Normalize(r.Type)
	if r.BlockID == "" {
		r.BlockID = e.opts.BlockID
	}
	return r, true
}

// mergeLocked applies newer-timestamp-wins. A record deleted locally but not
// yet confirmed comes back only if the server copy is newer than the
// deletion, in which case the pending delete is replaced by a save.
func (e *Engine) mergeLocked(r annotation.Record) (applied, resurrected bool) {
	if deletedAt, ok := e.pendingDeletionLocked(r.ID); ok {
		if !r.Timestamp.After(deletedAt) {
			return false, false
		}
		e.dropPendingDeleteLocked(r.ID)
		// re-queued so a batch already in flight with the deletion cannot
		// leave the server without the record
		e.cache.Put(r)
		e.seq++
		e.saveQueue = append(e.saveQueue, journal.Entry{Seq: e.seq, Op: journal.OpSave, Record: r.Clone()})
		return true, true
	}
	existing, ok := e.cache.Get(r.ID)
	if ok && !r.Timestamp.After(existing.Timestamp) {
		return false, false
	}
	e.cache.Restore(r)
	return true, false
}

func (e *Engine) pendingDeleteLocked(id string) bool {
	_, ok := e.pendingDeletionLocked(id)
	return ok
}

func (e *Engine) pendingDeletionLocked(id string) (annotation.Timestamp, bool) {
	var latest annotation.Timestamp
	found := false
	for _, entry := range e.deleteQueue {
		if entry.Deletion.ID != id {
			continue
		}
		if !found || entry.Deletion.DeletedAt.After(latest) {
			latest = entry.Deletion.DeletedAt
		}
		found = true
	}
	return latest, found
}

func (e *Engine) dropPendingDeleteLocked(id string) {
	deletes := e.deleteQueue[:0:0]
	for _, entry := range e.deleteQueue {
		if entry.Deletion.ID != id {
			deletes = append(deletes, entry)
		}
	}
	e.deleteQueue = deletes
	saves := e.saveQueue[:0:0]
	for _, entry := range e.saveQueue {
		if entry.Op == journal.OpDelete && entry.Record.ID == id {
			continue
		}
		saves = append(saves, entry)
	}
	e.saveQueue = saves
}
