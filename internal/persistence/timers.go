package persistence

import "time"

func (e *Engine) intervalLocked() time.Duration {
	if e.toolActive {
		return e.opts.ActiveInterval
	}
	return e.opts.SaveInterval
}

// restartSaveTimerLocked (re)arms the single auto-save timer with the current
// cadence. The handle is created once and reset afterwards.
func (e *Engine) restartSaveTimerLocked() {
	if e.opts.DisableAutoSave || e.closed {
		return
	}
	e.timerStarts++
	if e.saveTimer == nil {
		e.saveTimer = time.AfterFunc(e.intervalLocked(), e.onSaveTick)
		return
	}
	e.saveTimer.Stop()
	e.saveTimer.Reset(e.intervalLocked())
}

func (e *Engine) onSaveTick() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	pending := len(e.saveQueue) > 0 || len(e.deleteQueue) > 0
	e.saveTimer.Reset(e.intervalLocked())
	e.mu.Unlock()
	if pending {
		e.triggerFlush()
	}
}

func (e *Engine) stopTimersLocked() {
	if e.saveTimer != nil {
		e.saveTimer.Stop()
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
}

// SetToolActive switches between the normal and the active cadence. Repeated
// activations only refresh the activity clock; after IdleTimeout without
// activity the engine falls back to the normal cadence on its own.
func (e *Engine) SetToolActive(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if active {
		e.lastActivity = e.opts.Now()
		e.armIdleTimerLocked(e.opts.IdleTimeout)
		if e.toolActive {
			return
		}
		e.toolActive = true
		e.restartSaveTimerLocked()
		return
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	if !e.toolActive {
		return
	}
	e.toolActive = false
	e.restartSaveTimerLocked()
}

func (e *Engine) armIdleTimerLocked(after time.Duration) {
	if e.idleTimer == nil {
		e.idleTimer = time.AfterFunc(after, e.onIdleCheck)
		return
	}
	e.idleTimer.Stop()
	e.idleTimer.Reset(after)
}

func (e *Engine) onIdleCheck() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.toolActive {
		return
	}
	idle := e.opts.Now().Sub(e.lastActivity)
	if idle < e.opts.IdleTimeout {
		e.armIdleTimerLocked(e.opts.IdleTimeout - idle)
		return
	}
	e.toolActive = false
	e.restartSaveTimerLocked()
	e.log.Debug().Dur("idle", idle).Msg("tool idle, auto-save back to normal cadence")
}
