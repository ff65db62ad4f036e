package schedule

// RunLock is the single process-wide mutual exclusion primitive serializing
// all processing runs, regardless of trigger source.
//
// It is a one-token channel semaphore: TryAcquire never blocks, and a failed
// acquire means "a run is already active" so the caller applies overlap
// policy instead of waiting.
type RunLock struct {
	ch chan struct{}
}

func NewRunLock() *RunLock {
	l := &RunLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

func (l *RunLock) TryAcquire() bool {
	if l == nil {
		return true
	}
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Release returns the token. Best-effort: releasing an unheld lock is a
// no-op rather than a panic, mirroring acquire's non-blocking contract.
func (l *RunLock) Release() {
	if l == nil {
		return
	}
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// Held reports whether the lock is currently held. Diagnostic only; the
// answer may be stale by the time the caller acts on it.
func (l *RunLock) Held() bool {
	if l == nil {
		return false
	}
	return len(l.ch) == 0
}
