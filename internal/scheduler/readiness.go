package scheduler

import "sync"

// readiness is the one-shot completion signal described in spec §9 as the
// chosen alternative to a mutex held across a task's lifetime: a channel
// that closes exactly once when the owning task finishes, so any number of
// dependents can block on it and then proceed unblocked forever after.
type readiness struct {
	once sync.Once
	done chan struct{}
}

func newReadiness() *readiness {
	return &readiness{done: make(chan struct{})}
}

// Release signals that the owning service has completed. Only the owning
// task may call this (spec §5: "the owning task is the sole mutator").
func (r *readiness) Release() {
	r.once.Do(func() { close(r.done) })
}

// Wait blocks until Release has been called.
func (r *readiness) Wait() {
	<-r.done
}
