package application

import (
	"context"
	"sync"
)

// Readiness is a one-shot gate. Only the backfill coordinator opens it, and
// once open it stays open.
type Readiness struct {
	once sync.Once
	ch   chan struct{}
}

func NewReadiness() *Readiness {
	return &Readiness{ch: make(chan struct{})}
}

func (r *Readiness) fire() {
	r.once.Do(func() { close(r.ch) })
}

func (r *Readiness) Done() <-chan struct{} { return r.ch }

func (r *Readiness) Ready() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate opens or ctx is done.
func (r *Readiness) Wait(ctx context.Context) error {
	select {
	case <-r.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
