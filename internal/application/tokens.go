package application

import "sync"

// ExecutionTokens hands out at most one token per project. A Poller tick for a
// project runs only while it holds that project's token.
type ExecutionTokens struct {
	mu     sync.Mutex
	tokens map[int64]chan struct{}
}

func NewExecutionTokens() *ExecutionTokens {
	return &ExecutionTokens{tokens: make(map[int64]chan struct{})}
}

func (t *ExecutionTokens) slot(projectID int64) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.tokens[projectID]
	if !ok {
		ch = make(chan struct{}, 1)
		t.tokens[projectID] = ch
	}
	return ch
}

// TryAcquire returns a release func when the token was free.
func (t *ExecutionTokens) TryAcquire(projectID int64) (func(), bool) {
	ch := t.slot(projectID)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, true
	default:
		return nil, false
	}
}

func (t *ExecutionTokens) Held(projectID int64) bool {
	return len(t.slot(projectID)) == 1
}
