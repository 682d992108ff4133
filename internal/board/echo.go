package board

import "sync"

// EchoSuppressor remembers item ids this client has an outstanding write
// for, so the feed copy of that write can be dropped once.
type EchoSuppressor struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

func NewEchoSuppressor() *EchoSuppressor {
	return &EchoSuppressor{pending: map[string]struct{}{}}
}

func (e *EchoSuppressor) Register(id string) {
	e.mu.Lock()
	e.pending[id] = struct{}{}
	e.mu.Unlock()
}

// Consume reports whether id was pending and clears it.
func (e *EchoSuppressor) Consume(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[id]; !ok {
		return false
	}
	delete(e.pending, id)
	return true
}

// Release drops id without treating anything as an echo.
func (e *EchoSuppressor) Release(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *EchoSuppressor) Pending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

func (e *EchoSuppressor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *EchoSuppressor) Reset() {
	e.mu.Lock()
	e.pending = map[string]struct{}{}
	e.mu.Unlock()
}
