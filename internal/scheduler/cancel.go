package scheduler

import "sync"

// token is a per-job cooperative abort signal, created when the job is
// queued and discarded once it leaves running.
type token struct {
	once sync.Once
	done chan struct{}
}

func newToken() *token {
	return &token{done: make(chan struct{})}
}

// Signal marks the token; repeated signals are harmless.
func (t *token) Signal() {
	t.once.Do(func() { close(t.done) })
}

// Signaled reports whether the token was signalled.
func (t *token) Signaled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done exposes the signal channel for select-based waiting.
func (t *token) Done() <-chan struct{} {
	return t.done
}

// registry holds one cancellation token per live job id.
type registry struct {
	mu     sync.Mutex
	tokens map[string]*token
}

func newRegistry() *registry {
	return &registry{tokens: make(map[string]*token)}
}

// Create registers a token for the id, replacing any stale one.
func (r *registry) Create(id string) *token {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := newToken()
	r.tokens[id] = t
	return t
}

// Ensure returns the id's token, creating one if the registry lost it
// (process restarts re-enqueue jobs without re-registering).
func (r *registry) Ensure(id string) *token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[id]; ok {
		return t
	}
	t := newToken()
	r.tokens[id] = t
	return t
}

// Signal marks the id's token if present.
func (r *registry) Signal(id string) {
	r.mu.Lock()
	t, ok := r.tokens[id]
	r.mu.Unlock()
	if ok {
		t.Signal()
	}
}

// IsSignaled reports whether the id's token was signalled.
func (r *registry) IsSignaled(id string) bool {
	r.mu.Lock()
	t, ok := r.tokens[id]
	r.mu.Unlock()
	return ok && t.Signaled()
}

// Discard drops the token once its job leaves running.
func (r *registry) Discard(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, id)
}
