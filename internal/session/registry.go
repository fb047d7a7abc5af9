package session

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/eventbus"
	"github.com/polyscope/polyscope/internal/kubeclient"
	"github.com/polyscope/polyscope/internal/xerrors"
)

// ConnectResult is one context's outcome from ConnectMany. Ok is false
// whenever Connect returned an error, retryable or not; after a
// transient transport failure the session keeps retrying in the
// background, but Ok reflects the synchronous result only.
type ConnectResult struct {
	Context string
	Ok      bool
	Err     error
}

// Registry is the process-wide context->Session mapping. Sessions are
// created lazily on first use and persist until explicitly disconnected
// or the registry is closed.
type Registry struct {
	factory *kubeclient.Factory
	opts    config.Options
	log     logr.Logger
	bus     *eventbus.Bus

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry backed by factory.
func NewRegistry(factory *kubeclient.Factory, opts config.Options, log logr.Logger, bus *eventbus.Bus) *Registry {
	return &Registry{
		factory:  factory,
		opts:     opts,
		log:      log,
		bus:      bus,
		sessions: make(map[string]*Session),
	}
}

// getOrCreate returns the existing session for name, or creates one in
// the New state without connecting it.
func (r *Registry) getOrCreate(name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[name]; ok {
		return s
	}
	s := New(name, r.factory, r.opts, r.log, r.bus)
	r.sessions[name] = s
	return s
}

// ConnectMany connects every named context with bounded parallelism
// (config.Options.ConnectParallelism). It is total: every name in
// contexts produces exactly one ConnectResult, in the same order as
// contexts, regardless of how many individual connects fail.
func (r *Registry) ConnectMany(ctx context.Context, contexts []string) []ConnectResult {
	results := make([]ConnectResult, len(contexts))

	sem := make(chan struct{}, r.opts.ConnectParallelism)
	var wg sync.WaitGroup

	for i, name := range contexts {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			s := r.getOrCreate(name)
			err := s.Connect(ctx)
			results[i] = ConnectResult{Context: name, Ok: err == nil, Err: err}
		}(i, name)
	}

	wg.Wait()
	return results
}

// Get returns the session for a context, if one has been created.
func (r *Registry) Get(contextName string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[contextName]
	return s, ok
}

// MustGet returns the session for a context or a wrapped ErrNotFound.
func (r *Registry) MustGet(contextName string) (*Session, error) {
	s, ok := r.Get(contextName)
	if !ok {
		return nil, xerrors.Wrap(xerrors.ErrNotFound, "session for context "+contextName, errNoSession)
	}
	return s, nil
}

// ConnectedContexts returns the contexts whose session is currently Ready.
func (r *Registry) ConnectedContexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.sessions))
	for name, s := range r.sessions {
		if s.State() == StateReady {
			names = append(names, name)
		}
	}
	return names
}

// Disconnect closes and forgets a context's session. Idempotent: a
// disconnect of an unknown or already-disconnected context is a no-op.
func (r *Registry) Disconnect(contextName string) {
	r.mu.Lock()
	s, ok := r.sessions[contextName]
	if ok {
		delete(r.sessions, contextName)
	}
	r.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Close disconnects every session in the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for name, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}

var errNoSession = sessionNotFoundError{}

type sessionNotFoundError struct{}

func (sessionNotFoundError) Error() string { return "no session has been created for this context" }
