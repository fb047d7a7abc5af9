// Package session implements the Cluster Session and Session Registry
// components: per-context connection lifecycle, authentication, and
// capability probing (§4.1), and the process-wide context->Session
// mapping that owns them (§4.2).
package session

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/eventbus"
	"github.com/polyscope/polyscope/internal/kubeclient"
	"github.com/polyscope/polyscope/internal/xerrors"
)

// State is a Cluster Session's lifecycle state.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateReady
	StateUnhealthy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// execPluginCommand is the exec-plugin credential provider this session
// will attempt one re-login for when authentication fails during
// Connect, e.g. "tsh" for Teleport-fronted clusters.
const execPluginCommand = "tsh"

// Session owns one authenticated connection to one kubeconfig context.
// It exposes the two capability interfaces the rest of the core
// consumes: a listable/watchable dynamic client and a schema-reading
// discovery/REST handle.
type Session struct {
	name    string
	factory *kubeclient.Factory
	opts    config.Options
	log     logr.Logger
	bus     *eventbus.Bus

	mu      sync.RWMutex
	state   State
	lastErr error
	attempt int

	reconnectCancel context.CancelFunc
	reconnectWG     sync.WaitGroup
}

// New creates a Session in the New state. Connect must be called before
// it is usable.
func New(name string, factory *kubeclient.Factory, opts config.Options, log logr.Logger, bus *eventbus.Bus) *Session {
	return &Session{
		name:    name,
		factory: factory,
		opts:    opts,
		log:     log.WithValues("context", name),
		bus:     bus,
		state:   StateNew,
	}
}

// Context returns the kubeconfig context name this session connects to.
func (s *Session) Context() string { return s.name }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the most recent connect/health-check error, if any.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.lastErr = err
	s.mu.Unlock()

	if prev != state {
		s.log.V(1).Info("session state transition", "from", prev, "to", state)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Kind:    eventbus.SessionStateChanged,
				Context: s.name,
				State:   state.String(),
				Err:     err,
			})
		}
	}
}

// Connect attempts to establish the session: a discovery handshake that
// both validates the kubeconfig context and confirms the server is
// reachable and the credentials are accepted. On success the session
// enters Ready. On failure it classifies the error and either surfaces
// a non-retryable Auth/Configuration/NotFound error (session becomes
// Unhealthy but Connect returns the error to the caller) or starts the
// exponential-backoff reconnect loop for a transient transport failure.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting, nil)

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	err := s.probe(connectCtx)
	if err == nil {
		s.mu.Lock()
		s.attempt = 0
		s.mu.Unlock()
		s.setState(StateReady, nil)
		return nil
	}

	if classifyErr(err) == xerrors.ErrAuth {
		if relogged := s.tryExecPluginRelogin(); relogged {
			if err2 := s.probe(connectCtx); err2 == nil {
				s.setState(StateReady, nil)
				return nil
			}
		}
		s.setState(StateUnhealthy, err)
		return err
	}

	if classifyErr(err) != xerrors.ErrUnreachable {
		// Configuration/NotFound errors are not retryable.
		s.setState(StateUnhealthy, err)
		return err
	}

	s.setState(StateUnhealthy, err)
	s.startReconnectLoop(ctx)
	return err
}

// probe performs a lightweight, authenticated API call to confirm both
// connectivity and credentials for this context.
func (s *Session) probe(ctx context.Context) error {
	disco, err := s.factory.DiscoveryForContext(s.name)
	if err != nil {
		return err
	}

	versionCh := make(chan error, 1)
	go func() {
		_, verr := disco.ServerVersion()
		versionCh <- verr
	}()

	select {
	case verr := <-versionCh:
		if verr == nil {
			return nil
		}
		return classifyTransportError(verr)
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.ErrUnreachable, fmt.Sprintf("connect to context %q", s.name), ctx.Err())
	}
}

func (s *Session) tryExecPluginRelogin() bool {
	uses, err := s.factory.UsesExecPlugin(s.name, execPluginCommand)
	if err != nil || !uses {
		return false
	}
	if err := s.factory.ReloginExecPlugin(s.name, execPluginCommand); err != nil {
		s.log.Error(err, "exec-plugin relogin failed")
		return false
	}
	return true
}

// HealthCheck performs a lightweight reachability probe without
// transitioning the reconnect loop; callers use it for out-of-band
// liveness checks.
func (s *Session) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	return s.probe(checkCtx)
}

// startReconnectLoop runs the exponential-backoff reconnect schedule
// (base 500ms, factor 2, cap 30s, jitter +/-20%) until the session
// becomes Ready or is Closed.
func (s *Session) startReconnectLoop(ctx context.Context) {
	s.mu.Lock()
	if s.reconnectCancel != nil {
		s.mu.Unlock()
		return // already running
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.reconnectCancel = cancel
	s.mu.Unlock()

	s.reconnectWG.Add(1)
	go func() {
		defer s.reconnectWG.Done()
		for {
			s.mu.Lock()
			s.attempt++
			attempt := s.attempt
			s.mu.Unlock()

			delay := backoffDelay(s.opts, attempt)
			timer := time.NewTimer(delay)
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			probeCtx, cancel := context.WithTimeout(loopCtx, s.opts.ConnectTimeout)
			err := s.probe(probeCtx)
			cancel()

			if err == nil {
				s.mu.Lock()
				s.attempt = 0
				s.reconnectCancel = nil
				s.mu.Unlock()
				s.setState(StateReady, nil)
				return
			}
			s.setState(StateUnhealthy, err)

			if loopCtx.Err() != nil {
				return
			}
		}
	}()
}

// backoffDelay computes the exponential-backoff-with-jitter delay for
// the given 1-indexed attempt count.
func backoffDelay(opts config.Options, attempt int) time.Duration {
	d := float64(opts.BackoffBase) * pow(opts.BackoffFactor, attempt-1)
	if cap := float64(opts.BackoffCap); d > cap {
		d = cap
	}
	jitter := (rand.Float64()*2 - 1) * opts.BackoffJitter * d
	result := time.Duration(d + jitter)
	if result < 0 {
		result = 0
	}
	return result
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Close releases the session's network handles and goroutines on all
// paths. Terminal: once Closed, the session never transitions again.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	cancel := s.reconnectCancel
	s.reconnectCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.reconnectWG.Wait()

	s.factory.InvalidateContext(s.name)
	s.setState(StateClosed, nil)
}

// Dynamic returns the listable/watchable dynamic client for this session.
func (s *Session) Dynamic() (dynamic.Interface, error) {
	return s.factory.DynamicForContext(s.name)
}

// Discovery returns the schema-reading discovery client for this session.
func (s *Session) Discovery() (discovery.DiscoveryInterface, error) {
	return s.factory.DiscoveryForContext(s.name)
}

// RESTConfig exposes the raw rest.Config for this session's context.
func (s *Session) RESTConfig() (*rest.Config, error) {
	return s.factory.RESTConfigForContext(s.name)
}

func classifyErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errorsIs(err, xerrors.ErrAuth):
		return xerrors.ErrAuth
	case errorsIs(err, xerrors.ErrConfiguration):
		return xerrors.ErrConfiguration
	case errorsIs(err, xerrors.ErrNotFound):
		return xerrors.ErrNotFound
	default:
		return xerrors.ErrUnreachable
	}
}

// classifyTransportError turns a raw discovery-client error into the
// taxonomy's Auth or Unreachable sentinel based on its message, the way
// the source's tsh-detection string match worked, generalized to any
// credential-rejected response.
func classifyTransportError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "credential") {
		return xerrors.Wrap(xerrors.ErrAuth, "authenticate", err)
	}
	return xerrors.Wrap(xerrors.ErrUnreachable, "reach cluster", err)
}

func errorsIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() []error })
		if ok {
			for _, inner := range u.Unwrap() {
				if errorsIs(inner, target) {
					return true
				}
			}
			return false
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
