package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/kubeclient"
	"github.com/polyscope/polyscope/internal/xerrors"
)

func TestBackoffDelay(t *testing.T) {
	opts := config.Default()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		// Jitter makes each delay random, so this checks bounds only:
		// every delay is non-negative and within the cap plus jitter.
		d := backoffDelay(opts, attempt)
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %v", attempt, d)
		}
		if d > opts.BackoffCap+time.Duration(float64(opts.BackoffCap)*opts.BackoffJitter) {
			t.Fatalf("attempt %d: delay %v exceeds cap+jitter", attempt, d)
		}
		prev = d
	}
	_ = prev
}

func TestBackoffDelayCaps(t *testing.T) {
	opts := config.Default()
	d := backoffDelay(opts, 100)
	maxAllowed := opts.BackoffCap + time.Duration(float64(opts.BackoffCap)*opts.BackoffJitter)
	if d > maxAllowed {
		t.Fatalf("expected capped delay <= %v, got %v", maxAllowed, d)
	}
}

func TestClassifyTransportError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unauthorized", errors.New("401 Unauthorized: token expired"), xerrors.ErrAuth},
		{"forbidden", errors.New("user cannot list resource: Forbidden"), xerrors.ErrAuth},
		{"timeout", errors.New("dial tcp: i/o timeout"), xerrors.ErrUnreachable},
		{"connection refused", errors.New("connect: connection refused"), xerrors.ErrUnreachable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyTransportError(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("classifyTransportError(%v) = %v, want classification %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorsIsUnwrapsWrappedSentinel(t *testing.T) {
	cause := errors.New("boom")
	wrapped := xerrors.Wrap(xerrors.ErrUnreachable, "reach cluster", cause)

	if !errorsIs(wrapped, xerrors.ErrUnreachable) {
		t.Fatalf("expected wrapped error to classify as ErrUnreachable")
	}
	if errorsIs(wrapped, xerrors.ErrAuth) {
		t.Fatalf("expected wrapped error not to classify as ErrAuth")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateNew:        "new",
		StateConnecting: "connecting",
		StateReady:      "ready",
		StateUnhealthy:  "unhealthy",
		StateClosed:     "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// fakeDiscoveryServer serves just enough of the Kubernetes API for a
// discovery client's ServerVersion() call to succeed.
func fakeDiscoveryServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(version.Info{Major: "1", Minor: "30", GitVersion: "v1.30.0"})
	})
	return httptest.NewServer(mux)
}

func writeKubeconfig(t *testing.T, contexts map[string]string) string {
	t.Helper()
	cfg := clientcmdapi.NewConfig()
	for name, server := range contexts {
		cfg.Clusters[name] = &clientcmdapi.Cluster{
			Server:                server,
			InsecureSkipTLSVerify: true,
		}
		cfg.AuthInfos[name] = &clientcmdapi.AuthInfo{}
		cfg.Contexts[name] = &clientcmdapi.Context{Cluster: name, AuthInfo: name}
	}
	path := t.TempDir() + "/kubeconfig"
	if err := clientcmd.WriteToFile(*cfg, path); err != nil {
		t.Fatalf("write kubeconfig: %v", err)
	}
	return path
}

func TestRegistryConnectManyIsTotalAndOrdered(t *testing.T) {
	srv := fakeDiscoveryServer(t)
	defer srv.Close()

	kubeconfig := writeKubeconfig(t, map[string]string{
		"good-a":    srv.URL,
		"bad":       "https://127.0.0.1:1", // nothing listens here
		"good-b":    srv.URL,
		"also-good": srv.URL,
	})
	t.Setenv("KUBECONFIG", kubeconfig)

	factory := kubeclient.NewFactory(logr.Discard())
	opts := config.Default(
		config.WithConnectTimeout(2*time.Second),
		config.WithConnectParallelism(2),
	)
	registry := NewRegistry(factory, opts, logr.Discard(), nil)
	defer registry.Close()

	names := []string{"good-a", "bad", "good-b", "also-good"}
	results := registry.ConnectMany(context.Background(), names)

	if len(results) != len(names) {
		t.Fatalf("expected %d results, got %d", len(names), len(results))
	}
	for i, r := range results {
		if r.Context != names[i] {
			t.Errorf("result[%d].Context = %q, want %q (order must match input)", i, r.Context, names[i])
		}
	}

	want := map[string]bool{"good-a": true, "bad": false, "good-b": true, "also-good": true}
	for _, r := range results {
		if r.Ok != want[r.Context] {
			t.Errorf("result for %q: Ok = %v, want %v (err=%v)", r.Context, r.Ok, want[r.Context], r.Err)
		}
	}
}

func TestRegistryDisconnectIsIdempotent(t *testing.T) {
	factory := kubeclient.NewFactory(logr.Discard())
	registry := NewRegistry(factory, config.Default(), logr.Discard(), nil)

	registry.Disconnect("never-connected")
	registry.Disconnect("never-connected")

	if _, ok := registry.Get("never-connected"); ok {
		t.Fatalf("expected no session to exist for a name that was never connected")
	}
}

func TestRegistryConnectedContextsReflectsReadyOnly(t *testing.T) {
	srv := fakeDiscoveryServer(t)
	defer srv.Close()

	kubeconfig := writeKubeconfig(t, map[string]string{
		"good": srv.URL,
		"bad":  "https://127.0.0.1:1",
	})
	t.Setenv("KUBECONFIG", kubeconfig)

	factory := kubeclient.NewFactory(logr.Discard())
	opts := config.Default(config.WithConnectTimeout(2 * time.Second))
	registry := NewRegistry(factory, opts, logr.Discard(), nil)
	defer registry.Close()

	registry.ConnectMany(context.Background(), []string{"good", "bad"})

	connected := registry.ConnectedContexts()
	if len(connected) != 1 || connected[0] != "good" {
		t.Fatalf("expected only [good] to be connected, got %v", connected)
	}
}
