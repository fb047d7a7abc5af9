package explorer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/polyscope/polyscope/internal/aggregate"
	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/favorites"
	"github.com/polyscope/polyscope/internal/kubeclient"
)

func newTestExplorer(t *testing.T) *Explorer {
	t.Helper()
	factory := kubeclient.NewFactory(logr.Discard())
	return New(factory, config.Default(), logr.Discard(), nil, nil, nil)
}

func TestSessionsForSkipsUnknownContexts(t *testing.T) {
	e := newTestExplorer(t)

	sessions := e.sessionsFor([]string{"never-connected"})
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions for a context with no created session, got %d", len(sessions))
	}
}

func TestFavoritesOperationsFailWithoutAStore(t *testing.T) {
	e := newTestExplorer(t)

	if _, err := e.ListFavorites(); err == nil {
		t.Error("expected ListFavorites to fail without a configured store")
	}
	if _, err := e.SaveFavorite("n", favorites.GVKRef{Group: "", Version: "v1", Kind: "Pod"}, nil); err == nil {
		t.Error("expected SaveFavorite to fail without a configured store")
	}
	if _, err := e.RenameFavorite("id", "n"); err == nil {
		t.Error("expected RenameFavorite to fail without a configured store")
	}
	if err := e.DeleteFavorite("id"); err == nil {
		t.Error("expected DeleteFavorite to fail without a configured store")
	}
}

type fakeDialog struct {
	path string
	ok   bool
	err  error
}

func (f fakeDialog) Prompt(defaultName string) (string, bool, error) {
	return f.path, f.ok, f.err
}

func TestSaveFileWritesWhatTheDialogChose(t *testing.T) {
	factory := kubeclient.NewFactory(logr.Discard())
	path := filepath.Join(t.TempDir(), "out.csv")
	e := New(factory, config.Default(), logr.Discard(), nil, nil, fakeDialog{path: path, ok: true})

	got, ok, err := e.SaveFile("default.csv", "a,b,c")
	if err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	if !ok || got != path {
		t.Fatalf("expected ok=true path=%q, got ok=%v path=%q", path, ok, got)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected the file to exist: %v", err)
	}
	if string(contents) != "a,b,c" {
		t.Fatalf("expected written contents %q, got %q", "a,b,c", contents)
	}
}

func TestSaveFileCancelledReturnsNoError(t *testing.T) {
	factory := kubeclient.NewFactory(logr.Discard())
	e := New(factory, config.Default(), logr.Discard(), nil, nil, fakeDialog{ok: false})

	path, ok, err := e.SaveFile("default.csv", "a,b,c")
	if err != nil {
		t.Fatalf("expected no error on cancellation, got %v", err)
	}
	if ok || path != "" {
		t.Fatalf("expected ok=false and empty path, got ok=%v path=%q", ok, path)
	}
}

func TestSaveFileWithoutDialogFails(t *testing.T) {
	e := newTestExplorer(t)
	if _, _, err := e.SaveFile("default.csv", "x"); err == nil {
		t.Error("expected SaveFile to fail without a configured dialog")
	}
}

func TestPollResourcesWithoutStartIsDisconnectedAndEmpty(t *testing.T) {
	e := newTestExplorer(t)
	result := e.PollResources()
	if len(result.Rows) != 0 || len(result.Changes) != 0 {
		t.Fatalf("expected an empty snapshot before StartResources, got %+v", result)
	}
	if result.Status != aggregate.StatusDisconnected {
		t.Fatalf("expected status %q before StartResources, got %q", aggregate.StatusDisconnected, result.Status)
	}
}

func TestDisconnectContextIsIdempotent(t *testing.T) {
	e := newTestExplorer(t)
	e.DisconnectContext("never-connected")
	e.DisconnectContext("never-connected")
}
