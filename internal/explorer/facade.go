// Package explorer assembles the Session Registry, Discovery Service,
// Schema Service, Aggregation Engine, and Favorites Store into the
// single process-internal surface a UI binds against, per spec.md §6.
// It owns no business logic of its own beyond request routing and
// context-name-to-Session resolution.
package explorer

import (
	"context"
	"os"

	"github.com/go-logr/logr"
	kubeschema "k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/polyscope/polyscope/internal/aggregate"
	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/discovery"
	"github.com/polyscope/polyscope/internal/eventbus"
	"github.com/polyscope/polyscope/internal/favorites"
	"github.com/polyscope/polyscope/internal/kubeclient"
	"github.com/polyscope/polyscope/internal/schema"
	"github.com/polyscope/polyscope/internal/session"
	"github.com/polyscope/polyscope/internal/watch"
	"github.com/polyscope/polyscope/internal/xerrors"
)

// snapshotConsumer is the fixed consumer token this façade uses against
// the Aggregation Engine's Snapshot API. A façade speaks for exactly one
// UI session at a time, so one token is enough; a server embedding this
// package for multiple simultaneous UIs would hand out one Explorer (or
// one token) per UI instead.
const snapshotConsumer = "explorer"

// SaveDialog is the OS-dialog collaborator SaveFile delegates to,
// kept as an injected interface so this package stays free of any GUI
// toolkit dependency (spec.md §6: "delegated to the OS-dialog
// collaborator").
type SaveDialog interface {
	// Prompt asks the user where to save a file, returning the chosen
	// path, or ok=false if the user cancelled.
	Prompt(defaultName string) (path string, ok bool, err error)
}

// Explorer is the assembled façade. Construct with New.
type Explorer struct {
	opts config.Options
	log  logr.Logger
	bus  *eventbus.Bus

	factory   *kubeclient.Factory
	registry  *session.Registry
	discovery *discovery.Service
	schema    *schema.Service
	engine    *aggregate.Engine
	favorites *favorites.Store
	dialog    SaveDialog
}

// New assembles an Explorer from its collaborators. favoritesStore and
// dialog may be nil; a nil favoritesStore degrades favorites operations
// to storage errors, and a nil dialog fails SaveFile.
func New(
	factory *kubeclient.Factory,
	opts config.Options,
	log logr.Logger,
	bus *eventbus.Bus,
	favoritesStore *favorites.Store,
	dialog SaveDialog,
) *Explorer {
	return &Explorer{
		opts:      opts,
		log:       log,
		bus:       bus,
		factory:   factory,
		registry:  session.NewRegistry(factory, opts, log, bus),
		discovery: discovery.New(opts, log, bus),
		schema:    schema.New(opts, log),
		engine:    aggregate.New(opts, log, bus),
		favorites: favoritesStore,
		dialog:    dialog,
	}
}

// ListContexts returns every context name known to the kubeconfig.
func (e *Explorer) ListContexts() ([]string, error) {
	return e.factory.ListContexts()
}

// RefreshContexts drops the cached kubeconfig and client set, then
// re-lists contexts from a fresh read of the file on disk.
func (e *Explorer) RefreshContexts() ([]string, error) {
	e.factory.Invalidate()
	return e.factory.ListContexts()
}

// ConnectToContexts connects every named context with bounded
// parallelism; see session.Registry.ConnectMany.
func (e *Explorer) ConnectToContexts(ctx context.Context, contexts []string) []session.ConnectResult {
	return e.registry.ConnectMany(ctx, contexts)
}

// DisconnectContext closes a context's session and atomically drops
// every row the Aggregation Engine was tracking for it (spec.md §5,
// invariant "Delete-on-disconnect").
func (e *Explorer) DisconnectContext(contextName string) {
	e.registry.Disconnect(contextName)
	e.engine.DropContext(contextName)
	e.discovery.InvalidateSession(contextName)
	e.schema.InvalidateSession(contextName)
}

// sessionsFor resolves context names to their live *session.Session,
// silently skipping any name with no created session (never connected,
// or since disconnected) — callers that need to distinguish that from
// an empty result should cross-reference ListContexts/ConnectToContexts.
func (e *Explorer) sessionsFor(contexts []string) []*session.Session {
	sessions := make([]*session.Session, 0, len(contexts))
	for _, name := range contexts {
		if s, ok := e.registry.Get(name); ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// GetGVKs returns the multi-cluster GVK index across the given contexts.
func (e *Explorer) GetGVKs(contexts []string) []discovery.MultiClusterGVK {
	sessions := make([]discovery.Session, 0, len(contexts))
	for _, s := range e.sessionsFor(contexts) {
		sessions = append(sessions, s)
	}
	return e.discovery.ListGVKs(sessions)
}

// GetNodeTree returns the structural-union field tree for gvk across
// the given contexts.
func (e *Explorer) GetNodeTree(gvk kubeschema.GroupVersionKind, contexts []string) (*schema.Node, error) {
	sessions := make([]schema.Session, 0, len(contexts))
	for _, s := range e.sessionsFor(contexts) {
		sessions = append(sessions, s)
	}
	return e.schema.FieldTree(sessions, gvk)
}

// StartResources begins aggregating gvk across the given contexts,
// replacing whatever GVK the Engine was previously tracking
// (at-most-one-active-GVK, spec.md §4.6).
func (e *Explorer) StartResources(ctx context.Context, gvk kubeschema.GroupVersionKind, contexts []string) {
	sessions := make([]aggregate.Session, 0, len(contexts))
	for _, s := range e.sessionsFor(contexts) {
		sessions = append(sessions, s)
	}
	e.engine.Start(ctx, gvk, sessions)
}

// StopResources releases every active Watch Worker. Synchronous.
func (e *Explorer) StopResources() {
	e.engine.Stop()
}

// PollResult is PollResources's return shape (spec.md §6).
type PollResult struct {
	Rows    []watch.ResourceRow
	Changes []aggregate.CellChange
	Status  aggregate.WatchStatus
}

// PollResources returns the rows and changes accumulated since this
// façade's previous call, plus the aggregate watch status.
func (e *Explorer) PollResources() PollResult {
	snap := e.engine.Snapshot(snapshotConsumer)
	return PollResult{Rows: snap.Rows, Changes: snap.Changes, Status: snap.Status}
}

// ListFavorites returns every saved favorite.
func (e *Explorer) ListFavorites() ([]favorites.Favorite, error) {
	if e.favorites == nil {
		return nil, errNoFavoritesStore
	}
	return e.favorites.List(), nil
}

// SaveFavorite creates a new favorite.
func (e *Explorer) SaveFavorite(name string, gvk favorites.GVKRef, fields [][]string) (favorites.Favorite, error) {
	if e.favorites == nil {
		return favorites.Favorite{}, errNoFavoritesStore
	}
	return e.favorites.Create(name, gvk, fields)
}

// RenameFavorite renames an existing favorite.
func (e *Explorer) RenameFavorite(id, newName string) (favorites.Favorite, error) {
	if e.favorites == nil {
		return favorites.Favorite{}, errNoFavoritesStore
	}
	return e.favorites.Rename(id, newName)
}

// DeleteFavorite removes a favorite by ID.
func (e *Explorer) DeleteFavorite(id string) error {
	if e.favorites == nil {
		return errNoFavoritesStore
	}
	return e.favorites.Delete(id)
}

// SaveFile prompts the user for a destination via the injected
// SaveDialog and writes content there. ok is false, err is nil when the
// user cancelled the dialog.
func (e *Explorer) SaveFile(defaultName, content string) (path string, ok bool, err error) {
	if e.dialog == nil {
		return "", false, errNoSaveDialog
	}
	path, ok, err = e.dialog.Prompt(defaultName)
	if err != nil || !ok {
		return "", false, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", false, xerrors.Wrap(xerrors.ErrStorage, "write saved file", err)
	}
	return path, true, nil
}

var (
	errNoFavoritesStore = xerrors.Wrap(xerrors.ErrStorage, "favorites store not configured", errStoreUnset)
	errNoSaveDialog     = xerrors.Wrap(xerrors.ErrConfiguration, "no save dialog configured", errDialogUnset)
)

var errStoreUnset = noFavoritesStoreError{}
var errDialogUnset = noSaveDialogError{}

type noFavoritesStoreError struct{}

func (noFavoritesStoreError) Error() string { return "favorites store not configured" }

type noSaveDialogError struct{}

func (noSaveDialogError) Error() string { return "save dialog not configured" }
