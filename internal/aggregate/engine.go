package aggregate

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime/schema"
	kubediscovery "k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"

	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/discovery"
	"github.com/polyscope/polyscope/internal/eventbus"
	"github.com/polyscope/polyscope/internal/watch"
)

// Session is the capability the Engine needs from a *session.Session:
// enough to resolve a GVK to a GVR and to hand a dynamic client to a
// Watch Worker. Kept narrow and local to avoid importing session, the
// same one-directional-dependency shape discovery and schema use.
type Session interface {
	Context() string
	Dynamic() (dynamic.Interface, error)
	Discovery() (kubediscovery.DiscoveryInterface, error)
}

// resourceResolver resolves a GVK to a GVR for one session; defaults to
// discovery.ResourceFor, overridden in tests with a fixed mapping.
type resourceResolver func(sess Session, gvk schema.GroupVersionKind) (schema.GroupVersionResource, bool, error)

// Engine is the Aggregation Engine. One Engine tracks at most one
// active GVK across a set of contexts at a time (at-most-one-active-GVK
// per spec.md §4.6). The zero value is not usable; construct with New.
type Engine struct {
	opts     config.Options
	log      logr.Logger
	bus      *eventbus.Bus
	resolve  resourceResolver

	mu      sync.Mutex // guards Start/Stop lifecycle, not table
	active  bool
	gvk     schema.GroupVersionKind
	workers map[string]*watch.Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// dataMu guards table and changeLog/logOffset/consumers together, so
	// a row's removal and the tombstoning of its pending CellChanges
	// happen atomically with respect to Snapshot: no caller can ever
	// observe rows missing a row while changes still reference it.
	dataMu    sync.Mutex
	table     map[watch.RowId]watch.ResourceRow
	changeLog []CellChange
	logOffset int
	consumers map[string]int

	readyMu   sync.Mutex
	readyDone bool
	onReady   []func()
}

// New creates an Engine. bus may be nil.
func New(opts config.Options, log logr.Logger, bus *eventbus.Bus) *Engine {
	return &Engine{
		opts:      opts,
		log:       log,
		bus:       bus,
		resolve:   defaultResolver,
		table:     make(map[watch.RowId]watch.ResourceRow),
		consumers: make(map[string]int),
	}
}

// SetResolver overrides the GVK->GVR resolution strategy, used by tests
// to avoid a live discovery round trip.
func (e *Engine) SetResolver(r resourceResolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolve = r
}

// defaultResolver delegates to discovery.ResourceFor. discovery.Session
// requires only Context/Discovery, a subset of aggregate.Session's
// method set, so a Session value here satisfies it directly.
func defaultResolver(sess Session, gvk schema.GroupVersionKind) (schema.GroupVersionResource, bool, error) {
	return discovery.ResourceFor(sess, gvk)
}

// OnReady registers a callback invoked once when every worker for the
// current Start has completed its initial Listing and either emitted at
// least one row or reported empty. Safe to call before or after Start.
func (e *Engine) OnReady(cb func()) {
	e.readyMu.Lock()
	defer e.readyMu.Unlock()
	if e.readyDone {
		e.readyMu.Unlock()
		cb()
		e.readyMu.Lock()
		return
	}
	e.onReady = append(e.onReady, cb)
}

// Start begins aggregating gvk across contexts, stopping any prior
// active GVK first (at-most-one-active-GVK).
func (e *Engine) Start(ctx context.Context, gvk schema.GroupVersionKind, sessions []Session) {
	e.Stop()

	// Rows and pending changes of the previous GVK do not carry over.
	e.dataMu.Lock()
	e.table = make(map[watch.RowId]watch.ResourceRow)
	e.logOffset += len(e.changeLog)
	e.changeLog = nil
	e.dataMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.gvk = gvk
	e.active = true
	e.workers = make(map[string]*watch.Worker)

	e.readyMu.Lock()
	e.readyDone = false
	e.readyMu.Unlock()

	started := make([]*watch.Worker, 0, len(sessions))

	for _, sess := range sessions {
		gvr, _, err := e.resolve(sess, gvk)
		if err != nil {
			e.log.Error(err, "failed to resolve resource, skipping context", "context", sess.Context(), "gvk", gvk.String())
			e.publishWarning(sess.Context(), "could not resolve "+gvk.String()+": "+err.Error(), err)
			continue
		}

		dyn, err := sess.Dynamic()
		if err != nil {
			e.log.Error(err, "failed to obtain dynamic client, skipping context", "context", sess.Context())
			e.publishWarning(sess.Context(), "dynamic client unavailable: "+err.Error(), err)
			continue
		}

		w := watch.New(sess.Context(), gvk, gvr, dyn, e.opts, e.log, e.bus)
		e.workers[sess.Context()] = w
		w.Start(runCtx)

		e.wg.Add(1)
		go e.forward(w)
		started = append(started, w)
	}

	go e.waitReady(started)
}

// forward pumps one worker's events into the table, the Engine's single
// point of mutation for that worker's stream. Cross-worker events
// interleave arbitrarily (no cross-context order), but each worker's
// own events are applied in emission order since only this goroutine,
// per worker, ever advances its channel.
func (e *Engine) forward(w *watch.Worker) {
	defer e.wg.Done()

	for {
		select {
		case evt, ok := <-w.Events():
			if !ok {
				return
			}
			e.apply(evt)
		case <-w.Done():
			return
		}
	}
}

// waitReady fires OnReady once every started worker has completed its
// initial Listing (per spec.md §4.6, this is unconditional: whether any
// row was emitted or every worker was empty, the condition is the same
// — all workers left Listing).
func (e *Engine) waitReady(workers []*watch.Worker) {
	for _, w := range workers {
		<-w.Listed()
	}
	e.signalReady()
}

func (e *Engine) signalReady() {
	e.readyMu.Lock()
	if e.readyDone {
		e.readyMu.Unlock()
		return
	}
	e.readyDone = true
	cbs := append([]func(){}, e.onReady...)
	e.readyMu.Unlock()

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Kind: eventbus.AggregationReady, GVK: e.gvk.String()})
	}
	for _, cb := range cbs {
		cb()
	}
}

// apply implements the event-application rules from spec.md §4.6.
func (e *Engine) apply(evt watch.WatchEvent) {
	rowId := evt.Row.Id()

	e.dataMu.Lock()
	defer e.dataMu.Unlock()

	switch evt.Kind {
	case watch.Added:
		e.table[rowId] = evt.Row

	case watch.Modified:
		prevRow, hadPrev := e.table[rowId]
		if evt.Prev != nil {
			prevRow, hadPrev = *evt.Prev, true
		}

		e.table[rowId] = evt.Row

		if !hadPrev {
			// Data error per spec.md §7: a MODIFIED with no known
			// previous row is treated as ADDED; no CellChange.
			return
		}

		paths := diffFields(prevRow.Object.Object, evt.Row.Object.Object)
		if len(paths) == 0 {
			return
		}
		now := time.Now()
		e.recordChangesLocked(rowId, paths, now)

	case watch.Deleted:
		delete(e.table, rowId)
		e.dropChangesLocked(rowId)
	}
}

// recordChangesLocked appends to the change log, coalescing against any
// pending-undelivered entry for the same (RowId, fieldPath) so repeated
// MODIFIED events between Snapshot calls collapse to one CellChange
// with the latest timestamp. Must be called with dataMu held.
func (e *Engine) recordChangesLocked(id watch.RowId, paths [][]string, ts time.Time) {
	minSeen := e.minConsumerIndex()

	for _, path := range paths {
		coalesced := false
		for i := len(e.changeLog) - 1; i >= 0 && e.logOffset+i >= minSeen; i-- {
			c := &e.changeLog[i]
			if c.dropped {
				continue
			}
			if c.RowId == id && pathsEqual(c.FieldPath, path) {
				c.Timestamp = ts
				coalesced = true
				break
			}
		}
		if !coalesced {
			e.changeLog = append(e.changeLog, CellChange{RowId: id, FieldPath: path, Timestamp: ts})
		}
	}
}

// dropChangesLocked tombstones every pending changeLog entry for id, so
// a row removed from the table can never be referenced by a CellChange
// a later Snapshot returns. Must be called with dataMu held.
func (e *Engine) dropChangesLocked(id watch.RowId) {
	for i := range e.changeLog {
		if e.changeLog[i].RowId == id {
			e.changeLog[i].dropped = true
		}
	}
}

func (e *Engine) minConsumerIndex() int {
	if len(e.consumers) == 0 {
		return e.logOffset + len(e.changeLog)
	}
	min := -1
	for _, idx := range e.consumers {
		if min == -1 || idx < min {
			min = idx
		}
	}
	return min
}

func pathsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e *Engine) publishWarning(contextName, msg string, err error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.Warning, Context: contextName, Message: msg, Err: err})
}

// DropContext atomically removes every row tagged with contextName, per
// spec.md §4.6's partial-failure semantics: when a Session is Closed or
// removed from the active set, its rows are DELETED atomically.
func (e *Engine) DropContext(contextName string) {
	e.dataMu.Lock()
	defer e.dataMu.Unlock()

	for id := range e.table {
		if id.Context == contextName {
			delete(e.table, id)
			e.dropChangesLocked(id)
		}
	}
}

// Stop scopes-releases every active Watch Worker. Synchronous: on
// return no further events will be delivered or applied.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	for _, w := range e.workers {
		w.Stop()
	}
	e.wg.Wait()

	e.active = false
	e.workers = nil
}
