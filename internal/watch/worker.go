package watch

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	kwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/cache"

	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/eventbus"
)

// State is a Watch Worker's lifecycle state.
type State int

const (
	StateInit State = iota
	StateListing
	StateWatching
	StateRelisting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateListing:
		return "listing"
	case StateWatching:
		return "watching"
	case StateRelisting:
		return "relisting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// eventBufferSize bounds the worker's outbound event channel. A slow
// consumer drops events rather than stalling the informer, the same
// trade-off the source's ResourceController makes: watch events carry
// full object state, so a dropped event is superseded by the next one
// for that row.
const eventBufferSize = 256

// Worker runs one (context, GVK) list+watch loop and emits a coherent
// WatchEvent stream, backed by a client-go informer: the informer's
// DeltaFIFO diff-on-relist is exactly spec.md §4.5's "compare the fresh
// list to the mirror and synthesize the delta" contract, so Worker rides
// that machinery rather than reimplementing it.
type Worker struct {
	contextName string
	gvk         schema.GroupVersionKind
	gvr         schema.GroupVersionResource
	dyn         dynamic.Interface
	opts        config.Options
	log         logr.Logger
	bus         *eventbus.Bus

	mu        sync.Mutex
	state     State
	listCalls int

	emitCh    chan WatchEvent
	closed    atomic.Bool
	doneCh    chan struct{}
	stopFn    context.CancelFunc
	stopped   chan struct{}
	listedCh  chan struct{}
	listedOne sync.Once
}

// New creates a Worker for one (context, GVK). Start must be called to
// begin listing/watching.
func New(contextName string, gvk schema.GroupVersionKind, gvr schema.GroupVersionResource, dyn dynamic.Interface, opts config.Options, log logr.Logger, bus *eventbus.Bus) *Worker {
	return &Worker{
		contextName: contextName,
		gvk:         gvk,
		gvr:         gvr,
		dyn:         dyn,
		opts:        opts,
		log:         log.WithValues("context", contextName, "gvk", gvk.String()),
		bus:         bus,
		state:       StateInit,
		emitCh:      make(chan WatchEvent, eventBufferSize),
		doneCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
		listedCh:    make(chan struct{}),
	}
}

// Listed closes the first time the worker completes its initial
// Listing and reaches Watching, or when Stop runs before that; it never
// closes again on subsequent relists.
func (w *Worker) Listed() <-chan struct{} { return w.listedCh }

// Context returns the owning session's context name.
func (w *Worker) Context() string { return w.contextName }

// GVK returns the resource kind this worker tracks.
func (w *Worker) GVK() schema.GroupVersionKind { return w.gvk }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()

	if s == StateWatching {
		w.listedOne.Do(func() { close(w.listedCh) })
	}

	if prev != s {
		w.log.V(1).Info("watch worker state transition", "from", prev, "to", s)
		if w.bus != nil {
			w.bus.Publish(eventbus.Event{
				Kind:    eventbus.WatchWorkerStateChanged,
				Context: w.contextName,
				GVK:     w.gvk.String(),
				State:   s.String(),
			})
		}
	}
}

// Events returns the worker's outbound event stream.
func (w *Worker) Events() <-chan WatchEvent { return w.emitCh }

// Done closes when the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

// Start begins the bounded list followed by the long-lived watch.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.stopFn = cancel

	lw := &cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			w.mu.Lock()
			w.listCalls++
			first := w.listCalls == 1
			w.mu.Unlock()

			if first {
				w.setState(StateListing)
			} else {
				w.setState(StateRelisting)
			}

			return w.dyn.Resource(w.gvr).Namespace("").List(runCtx, options)
		},
		WatchFunc: func(options metav1.ListOptions) (kwatch.Interface, error) {
			options.TimeoutSeconds = w.watchTimeoutSeconds()
			iface, err := w.dyn.Resource(w.gvr).Namespace("").Watch(runCtx, options)
			if err == nil {
				w.setState(StateWatching)
			}
			return iface, err
		},
	}

	informerOpts := cache.InformerOptions{
		ListerWatcher: lw,
		ObjectType:    &unstructured.Unstructured{},
		Handler: cache.ResourceEventHandlerFuncs{
			AddFunc:    w.handleAdd,
			UpdateFunc: w.handleUpdate,
			DeleteFunc: w.handleDelete,
		},
	}
	_, controller := cache.NewInformerWithOptions(informerOpts)

	go func() {
		defer close(w.stopped)
		controller.Run(runCtx.Done())
	}()
}

// watchTimeoutSeconds picks a fresh randomized server-side watch
// timeout in [WatchTimeoutMin, WatchTimeoutMax] for one list/watch
// cycle, per spec.md §5's jittered re-establishment requirement. Spread
// across every worker this avoids every context's watch expiring in
// lockstep. Returns nil (no server-side timeout requested) if the range
// isn't configured.
func (w *Worker) watchTimeoutSeconds() *int64 {
	min, max := w.opts.WatchTimeoutMin, w.opts.WatchTimeoutMax
	if min <= 0 || max <= 0 || max < min {
		return nil
	}
	d := min
	if span := max - min; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	secs := int64(d.Seconds())
	return &secs
}

func (w *Worker) handleAdd(obj interface{}) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return
	}
	w.trySend(WatchEvent{Kind: Added, Row: ResourceRow{Context: w.contextName, Object: u}})
}

func (w *Worker) handleUpdate(oldObj, newObj interface{}) {
	n, ok := newObj.(*unstructured.Unstructured)
	if !ok {
		return
	}
	var prev *ResourceRow
	if o, ok := oldObj.(*unstructured.Unstructured); ok {
		prev = &ResourceRow{Context: w.contextName, Object: o}
	}
	w.trySend(WatchEvent{Kind: Modified, Row: ResourceRow{Context: w.contextName, Object: n}, Prev: prev})
}

func (w *Worker) handleDelete(obj interface{}) {
	var u *unstructured.Unstructured
	if deleted, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		u, ok = deleted.Obj.(*unstructured.Unstructured)
		if !ok {
			return
		}
	} else {
		var ok bool
		u, ok = obj.(*unstructured.Unstructured)
		if !ok {
			return
		}
	}
	w.trySend(WatchEvent{Kind: Deleted, Row: ResourceRow{Context: w.contextName, Object: u}})
}

// trySend delivers an event without blocking; a full buffer drops it,
// publishes a Warning on the bus, and relies on the next event for that
// row to carry the latest state.
func (w *Worker) trySend(evt WatchEvent) {
	if w.closed.Load() {
		return
	}
	select {
	case w.emitCh <- evt:
	default:
		w.log.V(1).Info("watch event dropped, buffer full")
		if w.bus != nil {
			w.bus.Publish(eventbus.Event{Kind: eventbus.Warning, Context: w.contextName, GVK: w.gvk.String(), Message: "watch event dropped, buffer full"})
		}
	}
}

// Stop releases the informer's goroutine and every resource it holds,
// and guarantees no further events are emitted once it returns.
func (w *Worker) Stop() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	if w.stopFn != nil {
		w.stopFn()
	}
	<-w.stopped
	w.listedOne.Do(func() { close(w.listedCh) })
	w.setState(StateStopped)
	close(w.doneCh)
}
