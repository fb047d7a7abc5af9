package watch

import (
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/tools/cache"

	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/eventbus"
)

func newTestWorker() *Worker {
	gvk := schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}
	gvr := schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}
	return New("prod", gvk, gvr, nil, config.Default(), logr.Discard(), eventbus.New())
}

var _ = Describe("Worker", func() {
	Describe("State", func() {
		It("starts in Init", func() {
			w := newTestWorker()
			Expect(w.State()).To(Equal(StateInit))
		})

		It("publishes a bus event on every transition", func() {
			w := newTestWorker()
			ch, unsub := w.bus.Subscribe()
			defer unsub()

			w.setState(StateListing)
			Eventually(ch).Should(Receive(WithTransform(func(e eventbus.Event) eventbus.Kind { return e.Kind }, Equal(eventbus.WatchWorkerStateChanged))))
		})

		It("does not publish when the state does not change", func() {
			w := newTestWorker()
			w.setState(StateListing)
			ch, unsub := w.bus.Subscribe()
			defer unsub()

			w.setState(StateListing)
			Consistently(ch).ShouldNot(Receive())
		})
	})

	Describe("handleAdd", func() {
		It("emits an Added event for an unstructured object", func() {
			w := newTestWorker()
			obj := podLike("default", "a")

			w.handleAdd(obj)

			var evt WatchEvent
			Eventually(w.Events()).Should(Receive(&evt))
			Expect(evt.Kind).To(Equal(Added))
			Expect(evt.Row.Id()).To(Equal(RowId{Context: "prod", Namespace: "default", Name: "a"}))
		})

		It("ignores objects of the wrong type", func() {
			w := newTestWorker()
			w.handleAdd("not-an-object")
			Consistently(w.Events()).ShouldNot(Receive())
		})
	})

	Describe("handleUpdate", func() {
		It("emits a Modified event carrying the previous row", func() {
			w := newTestWorker()
			oldObj := podLike("default", "a")
			newObj := podLike("default", "a")

			w.handleUpdate(oldObj, newObj)

			var evt WatchEvent
			Eventually(w.Events()).Should(Receive(&evt))
			Expect(evt.Kind).To(Equal(Modified))
			Expect(evt.Prev).NotTo(BeNil())
			Expect(evt.Prev.Object).To(Equal(oldObj))
		})
	})

	Describe("handleDelete", func() {
		It("unwraps DeletedFinalStateUnknown", func() {
			w := newTestWorker()
			obj := podLike("default", "a")
			wrapped := cache.DeletedFinalStateUnknown{Key: "default/a", Obj: obj}

			w.handleDelete(wrapped)

			var evt WatchEvent
			Eventually(w.Events()).Should(Receive(&evt))
			Expect(evt.Kind).To(Equal(Deleted))
			Expect(evt.Row.Id().Name).To(Equal("a"))
		})

		It("handles a direct object without the wrapper", func() {
			w := newTestWorker()
			w.handleDelete(podLike("default", "b"))

			var evt WatchEvent
			Eventually(w.Events()).Should(Receive(&evt))
			Expect(evt.Row.Id().Name).To(Equal("b"))
		})
	})

	Describe("trySend", func() {
		It("drops events once the buffer is full instead of blocking", func() {
			w := newTestWorker()
			for i := 0; i < eventBufferSize; i++ {
				w.trySend(WatchEvent{Kind: Added, Row: ResourceRow{Context: "prod", Object: podLike("default", "x")}})
			}
			done := make(chan struct{})
			go func() {
				w.trySend(WatchEvent{Kind: Added, Row: ResourceRow{Context: "prod", Object: podLike("default", "overflow")}})
				close(done)
			}()
			Eventually(done).Should(BeClosed())
		})

		It("sends nothing once closed", func() {
			w := newTestWorker()
			w.closed.Store(true)
			w.trySend(WatchEvent{Kind: Added, Row: ResourceRow{Context: "prod", Object: podLike("default", "x")}})
			Consistently(w.Events()).ShouldNot(Receive())
		})
	})

	Describe("Stop", func() {
		It("is idempotent and closes Done", func() {
			w := newTestWorker()
			w.stopped = make(chan struct{})
			close(w.stopped)

			w.Stop()
			w.Stop()

			Eventually(w.Done()).Should(BeClosed())
			Expect(w.State()).To(Equal(StateStopped))
		})

		It("stops accepting events after Stop", func() {
			w := newTestWorker()
			w.stopped = make(chan struct{})
			close(w.stopped)
			w.Stop()

			w.handleAdd(podLike("default", "a"))
			Consistently(w.Events()).ShouldNot(Receive())
		})
	})

	Describe("watchTimeoutSeconds", func() {
		It("picks a value within the configured range", func() {
			w := newTestWorker()
			w.opts.WatchTimeoutMin = 5 * time.Minute
			w.opts.WatchTimeoutMax = 10 * time.Minute

			for i := 0; i < 20; i++ {
				got := w.watchTimeoutSeconds()
				Expect(got).NotTo(BeNil())
				Expect(*got).To(BeNumerically(">=", int64(5*time.Minute/time.Second)))
				Expect(*got).To(BeNumerically("<=", int64(10*time.Minute/time.Second)))
			}
		})

		It("returns nil when the range isn't configured", func() {
			w := newTestWorker()
			w.opts.WatchTimeoutMin = 0
			w.opts.WatchTimeoutMax = 0
			Expect(w.watchTimeoutSeconds()).To(BeNil())
		})
	})
})

func podLike(namespace, name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"namespace": namespace,
			"name":      name,
		},
	}}
}
