package schema

import (
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/polyscope/polyscope/internal/config"
)

// cacheKey identifies one (session, GVK) field tree.
type cacheKey struct {
	context string
	gvk     schema.GroupVersionKind
}

// Service builds and caches field trees per (session, GVK) until the
// owning session is invalidated.
type Service struct {
	opts config.Options
	log  logr.Logger

	mu    sync.Mutex
	cache map[cacheKey]*Node
}

// New creates a Service.
func New(opts config.Options, log logr.Logger) *Service {
	return &Service{opts: opts, log: log, cache: make(map[cacheKey]*Node)}
}

// InvalidateSession drops every cached tree for a session, used on
// session invalidation (reconnect, credential refresh).
func (s *Service) InvalidateSession(contextName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cache {
		if key.context == contextName {
			delete(s.cache, key)
		}
	}
}

func (s *Service) ignoredSet() map[string]bool {
	ignored := make(map[string]bool, len(s.opts.IgnoredFields))
	for _, path := range s.opts.IgnoredFields {
		ignored[path] = true
	}
	return ignored
}

// FieldTreeSingle builds (or returns the cached) field tree for gvk as
// seen by a single session.
func (s *Service) FieldTreeSingle(sess Session, gvk schema.GroupVersionKind) (*Node, error) {
	key := cacheKey{context: sess.Context(), gvk: gvk}

	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	doc, err := document(sess, gvk.GroupVersion())
	if err != nil {
		return nil, err
	}
	root, err := findSchemaByGVK(doc, gvk)
	if err != nil {
		return nil, err
	}

	docState := &documentT{openapi: doc, history: make(map[string]bool)}
	tree := buildTree(gvk.Kind, nil, 0, root, docState, s.ignoredSet())

	s.mu.Lock()
	s.cache[key] = tree
	s.mu.Unlock()

	return tree, nil
}

// FieldTree builds the structural-union field tree for gvk across every
// given session. A session whose schema fetch fails is skipped (its
// absence simply narrows the union); callers that also need discovery's
// availability information should cross-reference MultiClusterGVK.Contexts.
func (s *Service) FieldTree(sessions []Session, gvk schema.GroupVersionKind) (*Node, error) {
	var trees []*Node
	var lastErr error

	for _, sess := range sessions {
		tree, err := s.FieldTreeSingle(sess, gvk)
		if err != nil {
			s.log.Error(err, "schema fetch failed for context, excluding from merge", "context", sess.Context())
			lastErr = err
			continue
		}
		trees = append(trees, tree)
	}

	if len(trees) == 0 {
		return nil, lastErr
	}
	return Merge(trees), nil
}
