// Package discovery enumerates the GroupVersionKinds each cluster
// session exposes and aggregates them into a multi-cluster index with
// per-GVK availability, per spec.md §4.3.
package discovery

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"

	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/eventbus"
	"github.com/polyscope/polyscope/internal/xerrors"
)

// Session is the capability this package needs from a *session.Session,
// kept narrow so discovery doesn't import session (which has no need of
// discovery; the dependency stays one-directional the way the watch and
// schema packages are structured too).
type Session interface {
	Context() string
	Discovery() (discovery.DiscoveryInterface, error)
}

// MultiClusterGVK is one GroupVersionKind's availability across the
// requested contexts.
type MultiClusterGVK struct {
	Group    string
	Version  string
	Kind     string
	Contexts map[string]bool
	AllCount int
}

// GVK returns the plain group/version/kind triple.
func (m MultiClusterGVK) GVK() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: m.Group, Version: m.Version, Kind: m.Kind}
}

// cacheEntry holds one session's cached GVK list.
type cacheEntry struct {
	gvks      []schema.GroupVersionKind
	fetchedAt time.Time
}

// Service caches per-session discovery results for Options.DiscoveryTTL
// and exposes the merged multi-cluster view.
type Service struct {
	opts config.Options
	log  logr.Logger
	bus  *eventbus.Bus

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Service.
func New(opts config.Options, log logr.Logger, bus *eventbus.Bus) *Service {
	return &Service{opts: opts, log: log, bus: bus, cache: make(map[string]cacheEntry)}
}

// InvalidateSession drops a session's cached GVK list, used when its
// session transitions Unhealthy -> Ready (a fresh cluster may expose a
// different resource set, e.g. after a CRD install completed while
// disconnected).
func (s *Service) InvalidateSession(contextName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, contextName)
}

// gvksForSession returns a session's GVKs, using the TTL cache when fresh.
func (s *Service) gvksForSession(sess Session) ([]schema.GroupVersionKind, error) {
	name := sess.Context()

	s.mu.Lock()
	entry, ok := s.cache[name]
	s.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < s.opts.DiscoveryTTL {
		return entry.gvks, nil
	}

	disco, err := sess.Discovery()
	if err != nil {
		return nil, err
	}

	lists, err := disco.ServerPreferredResources()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ErrUnreachable, "list server preferred resources for context "+name, err)
	}

	gvks := make([]schema.GroupVersionKind, 0, len(lists)*4)
	for _, list := range lists {
		gv, err := schema.ParseGroupVersion(list.GroupVersion)
		if err != nil {
			continue
		}
		for _, res := range list.APIResources {
			gvks = append(gvks, gv.WithKind(res.Kind))
		}
	}

	s.mu.Lock()
	s.cache[name] = cacheEntry{gvks: gvks, fetchedAt: timeNow()}
	s.mu.Unlock()

	return gvks, nil
}

// timeNow is a seam so tests can't depend on wall-clock drift for TTL
// assertions; production always uses time.Now.
var timeNow = time.Now

var errResourceNotRegistered = errors.New("kind not registered in group/version")

// ResourceFor resolves a GVK to its GroupVersionResource (plural name)
// and namespaced flag for one session, needed before a dynamic client
// can list or watch it. Grounded on the same ServerPreferredResources
// family GetGVKs uses, narrowed to one GroupVersion via client-go's
// ServerResourcesForGroupVersion.
func ResourceFor(sess Session, gvk schema.GroupVersionKind) (schema.GroupVersionResource, bool, error) {
	disco, err := sess.Discovery()
	if err != nil {
		return schema.GroupVersionResource{}, false, err
	}

	gv := gvk.GroupVersion()
	list, err := disco.ServerResourcesForGroupVersion(gv.String())
	if err != nil {
		return schema.GroupVersionResource{}, false, xerrors.Wrap(xerrors.ErrUnreachable,
			"resolve resource for "+gvk.String()+" in context "+sess.Context(), err)
	}

	for _, res := range list.APIResources {
		if res.Kind == gvk.Kind && !strings.Contains(res.Name, "/") {
			return gv.WithResource(res.Name), res.Namespaced, nil
		}
	}
	return schema.GroupVersionResource{}, false, xerrors.Wrap(xerrors.ErrNotFound,
		"no resource found for "+gvk.String()+" in context "+sess.Context(), errResourceNotRegistered)
}

// ListGVKs enumerates GVKs across every given session and returns the
// deterministically ordered multi-cluster index. A session whose
// discovery call fails is excluded from the result; its failure is
// published as a Warning on the bus rather than aborting the whole call.
func (s *Service) ListGVKs(sessions []Session) []MultiClusterGVK {
	index := make(map[string]*MultiClusterGVK)

	for _, sess := range sessions {
		gvks, err := s.gvksForSession(sess)
		if err != nil {
			s.log.Error(err, "discovery failed for context, excluding from aggregate", "context", sess.Context())
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{
					Kind:    eventbus.Warning,
					Context: sess.Context(),
					Message: "discovery failed: " + err.Error(),
					Err:     err,
				})
			}
			continue
		}

		for _, gvk := range gvks {
			key := gvk.Group + "/" + gvk.Version + "/" + gvk.Kind
			m, ok := index[key]
			if !ok {
				m = &MultiClusterGVK{Group: gvk.Group, Version: gvk.Version, Kind: gvk.Kind, Contexts: make(map[string]bool)}
				index[key] = m
			}
			m.Contexts[sess.Context()] = true
			m.AllCount = len(m.Contexts)
		}
	}

	result := make([]MultiClusterGVK, 0, len(index))
	for _, m := range index {
		result = append(result, *m)
	}

	sort.Slice(result, func(i, j int) bool {
		return lessGVK(result[i], result[j])
	})
	return result
}

// lessGVK orders the core group first, then groups alphabetically, then
// kind alphabetically, then version by major number descending, and
// within one major stable > beta > alpha with the higher beta/alpha
// number first (v2 > v2beta1 > v1 > v1beta2 > v1beta1 > v1alpha1).
func lessGVK(a, b MultiClusterGVK) bool {
	if a.Group != b.Group {
		if a.Group == "" {
			return true
		}
		if b.Group == "" {
			return false
		}
		return a.Group < b.Group
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return versionLess(b.Version, a.Version) // descending: b < a means a sorts first
}

// versionRank parses a Kubernetes-style version string into a sortable
// (channel, major, minor) tuple. channel: 2=stable, 1=beta, 0=alpha.
// Unrecognized strings sort after all recognized ones, compared
// lexically among themselves.
type versionRank struct {
	recognized bool
	channel    int
	major      int
	minor      int
	raw        string
}

func parseVersion(v string) versionRank {
	if !strings.HasPrefix(v, "v") {
		return versionRank{raw: v}
	}
	rest := v[1:]

	channel := 2
	major := rest
	minor := 0

	if idx := strings.Index(rest, "beta"); idx >= 0 {
		channel = 1
		major = rest[:idx]
		if n, err := strconv.Atoi(rest[idx+len("beta"):]); err == nil {
			minor = n
		}
	} else if idx := strings.Index(rest, "alpha"); idx >= 0 {
		channel = 0
		major = rest[:idx]
		if n, err := strconv.Atoi(rest[idx+len("alpha"):]); err == nil {
			minor = n
		}
	}

	majorNum, err := strconv.Atoi(major)
	if err != nil {
		return versionRank{raw: v}
	}
	return versionRank{recognized: true, channel: channel, major: majorNum, minor: minor, raw: v}
}

// versionLess reports whether version a sorts before version b in
// ascending (oldest/least-preferred first) order.
func versionLess(a, b string) bool {
	ra, rb := parseVersion(a), parseVersion(b)
	if ra.recognized != rb.recognized {
		return rb.recognized // unrecognized sorts before (is "less than") recognized
	}
	if !ra.recognized {
		return ra.raw < rb.raw
	}
	if ra.major != rb.major {
		return ra.major < rb.major
	}
	if ra.channel != rb.channel {
		return ra.channel < rb.channel
	}
	return ra.minor < rb.minor
}
