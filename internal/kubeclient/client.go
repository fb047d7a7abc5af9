// Package kubeclient builds and caches per-context Kubernetes clients
// from a kubeconfig. It is the lowest layer of the core: sessions,
// discovery, schema, and watch workers all obtain their clientset,
// dynamic, and discovery handles through a Factory instead of talking
// to clientcmd directly.
package kubeclient

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"

	"github.com/polyscope/polyscope/internal/xerrors"
)

// Factory loads a kubeconfig once and hands out cached, context-keyed
// clients. Safe for concurrent use.
type Factory struct {
	log logr.Logger

	mu           sync.RWMutex
	rawConfig    *api.Config
	rawConfigErr error
	loaded       bool

	clientSetsMu sync.RWMutex
	clientSets   map[string]*kubernetes.Clientset

	dynamicMu      sync.RWMutex
	dynamicClients map[string]dynamic.Interface
}

// NewFactory creates a Factory. The kubeconfig is not loaded until the
// first call that needs it.
func NewFactory(log logr.Logger) *Factory {
	return &Factory{
		log:            log,
		clientSets:     make(map[string]*kubernetes.Clientset),
		dynamicClients: make(map[string]dynamic.Interface),
	}
}

// RawConfig returns the loaded kubeconfig, loading it on first use.
func (f *Factory) RawConfig() (*api.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.loaded {
		return f.rawConfig, f.rawConfigErr
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	kc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)

	cfg, err := kc.RawConfig()
	f.loaded = true
	if err != nil {
		f.rawConfigErr = xerrors.Wrap(xerrors.ErrConfiguration, "load kubeconfig", err)
		return nil, f.rawConfigErr
	}
	f.rawConfig = &cfg
	return f.rawConfig, nil
}

// ListContexts returns every context name known to the kubeconfig.
func (f *Factory) ListContexts() ([]string, error) {
	cfg, err := f.RawConfig()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Contexts))
	for name := range cfg.Contexts {
		names = append(names, name)
	}
	return names, nil
}

// CurrentContext returns the kubeconfig's current-context value.
func (f *Factory) CurrentContext() (string, error) {
	cfg, err := f.RawConfig()
	if err != nil {
		return "", err
	}
	return cfg.CurrentContext, nil
}

// Invalidate drops the cached kubeconfig and every per-context client,
// forcing a reload from disk on the next call. Used by RefreshContexts;
// a credential re-login drops one context's clients via InvalidateContext.
func (f *Factory) Invalidate() {
	f.mu.Lock()
	f.loaded = false
	f.rawConfig = nil
	f.rawConfigErr = nil
	f.mu.Unlock()

	f.clientSetsMu.Lock()
	f.clientSets = make(map[string]*kubernetes.Clientset)
	f.clientSetsMu.Unlock()

	f.dynamicMu.Lock()
	f.dynamicClients = make(map[string]dynamic.Interface)
	f.dynamicMu.Unlock()
}

// InvalidateContext drops the cached clients for a single context. Used
// after a credential exec-plugin re-login forces recreation of clients.
func (f *Factory) InvalidateContext(contextName string) {
	f.clientSetsMu.Lock()
	delete(f.clientSets, contextName)
	f.clientSetsMu.Unlock()

	f.dynamicMu.Lock()
	delete(f.dynamicClients, contextName)
	f.dynamicMu.Unlock()
}

func (f *Factory) restConfigForContext(contextName string) (*rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: contextName}
	kc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)

	cfg, err := kc.ClientConfig()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ErrConfiguration, fmt.Sprintf("build rest config for context %q", contextName), err)
	}
	return cfg, nil
}

// ClientsetForContext returns a cached or freshly created Clientset.
func (f *Factory) ClientsetForContext(contextName string) (*kubernetes.Clientset, error) {
	f.clientSetsMu.RLock()
	if cs, ok := f.clientSets[contextName]; ok {
		f.clientSetsMu.RUnlock()
		return cs, nil
	}
	f.clientSetsMu.RUnlock()

	f.clientSetsMu.Lock()
	defer f.clientSetsMu.Unlock()

	if cs, ok := f.clientSets[contextName]; ok {
		return cs, nil
	}

	restCfg, err := f.restConfigForContext(contextName)
	if err != nil {
		return nil, err
	}

	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ErrUnreachable, fmt.Sprintf("create clientset for context %q", contextName), err)
	}

	f.clientSets[contextName] = cs
	return cs, nil
}

// DynamicForContext returns a cached or freshly created dynamic client.
func (f *Factory) DynamicForContext(contextName string) (dynamic.Interface, error) {
	f.dynamicMu.RLock()
	if dc, ok := f.dynamicClients[contextName]; ok {
		f.dynamicMu.RUnlock()
		return dc, nil
	}
	f.dynamicMu.RUnlock()

	f.dynamicMu.Lock()
	defer f.dynamicMu.Unlock()

	if dc, ok := f.dynamicClients[contextName]; ok {
		return dc, nil
	}

	restCfg, err := f.restConfigForContext(contextName)
	if err != nil {
		return nil, err
	}

	dc, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ErrUnreachable, fmt.Sprintf("create dynamic client for context %q", contextName), err)
	}

	f.dynamicClients[contextName] = dc
	return dc, nil
}

// DiscoveryForContext returns the discovery interface of the context's clientset.
func (f *Factory) DiscoveryForContext(contextName string) (discovery.DiscoveryInterface, error) {
	cs, err := f.ClientsetForContext(contextName)
	if err != nil {
		return nil, err
	}
	return cs.Discovery(), nil
}

// RESTConfigForContext exposes the raw rest.Config, e.g. for building a
// Table-API client with a custom Accept header.
func (f *Factory) RESTConfigForContext(contextName string) (*rest.Config, error) {
	return f.restConfigForContext(contextName)
}

// GroupRESTClient returns a typed REST client for a well-known API group,
// falling back to the core group's client for any other group.
func (f *Factory) GroupRESTClient(contextName string, gvr schema.GroupVersionResource) (rest.Interface, error) {
	cs, err := f.ClientsetForContext(contextName)
	if err != nil {
		return nil, err
	}

	switch gvr.Group {
	case "":
		return cs.CoreV1().RESTClient(), nil
	case "apps":
		return cs.AppsV1().RESTClient(), nil
	case "batch":
		return cs.BatchV1().RESTClient(), nil
	case "networking.k8s.io":
		return cs.NetworkingV1().RESTClient(), nil
	case "storage.k8s.io":
		return cs.StorageV1().RESTClient(), nil
	case "rbac.authorization.k8s.io":
		return cs.RbacV1().RESTClient(), nil
	case "autoscaling":
		return cs.AutoscalingV1().RESTClient(), nil
	case "policy":
		return cs.PolicyV1().RESTClient(), nil
	case "coordination.k8s.io":
		return cs.CoordinationV1().RESTClient(), nil
	case "scheduling.k8s.io":
		return cs.SchedulingV1().RESTClient(), nil
	case "admissionregistration.k8s.io":
		return cs.AdmissionregistrationV1().RESTClient(), nil
	default:
		return cs.CoreV1().RESTClient(), nil
	}
}

// UsesExecPlugin reports whether the context's auth-info is an exec
// credential plugin invoking the named command (e.g. "tsh").
func (f *Factory) UsesExecPlugin(contextName, command string) (bool, error) {
	cfg, err := f.RawConfig()
	if err != nil {
		return false, err
	}

	ctx, ok := cfg.Contexts[contextName]
	if !ok {
		return false, xerrors.Wrap(xerrors.ErrNotFound, fmt.Sprintf("context %q", contextName), fmt.Errorf("no such context"))
	}
	authInfo, ok := cfg.AuthInfos[ctx.AuthInfo]
	if !ok {
		return false, xerrors.Wrap(xerrors.ErrConfiguration, fmt.Sprintf("auth info for context %q", contextName), fmt.Errorf("no such auth info %q", ctx.AuthInfo))
	}

	return authInfo.Exec != nil && strings.Contains(authInfo.Exec.Command, command), nil
}

// ReloginExecPlugin shells out to "<command> login" to refresh exec-plugin
// credentials (e.g. tsh), then invalidates the cached clients for the
// context so the next request picks up fresh credentials.
func (f *Factory) ReloginExecPlugin(contextName, command string) error {
	cmd := exec.Command(command, "login")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Run(); err != nil {
		return xerrors.Wrap(xerrors.ErrAuth, fmt.Sprintf("%s login for context %q", command, contextName), err)
	}

	f.InvalidateContext(contextName)
	return nil
}
