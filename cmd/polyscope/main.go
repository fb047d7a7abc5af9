// Command polyscope is a terminal client for the core: it connects to
// one or more kubeconfig contexts, lists the GVKs and favorites they
// expose, and watches a resource kind's rows across clusters.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	klog "k8s.io/klog/v2"

	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/eventbus"
	"github.com/polyscope/polyscope/internal/explorer"
	"github.com/polyscope/polyscope/internal/favorites"
	"github.com/polyscope/polyscope/internal/kubeclient"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := setupLogger()

	factory := kubeclient.NewFactory(log)
	opts := config.Default()
	bus := eventbus.New()

	devMode := os.Getenv("POLYSCOPE_DEV") == "1"
	store, err := favorites.NewStore(bus, favorites.Options{DevMode: devMode})
	if err != nil {
		return fmt.Errorf("open favorites store: %w", err)
	}

	exp := explorer.New(factory, opts, log, bus, store, promptSaveDialog{})

	root := newRootCommand(exp, bus)
	root.Version = version
	root.SilenceUsage = true
	root.SilenceErrors = true

	return root.ExecuteContext(ctx)
}

// setupLogger wires logr through controller-runtime's zap builder, the
// way sttts-kc's cmd/kc/main.go configures its logging, and redirects
// klog (client-go's own logger) through the same sink so a single
// POLYSCOPE_DEBUG switch controls both.
func setupLogger() logr.Logger {
	log := crzap.New(crzap.UseDevMode(os.Getenv("POLYSCOPE_DEBUG") == "1"))
	ctrllog.SetLogger(log)
	klog.SetLogger(log)
	return log
}
