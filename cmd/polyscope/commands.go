package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	kubeschema "k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/polyscope/polyscope/internal/aggregate"
	"github.com/polyscope/polyscope/internal/eventbus"
	"github.com/polyscope/polyscope/internal/explorer"
	"github.com/polyscope/polyscope/internal/favorites"
	"github.com/polyscope/polyscope/internal/schema"
	"github.com/polyscope/polyscope/internal/watch"
)

func newRootCommand(exp *explorer.Explorer, bus *eventbus.Bus) *cobra.Command {
	root := &cobra.Command{
		Use:   "polyscope",
		Short: "Explore Kubernetes resources across multiple clusters at once",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			watchEventBus(bus, cmd.ErrOrStderr())
		},
	}

	root.AddCommand(
		newContextsCommand(exp),
		newConnectCommand(exp),
		newGVKsCommand(exp),
		newSchemaCommand(exp),
		newWatchCommand(exp),
		newFavoritesCommand(exp),
	)
	return root
}

// watchEventBus prints every Warning event to stderr for as long as the
// process runs; a corrupted favorites file (spec.md S4) or a dropped
// watch event surfaces here instead of only in the log.
func watchEventBus(bus *eventbus.Bus, stderr io.Writer) {
	if bus == nil {
		return
	}
	events, _ := bus.Subscribe()
	go func() {
		for ev := range events {
			if ev.Kind != eventbus.Warning {
				continue
			}
			fmt.Fprintf(stderr, "warning: %s: %v\n", ev.Message, ev.Err)
		}
	}()
}

func newContextsCommand(exp *explorer.Explorer) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:     "contexts",
		Short:   "List the kubeconfig contexts known to polyscope",
		Example: "polyscope contexts --refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				names []string
				err   error
			)
			if refresh {
				names, err = exp.RefreshContexts()
			} else {
				names, err = exp.ListContexts()
			}
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload the kubeconfig from disk before listing")
	return cmd
}

func newConnectCommand(exp *explorer.Explorer) *cobra.Command {
	return &cobra.Command{
		Use:     "connect [context...]",
		Short:   "Connect to one or more kubeconfig contexts",
		Example: "polyscope connect dev prod",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := exp.ConnectToContexts(cmd.Context(), args)
			failed := false
			for _, r := range results {
				if r.Ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tready\n", r.Context)
					continue
				}
				failed = true
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tfailed\t%v\n", r.Context, r.Err)
			}
			if failed {
				return errSomeContextsFailed
			}
			return nil
		},
	}
}

func newGVKsCommand(exp *explorer.Explorer) *cobra.Command {
	var contexts []string
	cmd := &cobra.Command{
		Use:     "gvks",
		Short:   "List the resource kinds available across the given contexts",
		Example: "polyscope gvks --context dev --context prod",
		RunE: func(cmd *cobra.Command, args []string) error {
			gvks := exp.GetGVKs(contexts)
			for _, g := range gvks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s, Kind=%s\t(%d/%d contexts)\n",
					g.Group, g.Version, g.Kind, len(g.Contexts), g.AllCount)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&contexts, "context", nil, "context to query (repeatable)")
	return cmd
}

func newSchemaCommand(exp *explorer.Explorer) *cobra.Command {
	var contexts []string
	cmd := &cobra.Command{
		Use:     "schema <group/version, Kind=kind>",
		Short:   "Print the structural field tree for a GVK across the given contexts",
		Example: "polyscope schema 'apps/v1, Kind=Deployment' --context dev",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gvk, err := parseGVKArg(args[0])
			if err != nil {
				return err
			}
			tree, err := exp.GetNodeTree(gvk, contexts)
			if err != nil {
				return err
			}
			out, err := schema.DumpYAML(tree)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&contexts, "context", nil, "context to query (repeatable)")
	return cmd
}

func newWatchCommand(exp *explorer.Explorer) *cobra.Command {
	var (
		contexts []string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:     "watch <group/version, Kind=kind>",
		Short:   "Stream row changes for a GVK across the given contexts",
		Example: "polyscope watch 'apps/v1, Kind=Deployment' --context dev --context prod",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gvk, err := parseGVKArg(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			exp.StartResources(ctx, gvk, contexts)
			defer exp.StopResources()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					result := exp.PollResources()
					printPollResult(cmd, result)
				}
			}
		},
	}
	cmd.Flags().StringArrayVar(&contexts, "context", nil, "context to watch (repeatable)")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

func printPollResult(cmd *cobra.Command, result explorer.PollResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "--- watchStatus=%s rows=%d changes=%d ---\n", result.Status, len(result.Rows), len(result.Changes))

	rowsById := make(map[watch.RowId]watch.ResourceRow, len(result.Rows))
	for _, r := range result.Rows {
		rowsById[r.Id()] = r
	}

	for _, change := range result.Changes {
		valueStr := ""
		if r, ok := rowsById[change.RowId]; ok {
			if v, ok := aggregate.GetNestedValue(r.Object.Object, change.FieldPath); ok {
				valueStr = fmt.Sprintf(" = %v", v)
			}
		}
		fmt.Fprintf(out, "  %s/%s/%s %s%s @ %s\n",
			change.RowId.Context, change.RowId.Namespace, change.RowId.Name,
			strings.Join(change.FieldPath, "."), valueStr, change.Timestamp.Format(time.RFC3339))
	}
}

func newFavoritesCommand(exp *explorer.Explorer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "favorites",
		Short: "Manage saved field-path views",
	}
	cmd.AddCommand(
		newFavoritesListCommand(exp),
		newFavoritesSaveCommand(exp),
		newFavoritesRenameCommand(exp),
		newFavoritesDeleteCommand(exp),
	)
	return cmd
}

func newFavoritesListCommand(exp *explorer.Explorer) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every saved favorite",
		RunE: func(cmd *cobra.Command, args []string) error {
			favs, err := exp.ListFavorites()
			if err != nil {
				return err
			}
			for _, f := range favs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s/%s, Kind=%s\n", f.ID, f.Name, f.GVK.Group, f.GVK.Version, f.GVK.Kind)
			}
			return nil
		},
	}
}

func newFavoritesSaveCommand(exp *explorer.Explorer) *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:     "save <name> <group/version, Kind=kind>",
		Short:   "Save a new favorite",
		Example: `polyscope favorites save my-view 'v1, Kind=Pod' --field metadata.name --field status.phase`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gvk, err := parseGVKArg(args[1])
			if err != nil {
				return err
			}
			paths := make([][]string, 0, len(fields))
			for _, f := range fields {
				paths = append(paths, strings.Split(f, "."))
			}
			f, err := exp.SaveFavorite(args[0], favorites.GVKRef{Group: gvk.Group, Version: gvk.Version, Kind: gvk.Kind}, paths)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), f.ID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, "dotted field path to include (repeatable)")
	return cmd
}

func newFavoritesRenameCommand(exp *explorer.Explorer) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <new-name>",
		Short: "Rename an existing favorite",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := exp.RenameFavorite(args[0], args[1])
			return err
		},
	}
}

func newFavoritesDeleteCommand(exp *explorer.Explorer) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a favorite by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exp.DeleteFavorite(args[0])
		},
	}
}

// parseGVKArg parses the "group/version, Kind=Kind" form the other
// subcommands print GVKs in, e.g. "apps/v1, Kind=Deployment" or, for
// the core group, "v1, Kind=Pod".
func parseGVKArg(s string) (kubeschema.GroupVersionKind, error) {
	gvString, kind, found := strings.Cut(s, ", Kind=")
	if !found {
		return kubeschema.GroupVersionKind{}, errBadGVKArg
	}
	gv, err := kubeschema.ParseGroupVersion(gvString)
	if err != nil {
		return kubeschema.GroupVersionKind{}, err
	}
	return gv.WithKind(kind), nil
}

// promptSaveDialog is the terminal SaveDialog collaborator: it prompts
// on stdin/stdout instead of opening a native file-save window.
type promptSaveDialog struct{}

func (promptSaveDialog) Prompt(defaultName string) (string, bool, error) {
	fmt.Printf("Save as [%s]: ", defaultName)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		line = defaultName
	}
	if line == "-" {
		return "", false, nil
	}
	return line, true, nil
}

var errBadGVKArg = badGVKArgError{}

type badGVKArgError struct{}

func (badGVKArgError) Error() string {
	return `expected a GVK of the form "group/version, Kind=Kind" (e.g. "apps/v1, Kind=Deployment")`
}

var errSomeContextsFailed = someContextsFailedError{}

type someContextsFailedError struct{}

func (someContextsFailedError) Error() string { return "one or more contexts failed to connect" }
