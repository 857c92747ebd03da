// Command holond wires the backend engine façade (engine.Init) to its two
// shipped sources — outline's native tree and Todoist's external task
// list — and runs until interrupted, the same thin CLI-over-library shape
// as the teacher's cmd package sits over its own core.GraphJin.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-app/holon/cachesrc"
	"github.com/holon-app/holon/engine"
	"github.com/holon-app/holon/source/outline"
	"github.com/holon-app/holon/source/todoist"
	"github.com/holon-app/holon/value"
)

var dbPath string

func main() {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:   "holond",
		Short: "holon reactive query engine",
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./holon.db", "path to the embedded SQLite database")
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the database, register sources, and run until interrupted",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	raw := map[string]string{}
	if v := os.Getenv("TODOIST_API_KEY"); v != "" {
		raw["TODOIST_API_KEY"] = v
	}
	if v := os.Getenv("ORGMODE_ROOT_DIRECTORY"); v != "" {
		raw["ORGMODE_ROOT_DIRECTORY"] = v
	}

	e, err := engine.Init(dbPath, raw)
	if err != nil {
		return fmt.Errorf("holond: init engine: %w", err)
	}

	todoistCached, err := registerSources(e)
	if err != nil {
		_ = e.Shutdown(context.Background())
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The external source's oplog drain: every 15s, with succeeded
	// entries compacted away after a day.
	reconciler := cachesrc.NewReconciler(todoistCached, 15*time.Second, 24*time.Hour)
	go reconciler.Run(ctx)

	go pollTodoist(ctx, todoistCached)
	go watchConflicts(ctx, e)

	<-ctx.Done()
	return e.Shutdown(context.Background())
}

// registerSources wires the two shipped sources into e: outline's native
// tree (local, write-through) and Todoist's task list (external, cached
// with op-log reconciliation), registering each entity's operation
// descriptors alongside its schema. The Todoist cache is returned so the
// caller can run its reconciler.
func registerSources(e *engine.Engine) (*cachesrc.Cached[todoist.Task], error) {
	e.RegisterSchema(outline.Schema())
	outlineCodec, err := value.NewCodec(outline.Schema(), outline.Lenses()...)
	if err != nil {
		return nil, fmt.Errorf("holond: outline codec: %w", err)
	}
	outlineCached, err := cachesrc.New[outline.Block](e.DB(), outline.NewStore(), outlineCodec, nil)
	if err != nil {
		return nil, fmt.Errorf("holond: outline cache: %w", err)
	}
	engine.RegisterSource(e, outlineCached)
	if err := outline.RegisterOperations(e.Registry(), outlineCached); err != nil {
		return nil, fmt.Errorf("holond: outline operations: %w", err)
	}

	e.RegisterSchema(todoist.Schema())
	todoistCodec, err := value.NewCodec(todoist.Schema(), todoist.Lenses()...)
	if err != nil {
		return nil, fmt.Errorf("holond: todoist codec: %w", err)
	}
	todoistCached, err := cachesrc.New[todoist.Task](e.DB(), todoist.NewClient(e.Config().TodoistAPIKey), todoistCodec, nil)
	if err != nil {
		return nil, fmt.Errorf("holond: todoist cache: %w", err)
	}
	engine.RegisterSource(e, todoistCached)
	if err := todoist.RegisterOperations(e.Registry(), todoistCached); err != nil {
		return nil, fmt.Errorf("holond: todoist operations: %w", err)
	}

	return todoistCached, nil
}

// pollTodoist refreshes the Todoist cache on a conditional-fetch poll
// until ctx is cancelled.
func pollTodoist(ctx context.Context, cached *cachesrc.Cached[todoist.Task]) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cached.Sync(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "todoist sync: %v\n", err)
			}
		}
	}
}

// watchConflicts drains the engine's aggregate conflict channel until ctx
// is cancelled, the minimal stand-in for a UI surfacing §7's "never
// auto-resolved" conflict notices to the user.
func watchConflicts(ctx context.Context, e *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-e.Conflicts():
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "conflict: source=%s item=%s server_version=%s\n",
				notice.SourceName, notice.ItemID, notice.ServerVersion)
		}
	}
}
