package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/orchestrate/internal/commbus"
	"github.com/zjrosen/orchestrate/internal/watcher"
)

var watcherCmd = &cobra.Command{
	Use:   "watcher",
	Short: "Watch the communications document and log every change",
	RunE:  runWatcher,
}

func init() {
	rootCmd.AddCommand(watcherCmd)
}

func runWatcher(cmd *cobra.Command, args []string) error {
	bus := commbus.New(cfg.CommFile)

	w, err := watcher.New(watcher.Config{Bus: bus, DebounceDur: cfg.WatcherDebounce})
	if err != nil {
		return err
	}
	w.Register("watcher-cli", func(doc *commbus.Document) error {
		printDocument(doc)
		return nil
	})

	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", bus.Path())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("\nStopped.")
	return nil
}

func printDocument(doc *commbus.Document) {
	names := make([]string, 0, len(doc.Agents))
	for name := range doc.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	by := "unknown"
	if doc.Meta.LastUpdatedBy != nil {
		by = *doc.Meta.LastUpdatedBy
	}
	fmt.Printf("--- change by %s ---\n", by)
	for _, name := range names {
		rec := doc.Agents[name]
		fmt.Printf("  %s [%s] working on: %s\n", name, rec.LifecycleState, rec.WorkingOn)
	}
}
