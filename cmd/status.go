package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zjrosen/orchestrate/internal/commbus"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of every agent in the communications document",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	bus := commbus.New(cfg.CommFile)
	agents, err := bus.GetAllAgents()
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rec := agents[name]
		fmt.Printf("%s [%s]\n", name, rec.LifecycleState)
		fmt.Printf("  mission:    %s\n", rec.Mission)
		fmt.Printf("  working on: %s\n", rec.WorkingOn)
		fmt.Printf("  done:       %s\n", rec.Done)
		fmt.Printf("  next:       %s\n", rec.Next)
		if rec.Breakpoint != nil {
			fmt.Printf("  breakpoint: %s (%s)\n", rec.Breakpoint.Type, rec.Breakpoint.Summary)
		}
		if len(rec.Requests) > 0 {
			fmt.Printf("  requests:\n")
			for _, req := range rec.Requests {
				fmt.Printf("    -> %s: %s\n", req.To, req.Text)
			}
		}
		if len(rec.Added) > 0 {
			fmt.Printf("  deliveries:\n")
			for _, d := range rec.Added {
				fmt.Printf("    <- %s: %s\n", d.From, d.Description)
			}
		}
	}
	return nil
}
