package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/orchestrate/internal/commbus"
)

var agentCmd = &cobra.Command{
	Use:   "agent <name>",
	Short: "Interactive REPL for one agent's record in the communications document",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

const agentHelp = `Commands:
  mission <text>                       set your mission
  working <text>                       set what you are working on
  done <text>                          set what you have finished
  next <text>                          set what you plan next
  request <agent> <text>               ask another agent for something
  requests                             list requests addressed to you
  complete <agent> <original> | <desc> fulfill a request from <agent>
  deliveries                           list what others delivered to you
  ack                                  clear your deliveries
  agents                               list all agents
  view                                 show your full record
  help                                 show this help
  quit                                 exit`

func runAgent(cmd *cobra.Command, args []string) error {
	name := args[0]
	bus := commbus.New(cfg.CommFile)

	fmt.Printf("Agent %s on %s. Type 'help' for commands.\n", name, bus.Path())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("%s> ", name)
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		var err error
		switch verb {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Println(agentHelp)
		case "mission":
			err = bus.UpdateField(name, "mission", rest)
		case "working":
			err = bus.UpdateField(name, "workingOn", rest)
		case "done":
			err = bus.UpdateField(name, "done", rest)
		case "next":
			err = bus.UpdateField(name, "next", rest)
		case "request":
			target, text, ok := splitTwo(rest)
			if !ok {
				fmt.Println("usage: request <agent> <text>")
				continue
			}
			err = bus.AddRequest(name, target, text)
		case "requests":
			err = printRequests(bus, name)
		case "complete":
			err = completeRequest(bus, name, rest)
		case "deliveries":
			err = printDeliveries(bus, name)
		case "ack":
			err = bus.ClearAdded(name)
		case "agents":
			err = printAgents(bus)
		case "view":
			err = printRecord(bus, name)
		default:
			fmt.Printf("unknown command %q, try 'help'\n", verb)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func splitTwo(s string) (first, rest string, ok bool) {
	first, rest, found := strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	return first, rest, found && first != "" && rest != ""
}

func completeRequest(bus *commbus.Bus, name, rest string) error {
	requester, spec, ok := splitTwo(rest)
	if !ok || !strings.Contains(spec, "|") {
		fmt.Println("usage: complete <agent> <original request> | <description>")
		return nil
	}
	original, description, _ := strings.Cut(spec, "|")
	return bus.CompleteRequest(name, requester, strings.TrimSpace(original), strings.TrimSpace(description))
}

func printRequests(bus *commbus.Bus, name string) error {
	pending, err := bus.GetRequestsForAgent(name)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending requests.")
		return nil
	}
	for _, p := range pending {
		fmt.Printf("  from %s: %s\n", p.FromAgent, p.Request)
	}
	return nil
}

func printDeliveries(bus *commbus.Bus, name string) error {
	rec, err := bus.GetAgent(name)
	if err != nil {
		return err
	}
	if rec == nil || len(rec.Added) == 0 {
		fmt.Println("No deliveries.")
		return nil
	}
	for _, d := range rec.Added {
		fmt.Printf("  from %s: %s (for: %s)\n", d.From, d.Description, d.OriginalRequest)
	}
	return nil
}

func printAgents(bus *commbus.Bus) error {
	agents, err := bus.GetAllAgents()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(agents))
	for n := range agents {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Printf("  %s [%s]\n", n, agents[n].LifecycleState)
	}
	return nil
}

func printRecord(bus *commbus.Bus, name string) error {
	rec, err := bus.GetAgent(name)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Println("No record yet.")
		return nil
	}
	fmt.Printf("mission:    %s\n", rec.Mission)
	fmt.Printf("working on: %s\n", rec.WorkingOn)
	fmt.Printf("done:       %s\n", rec.Done)
	fmt.Printf("next:       %s\n", rec.Next)
	fmt.Printf("state:      %s\n", rec.LifecycleState)
	for _, req := range rec.Requests {
		fmt.Printf("request -> %s: %s\n", req.To, req.Text)
	}
	for _, d := range rec.Added {
		fmt.Printf("delivery <- %s: %s\n", d.From, d.Description)
	}
	return nil
}
