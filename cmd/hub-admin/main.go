// ABOUTME: Operator CLI for the task-routing hub: issue/rotate/revoke agent
// ABOUTME: credentials and inspect recent tasks, operating directly on the
// ABOUTME: hub's store file (no running-hub RPC surface exists to talk to).

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/taskhub/internal/registry"
	"github.com/2389/taskhub/internal/store"
)

const banner = `
  _               _      _       _           _
 | |_ __ _ ___| |_    __ _  __| |_ __ ___ (_)_ __
 | __/ _' / __| __|  / _' |/ _' | '_ ' _ \| | '_ \
 | || (_| \__ \ |_  | (_| | (_| | | | | | | | | | |
  \__\__,_|___/\__|  \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmd, rest := args[0], args[1:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return nil
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required (hub-admin operates on the hub's sqlite database directly)")
	}

	ctx := context.Background()

	sq, err := store.NewSQLiteStore(dbURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer sq.Close()
	if err := sq.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}

	reg, err := registry.New(ctx, sq)
	if err != nil {
		return fmt.Errorf("constructing registry: %w", err)
	}

	switch cmd {
	case "agents":
		return cmdAgents(ctx, reg, sq, rest)
	case "tasks":
		return cmdTasks(ctx, sq, rest)
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	fmt.Println()
	yellow := color.New(color.FgYellow)
	yellow.Println("Usage: hub-admin <command> [args]")
	fmt.Println()
	fmt.Println("  agents list                      list all agent credentials")
	fmt.Println("  agents create <name> <owner>      issue a fresh token for a new agent")
	fmt.Println("  agents rotate <name> <owner>      reissue a token, invalidating the old one")
	fmt.Println("  agents revoke <name>              delete an agent's credential")
	fmt.Println("  tasks recent <agent> [limit]      show an agent's most recent tasks")
	fmt.Println()
	fmt.Println("Requires DATABASE_URL to point at the hub's sqlite database.")
}

func cmdAgents(ctx context.Context, reg *registry.Registry, repo store.CredentialRepo, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: agents <list|create|rotate|revoke>")
	}

	switch args[0] {
	case "list", "ls":
		return cmdAgentsList(ctx, repo)
	case "create", "add":
		if len(args) < 3 {
			return fmt.Errorf("usage: agents create <name> <owner>")
		}
		return cmdAgentsCreate(ctx, reg, args[1], args[2])
	case "rotate":
		if len(args) < 3 {
			return fmt.Errorf("usage: agents rotate <name> <owner>")
		}
		return cmdAgentsRotate(ctx, reg, args[1], args[2])
	case "revoke", "rm", "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: agents revoke <name>")
		}
		return cmdAgentsRevoke(ctx, reg, args[1])
	default:
		return fmt.Errorf("unknown agents subcommand: %s (use list, create, rotate, revoke)", args[0])
	}
}

func cmdAgentsList(ctx context.Context, repo store.CredentialRepo) error {
	creds, err := repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Agent Credentials")
	cyan.Println("  -----------------")

	if len(creds) == 0 {
		fmt.Println("  (no agents registered)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tOWNER\tCREATED")
	fmt.Fprintln(w, "  ----\t-----\t-------")
	for _, c := range creds {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", c.AgentName, c.OwnerID, c.CreatedAt.Format("Jan 02 15:04"))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdAgentsCreate(ctx context.Context, reg *registry.Registry, name, owner string) error {
	token, err := reg.IssueToken(ctx, name, owner)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	green := color.New(color.FgGreen)
	green.Printf("  issued token for %q (owner %s)\n", name, owner)
	fmt.Printf("  %s\n", token)
	return nil
}

func cmdAgentsRotate(ctx context.Context, reg *registry.Registry, name, owner string) error {
	token, err := reg.RefreshToken(ctx, name, owner)
	if err != nil {
		return fmt.Errorf("rotating token: %w", err)
	}
	green := color.New(color.FgGreen)
	green.Printf("  rotated token for %q\n", name)
	fmt.Printf("  %s\n", token)
	return nil
}

func cmdAgentsRevoke(ctx context.Context, reg *registry.Registry, name string) error {
	if err := reg.Revoke(ctx, name); err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}
	green := color.New(color.FgGreen)
	green.Printf("  revoked credential for %q\n", name)
	return nil
}

func cmdTasks(ctx context.Context, repo store.TaskRepo, args []string) error {
	if len(args) == 0 || args[0] != "recent" {
		return fmt.Errorf("usage: tasks recent <agent> [limit]")
	}
	args = args[1:]
	if len(args) == 0 {
		return fmt.Errorf("usage: tasks recent <agent> [limit]")
	}

	agentName := args[0]
	limit := 20
	if len(args) > 1 {
		if n, err := parseIntArg(args[1]); err == nil {
			limit = int(n)
		}
	}

	tasks, err := repo.FindRecent(ctx, agentName, limit)
	if err != nil {
		return fmt.Errorf("loading recent tasks: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  Recent tasks for %s\n", agentName)
	cyan.Println("  -------------------")

	if len(tasks) == 0 {
		fmt.Println("  (no tasks found)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TASK ID\tSTATUS\tCREATED\tCONTENT")
	fmt.Fprintln(w, "  -------\t------\t-------\t-------")
	for _, t := range tasks {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", truncate(t.TaskID, 12), t.Status, t.CreatedAt.Format("Jan 02 15:04"), truncate(t.Content, 40))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func parseIntArg(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
