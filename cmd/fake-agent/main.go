// ABOUTME: Minimal fake agent for end-to-end testing — connects via WebSocket,
// ABOUTME: echoes messages with markdown. Usage: fake-agent -url ws://localhost:8080/ws -name echo-agent -token TOKEN
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/taskhub/internal/wireclient"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "hub WebSocket endpoint")
	name := flag.String("name", "echo-agent", "agent name")
	token := flag.String("token", "", "bearer token issued for this agent")
	flag.Parse()

	if *token == "" {
		log.Fatal("-token is required")
	}

	if err := run(*url, *name, *token); err != nil {
		log.Fatal(err)
	}
}

func run(url, name, token string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client, err := wireclient.Dial(ctx, url, name, token)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer client.Close()

	fmt.Fprintf(os.Stderr, "registered as %s\n", name)

	return client.Run(ctx, wireclient.Handlers{
		OnTask:   handleTask(client),
		OnCancel: func(taskID string) { log.Printf("cancel requested for task %s (no-op)", taskID) },
	})
}

func handleTask(client *wireclient.Client) wireclient.TaskHandler {
	return func(ctx context.Context, task wireclient.Task) {
		log.Printf("received task [%s]: %s", task.TaskID, task.Content)

		_ = client.SendProgress(ctx, task.TaskID, "thinking", "", 0)
		time.Sleep(50 * time.Millisecond)
		_ = client.SendProgress(ctx, task.TaskID, "tool_use", "echo", 50)
		time.Sleep(50 * time.Millisecond)
		_ = client.SendProgress(ctx, task.TaskID, "responding", "", 100)

		reply := echoReply(task.Content)
		if err := client.SendResult(ctx, task.TaskID, reply, "success"); err != nil {
			log.Printf("send result error: %v", err)
		}
	}
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
