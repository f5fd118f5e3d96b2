// Package main provides a CLI client for the agent-ui server: an interactive
// chat over WebSocket and session history over HTTP.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/agui/internal/replica"
)

var (
	wsAddr   string
	httpAddr string
	apiKey   string
)

var rootCmd = &cobra.Command{
	Use:          "agui",
	Short:        "Client for the agent-ui server",
	SilenceUsage: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent interactively",
	Long: `Open a session (or resume one with --session) and chat with the agent.

Lines are sent as input. While an interrupt is pending, a line answers it.
Commands: /cancel, /resume, /end, /quit`,
	RunE: runChat,
}

var historyCmd = &cobra.Command{
	Use:   "history <session_id>",
	Short: "Print the conversation of a session from its event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&wsAddr, "addr", "ws://localhost:8090/ws", "WebSocket server address")
	rootCmd.PersistentFlags().StringVar(&httpAddr, "http", "http://localhost:8080", "HTTP server address")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication")

	chatCmd.Flags().String("session", "", "Session to resume")
	chatCmd.Flags().Int64("last-seen", 0, "Last seq already seen when resuming")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	log.SetFlags(log.Ltime)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	lastSeen, _ := cmd.Flags().GetInt64("last-seen")
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Connecting to %s...\n", wsAddr)
	client, err := NewClient(wsAddr, out)
	if err != nil {
		return err
	}
	defer client.Close()

	ack, err := client.Hello(sessionID, apiKey, lastSeen)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session: %s (%s from seq %d)\n", ack.SessionID, ack.Mode, ack.FromSeq)
	fmt.Fprintln(out, "Commands: /cancel, /resume, /end, /quit")

	go client.ReadMessages()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	for {
		select {
		case <-interrupt:
			fmt.Fprintln(out, "\nInterrupted")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}

			var err error
			switch {
			case input == "/quit":
				fmt.Fprintln(out, "Bye!")
				return nil
			case input == "/cancel":
				err = client.CancelRun()
			case input == "/resume":
				err = client.Resume()
			case input == "/end":
				err = client.EndSession()
			case client.PendingInterrupt() != "":
				err = client.Answer(input)
			default:
				err = client.SubmitInput(input)
			}
			if err != nil {
				log.Printf("Send error: %v", err)
			}
		}
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	events, err := fetchHistory(httpAddr, apiKey, args[0])
	if err != nil {
		return err
	}

	r := replica.New()
	for _, ev := range events {
		if err := r.Apply(ev); err != nil {
			return fmt.Errorf("failed to apply event %d: %w", ev.Seq, err)
		}
	}

	out := cmd.OutOrStdout()
	for _, m := range r.Messages() {
		fmt.Fprintf(out, "%s: %s\n", m.Role, m.AccumulatedText)
	}
	if status, ok := r.State()["status"].(string); ok {
		fmt.Fprintf(out, "\n(%d events, status %s)\n", len(events), status)
	}
	return nil
}
