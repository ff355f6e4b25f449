// ABOUTME: Operator CLI for the chat engine's parked work items
// ABOUTME: Lists and recovers failed event listeners and errored messages

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
)

const banner = `
      _           _                  _           _
  ___| |__   __ _| |_     __ _  __| |_ __ ___ (_)_ __
 / __| '_ \ / _' | __|   / _' |/ _' | '_ ' _ \| | '_ \
| (__| | | | (_| | |_   | (_| | (_| | | | | | | | | | |
 \___|_| |_|\__,_|\__|    \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	serverFlag := flag.String("server", "", "ops API base URL (overrides CHAT_ENGINE_URL)")
	tokenFlag := flag.String("token", "", "operator bearer token (overrides CHAT_ENGINE_TOKEN)")
	flag.Usage = func() {
		printUsage()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	baseURL, token := resolveConnection(*serverFlag, *tokenFlag)

	cmd := flag.Arg(0)
	args := flag.Args()[1:]
	client := &apiClient{baseURL: strings.TrimRight(baseURL, "/"), token: token}

	var err error
	switch cmd {
	case "listeners":
		err = cmdListeners(client, args)
	case "unblock":
		err = cmdUnblock(client, args)
	case "messages":
		err = cmdMessages(client, args)
	case "requeue":
		err = cmdRequeue(client, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConnection picks the ops API endpoint and token: flags win, then
// the environment, then the local default.
func resolveConnection(serverFlag, tokenFlag string) (baseURL, token string) {
	baseURL = serverFlag
	if baseURL == "" {
		baseURL = os.Getenv("CHAT_ENGINE_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	token = tokenFlag
	if token == "" {
		token = os.Getenv("CHAT_ENGINE_TOKEN")
	}
	return baseURL, token
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: chat-admin [flags] <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  listeners           List event listeners parked or failing")
	fmt.Println("  unblock <id>        Clear a parked listener's backoff for retry")
	fmt.Println("  messages            List inbound messages with recorded errors")
	fmt.Println("  requeue <id>        Make an errored message claimable again")
	fmt.Println()
	yellow.Println("Flags:")
	fmt.Println("  --server <url>      Ops API base URL (overrides CHAT_ENGINE_URL)")
	fmt.Println("  --token <token>     Operator bearer token (overrides CHAT_ENGINE_TOKEN)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CHAT_ENGINE_URL     Ops API base URL (default: http://localhost:8090)")
	fmt.Println("  CHAT_ENGINE_TOKEN   Operator bearer token (required)")
}

type apiClient struct {
	baseURL string
	token   string
}

func (c *apiClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s (%d)", envelope.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type listener struct {
	ID           string  `json:"id"`
	EventID      string  `json:"event_id"`
	ListenerName string  `json:"listener_name"`
	ErrorMessage *string `json:"error_message"`
	ErrorCount   int     `json:"error_count"`
	BackoffUntil *string `json:"backoff_until"`
}

func cmdListeners(c *apiClient, _ []string) error {
	var resp struct {
		Listeners []listener `json:"listeners"`
	}
	if err := c.do(http.MethodGet, "/api/listeners/failed", &resp); err != nil {
		return err
	}
	if len(resp.Listeners) == 0 {
		color.Green("No failed listeners.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLISTENER\tERRORS\tSTATUS\tLAST ERROR")
	for _, l := range resp.Listeners {
		status := "backing off"
		if l.BackoffUntil == nil {
			status = "parked"
		}
		errMsg := ""
		if l.ErrorMessage != nil {
			errMsg = truncate(*l.ErrorMessage, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", l.ID, l.ListenerName, l.ErrorCount, status, errMsg)
	}
	return w.Flush()
}

func cmdUnblock(c *apiClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: chat-admin unblock <listener-id>")
	}
	if err := c.do(http.MethodPost, "/api/listeners/"+args[0]+"/unblock", nil); err != nil {
		return err
	}
	color.Green("Listener %s unblocked; it will be retried on the next poll.", args[0])
	return nil
}

type message struct {
	ID                string  `json:"id"`
	ChatbotName       string  `json:"chatbot_name"`
	SentByPhoneNumber string  `json:"sent_by_phone_number"`
	Body              string  `json:"body"`
	ErrorCommitHash   *string `json:"error_commit_hash"`
	ErrorMessage      *string `json:"error_message"`
}

func cmdMessages(c *apiClient, _ []string) error {
	var resp struct {
		Messages []message `json:"messages"`
	}
	if err := c.do(http.MethodGet, "/api/messages/errored", &resp); err != nil {
		return err
	}
	if len(resp.Messages) == 0 {
		color.Green("No errored messages.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHATBOT\tFROM\tCOMMIT\tERROR")
	for _, m := range resp.Messages {
		commit := ""
		if m.ErrorCommitHash != nil {
			commit = truncate(*m.ErrorCommitHash, 12)
		}
		errMsg := ""
		if m.ErrorMessage != nil {
			errMsg = truncate(*m.ErrorMessage, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.ChatbotName, m.SentByPhoneNumber, commit, errMsg)
	}
	return w.Flush()
}

func cmdRequeue(c *apiClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: chat-admin requeue <message-id>")
	}
	if err := c.do(http.MethodPost, "/api/messages/"+args[0]+"/requeue", nil); err != nil {
		return err
	}
	color.Green("Message %s requeued; the dispatcher will claim it on the next poll.", args[0])
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
