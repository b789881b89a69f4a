// Command clawdeck drives a running clawdeck daemon through its local
// management API.
//
// Usage:
//
//	clawdeck status
//	clawdeck pair
//	clawdeck send "how is the deploy going?"
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/p-blackswan/clawdeck/internal/mgmt"
	"github.com/p-blackswan/clawdeck/internal/pairing"
	"github.com/p-blackswan/clawdeck/internal/protocol"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "status":
		return runStatus(os.Args[2:])
	case "send":
		return runSend(os.Args[2:])
	case "sessions":
		return runSessions(os.Args[2:])
	case "history":
		return runHistory(os.Args[2:])
	case "pair":
		return runPair(os.Args[2:])
	case "version":
		fmt.Printf("clawdeck %s\n", version)
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: clawdeck <subcommand> [flags]

Subcommands:
  status      Show daemon and gateway connection state
  send        Send a chat message and stream the reply: clawdeck send [flags] <message>
  sessions    List known sessions
  history     Show a session transcript
  pair        Pair this device with the gateway
  version     Print version information

Run 'clawdeck <subcommand> --help' for subcommand flags.
`)
}

// apiClient talks to the daemon's management API.
type apiClient struct {
	base   string
	apiKey string
	httpc  *http.Client
}

// clientFlags are the connection flags every subcommand shares.
type clientFlags struct {
	addr    *string
	apiKey  *string
	timeout *time.Duration
}

func registerClientFlags(flags *flag.FlagSet) clientFlags {
	return clientFlags{
		addr:    flags.String("addr", envOr("CLAWDECK_ADDR", "http://127.0.0.1:8787"), "management API base URL (env CLAWDECK_ADDR)"),
		apiKey:  flags.String("api-key", os.Getenv("CLAWDECK_API_KEY"), "management API key (env CLAWDECK_API_KEY)"),
		timeout: flags.Duration("timeout", 30*time.Second, "request timeout"),
	}
}

func (f clientFlags) client() *apiClient {
	return &apiClient{
		base:   strings.TrimSuffix(*f.addr, "/"),
		apiKey: *f.apiKey,
		httpc:  &http.Client{Timeout: *f.timeout},
	}
}

// do performs one API call and returns the raw response body. Error
// responses are turned into readable messages from the problem detail.
func (c *apiClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s (is clawdeckd running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var problem mgmt.ProblemDetail
		if json.Unmarshal(data, &problem) == nil && problem.Title != "" {
			if problem.Detail != "" {
				return nil, fmt.Errorf("%s: %s", problem.Title, problem.Detail)
			}
			return nil, fmt.Errorf("%s", problem.Title)
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return data, nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decode(data, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	data, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return decode(data, out)
}

func decode(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type serverEvent struct {
	name string
	data []byte
}

// eventStream reads server-sent events from the daemon.
type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// openEvents subscribes to the daemon's event stream. The request runs on
// a client without a per-request timeout; its lifetime is bound to ctx.
func (c *apiClient) openEvents(ctx context.Context) (*eventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/events", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s (is clawdeckd running?): %w", c.base, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("daemon returned %s for the event stream", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &eventStream{body: resp.Body, scanner: scanner}, nil
}

// Next blocks until a complete event arrives. Keepalive comments are
// skipped.
func (s *eventStream) Next() (serverEvent, error) {
	var ev serverEvent
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if ev.name != "" || len(ev.data) > 0 {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data = append(ev.data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return serverEvent{}, err
	}
	return serverEvent{}, io.EOF
}

func (s *eventStream) Close() error {
	return s.body.Close()
}

func runStatus(args []string) error {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	conn := registerClientFlags(flags)
	asJSON := flags.Bool("json", false, "print the raw JSON response")
	flags.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data, err := conn.client().do(ctx, http.MethodGet, "/api/v1/status", nil)
	if err != nil {
		return err
	}
	if *asJSON {
		fmt.Println(string(data))
		return nil
	}

	var status mgmt.StatusResponse
	if err := decode(data, &status); err != nil {
		return err
	}

	state := "disconnected"
	if status.Connecting {
		state = "connecting"
	}
	if status.Connected {
		state = "connected"
	}

	fmt.Printf("Daemon:    %s (up %s)\n", status.Version, status.Uptime)
	fmt.Printf("Gateway:   %s\n", state)
	if status.Error != "" {
		fmt.Printf("Error:     %s\n", status.Error)
	}
	if status.Server != nil {
		fmt.Printf("Server:    %s %s (protocol %d)\n", status.Server.Name, status.Server.Version, status.Server.Protocol)
		if status.Server.Role != "" {
			fmt.Printf("Role:      %s [%s]\n", status.Server.Role, strings.Join(status.Server.Scopes, ", "))
		}
	}
	if status.SessionKey != "" {
		fmt.Printf("Session:   %s\n", status.SessionKey)
	}
	if status.Pairing != nil && status.Pairing.State != pairing.StateIdle {
		line := string(status.Pairing.State)
		if status.Pairing.Code != "" {
			line += " (code " + status.Pairing.Code + ")"
		}
		fmt.Printf("Pairing:   %s\n", line)
	}
	if status.Update != nil && status.Update.UpdateAvailable {
		fmt.Printf("Update:    %s available (running %s)\n", status.Update.LatestVersion, status.Update.CurrentVersion)
		if status.Update.ReleaseURL != "" {
			fmt.Printf("           %s\n", status.Update.ReleaseURL)
		}
	}
	return nil
}

func runSend(args []string) error {
	flags := flag.NewFlagSet("send", flag.ExitOnError)
	conn := registerClientFlags(flags)
	session := flags.String("session", "", "target session key (defaults to the main session)")
	noWait := flags.Bool("no-wait", false, "enqueue the message without waiting for the reply")
	wait := flags.Duration("wait", 2*time.Minute, "how long to wait for the reply")
	flags.Parse(args)

	message := strings.TrimSpace(strings.Join(flags.Args(), " "))
	if message == "" {
		flags.Usage()
		return fmt.Errorf("message required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := conn.client()

	if *noWait {
		var resp mgmt.ChatResponse
		err := cli.post(ctx, "/api/v1/chat", mgmt.ChatRequest{
			SessionKey: *session,
			Message:    message,
		}, &resp)
		if err != nil {
			return err
		}
		if resp.RunID != "" {
			fmt.Printf("Accepted on %s (run %s)\n", resp.SessionKey, resp.RunID)
		} else {
			fmt.Printf("Accepted on %s\n", resp.SessionKey)
		}
		return nil
	}

	return sendAndStream(ctx, cli, *session, message, *wait)
}

// sendAndStream posts the message and relays the assistant reply from the
// daemon's event stream as it arrives.
func sendAndStream(ctx context.Context, cli *apiClient, session, message string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	// Subscribe before posting so the first chunks cannot be missed.
	events, err := cli.openEvents(ctx)
	if err != nil {
		return err
	}
	defer events.Close()

	var resp mgmt.ChatResponse
	err = cli.post(ctx, "/api/v1/chat", mgmt.ChatRequest{
		SessionKey: session,
		Message:    message,
	}, &resp)
	if err != nil {
		return err
	}

	// The first chunk after the post picks which stream to follow. Chunk
	// payloads carry the full accumulated text, so only the unseen suffix
	// is printed.
	followID := ""
	printed := 0
	for {
		ev, err := events.Next()
		if err != nil {
			if printed > 0 {
				fmt.Println()
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("no reply after %s (message was accepted on %s)", wait, resp.SessionKey)
			}
			if ctx.Err() != nil {
				return fmt.Errorf("interrupted (message was accepted on %s)", resp.SessionKey)
			}
			return fmt.Errorf("event stream: %w", err)
		}

		switch ev.name {
		case "stream-chunk":
			var chunk struct {
				MessageID string `json:"messageId"`
				Text      string `json:"text"`
			}
			if json.Unmarshal(ev.data, &chunk) != nil {
				continue
			}
			if followID == "" {
				followID = chunk.MessageID
			}
			if chunk.MessageID != followID {
				continue
			}
			if len(chunk.Text) > printed {
				fmt.Print(chunk.Text[printed:])
				printed = len(chunk.Text)
			}
		case "stream-end", "message":
			var msg protocol.ChatMessage
			if json.Unmarshal(ev.data, &msg) != nil {
				continue
			}
			if msg.Role != "assistant" {
				continue
			}
			if msg.SessionKey != resp.SessionKey && (followID == "" || msg.ID != followID) {
				continue
			}
			if len(msg.Text) > printed {
				fmt.Print(msg.Text[printed:])
			}
			fmt.Println()
			return nil
		}
	}
}

func runSessions(args []string) error {
	flags := flag.NewFlagSet("sessions", flag.ExitOnError)
	conn := registerClientFlags(flags)
	flags.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var resp mgmt.SessionsResponse
	if err := conn.client().get(ctx, "/api/v1/sessions", &resp); err != nil {
		return err
	}
	if resp.Total == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tLABEL\tMODEL\tMESSAGES\tUPDATED\tCONTEXT")
	for _, s := range resp.Sessions {
		updated := ""
		if s.UpdatedAt > 0 {
			updated = time.UnixMilli(s.UpdatedAt).Local().Format("2006-01-02 15:04")
		}
		usage := ""
		if s.TokenCapacity > 0 {
			usage = fmt.Sprintf("%d%%", s.TokensUsed*100/s.TokenCapacity)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", s.Key, s.Label, s.Model, s.MessageCount, updated, usage)
	}
	return w.Flush()
}

func runHistory(args []string) error {
	flags := flag.NewFlagSet("history", flag.ExitOnError)
	conn := registerClientFlags(flags)
	session := flags.String("session", protocol.DefaultSessionKey, "session key")
	limit := flags.Int("limit", 50, "maximum number of messages (0 for all)")
	flags.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := "/api/v1/sessions/" + url.PathEscape(*session) + "/history?limit=" + strconv.Itoa(*limit)
	var resp mgmt.HistoryResponse
	if err := conn.client().get(ctx, path, &resp); err != nil {
		return err
	}
	if resp.Total == 0 {
		fmt.Println("No messages.")
		return nil
	}

	for _, m := range resp.Messages {
		ts := ""
		if m.Timestamp > 0 {
			ts = time.UnixMilli(m.Timestamp).Local().Format("15:04:05") + " "
		}
		fmt.Printf("%s%-10s %s\n", ts, m.Role+":", m.Text)
	}
	return nil
}

func runPair(args []string) error {
	flags := flag.NewFlagSet("pair", flag.ExitOnError)
	conn := registerClientFlags(flags)
	token := flags.String("token", "", "enter a pairing token directly instead of waiting for approval")
	flags.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := conn.client()

	if *token != "" {
		var snap pairing.Snapshot
		if err := cli.post(ctx, "/api/v1/pair/token", mgmt.PairTokenRequest{Token: *token}, &snap); err != nil {
			return err
		}
		return reportPairing(snap)
	}

	var snap pairing.Snapshot
	if err := cli.post(ctx, "/api/v1/pair", nil, &snap); err != nil {
		return err
	}

	shownCode := ""
	if snap.Code != "" {
		shownCode = snap.Code
		fmt.Printf("Pairing code: %s\n", snap.Code)
		fmt.Println("Approve this device on the gateway side. Waiting...")
	}

	promptedToken := false
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best effort: tell the daemon to stop the flow before leaving.
			cancelCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = cli.do(cancelCtx, http.MethodDelete, "/api/v1/pair", nil)
			cancelStop()
			return fmt.Errorf("pairing interrupted")
		case <-ticker.C:
		}

		if err := cli.get(ctx, "/api/v1/pair", &snap); err != nil {
			return err
		}

		if snap.Code != "" && snap.Code != shownCode {
			shownCode = snap.Code
			fmt.Printf("Pairing code: %s\n", snap.Code)
			fmt.Println("Approve this device on the gateway side. Waiting...")
		}

		switch snap.State {
		case pairing.StateApproved:
			return reportPairing(snap)
		case pairing.StateError:
			return reportPairing(snap)
		case pairing.StateWaitingCLI:
			if promptedToken {
				continue
			}
			promptedToken = true
			fmt.Println("The gateway did not accept an automatic pairing request.")
			fmt.Print("Paste a pairing token issued on the gateway side: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}
			line = strings.TrimSpace(line)
			if line == "" {
				return fmt.Errorf("empty token")
			}
			if err := cli.post(ctx, "/api/v1/pair/token", mgmt.PairTokenRequest{Token: line}, &snap); err != nil {
				return err
			}
			if snap.State == pairing.StateApproved {
				return reportPairing(snap)
			}
		}
	}
}

func reportPairing(snap pairing.Snapshot) error {
	switch snap.State {
	case pairing.StateApproved:
		fmt.Println("Pairing approved. The daemon reconnects with the new credential.")
		return nil
	case pairing.StateError:
		if snap.Message != "" {
			return fmt.Errorf("pairing failed: %s", snap.Message)
		}
		return fmt.Errorf("pairing failed")
	default:
		fmt.Printf("Pairing state: %s\n", snap.State)
		return nil
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
