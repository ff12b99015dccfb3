package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/lobbykit/internal/lobby"
	"github.com/ent0n29/lobbykit/internal/protocol"
)

type options struct {
	baseURL      string
	cycles       int
	maxMembers   int
	interCycle   time.Duration
	eventTimeout time.Duration
	verbose      bool
}

type wsEnvelope struct {
	Type   string `json:"type"`
	Event  string `json:"event,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// stageSamples collects per-stage latencies in milliseconds.
type stageSamples map[string][]float64

func (s stageSamples) add(stage string, d time.Duration) {
	s[stage] = append(s[stage], float64(d.Microseconds())/1000)
}

type stageSummary struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	MaxMS float64 `json:"max_ms"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perflobby: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perflobby: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var interCycleMS int
	var eventTimeoutMS int

	fs := flag.NewFlagSet("perflobby", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "lobbyd base URL")
	fs.IntVar(&cfg.cycles, "cycles", 10, "number of create/update/leave cycles")
	fs.IntVar(&cfg.maxMembers, "max-members", 4, "max_members for each hosted session")
	fs.IntVar(&interCycleMS, "inter-cycle-ms", 100, "delay between cycles in milliseconds")
	fs.IntVar(&eventTimeoutMS, "event-timeout-ms", 5000, "timeout waiting for each lobby event in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.cycles <= 0 {
		return options{}, fmt.Errorf("cycles must be > 0")
	}
	if cfg.maxMembers < 1 || cfg.maxMembers > lobby.MaxMembersLimit {
		return options{}, fmt.Errorf("max-members must be in [1,%d]", lobby.MaxMembersLimit)
	}
	if interCycleMS < 0 {
		interCycleMS = 0
	}
	if eventTimeoutMS < 100 {
		eventTimeoutMS = 100
	}
	cfg.interCycle = time.Duration(interCycleMS) * time.Millisecond
	cfg.eventTimeout = time.Duration(eventTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	wsURL, err := eventsURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	eventsCh := make(chan string, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, eventsCh, readErrCh, cfg.verbose)

	samples := stageSamples{}
	for i := 0; i < cfg.cycles; i++ {
		if err := runCycle(ctx, httpClient, cfg, eventsCh, readErrCh, samples); err != nil {
			return fmt.Errorf("cycle %d: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("perflobby: cycle %d/%d ok\n", i+1, cfg.cycles)
		}
		if cfg.interCycle > 0 && i < cfg.cycles-1 {
			time.Sleep(cfg.interCycle)
		}
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(summarize(samples))
}

func runCycle(ctx context.Context, client *http.Client, cfg options, eventsCh <-chan string, readErrCh <-chan error, samples stageSamples) error {
	start := time.Now()
	if _, err := doJSON(ctx, client, http.MethodPost, cfg.baseURL+"/v1/lobby/sessions", map[string]any{
		"max_members": cfg.maxMembers,
		"name":        "perflobby",
	}, http.StatusCreated); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	samples.add("create", time.Since(start))
	if err := awaitEvent(eventsCh, readErrCh, string(lobby.EventSessionJoined), cfg.eventTimeout); err != nil {
		return err
	}
	samples.add("create_to_joined_event", time.Since(start))

	start = time.Now()
	if _, err := doJSON(ctx, client, http.MethodPut, cfg.baseURL+"/v1/lobby/attributes", map[string]any{
		"attributes": map[string]string{lobby.AttrMap: fmt.Sprintf("map-%d", start.UnixNano()%7)},
	}, http.StatusOK); err != nil {
		return fmt.Errorf("set attributes: %w", err)
	}
	samples.add("set_attributes", time.Since(start))

	start = time.Now()
	if _, err := doJSON(ctx, client, http.MethodPost, cfg.baseURL+"/v1/lobby/refresh", nil, http.StatusOK); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	samples.add("refresh", time.Since(start))

	start = time.Now()
	if _, err := doJSON(ctx, client, http.MethodPost, cfg.baseURL+"/v1/lobby/leave", nil, http.StatusOK); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	samples.add("leave", time.Since(start))
	return awaitEvent(eventsCh, readErrCh, string(lobby.EventSessionLeft), cfg.eventTimeout)
}

func doJSON(ctx context.Context, client *http.Client, method, target string, body any, want int) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != want {
		return nil, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func eventsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/lobby/events/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, eventsCh chan<- string, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeLobbyEvent):
			select {
			case eventsCh <- env.Event:
			default:
			}
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "perflobby: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

// awaitEvent discards events until one of type want arrives.
func awaitEvent(eventsCh <-chan string, readErrCh <-chan error, want string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case got := <-eventsCh:
			if got == want {
				return nil
			}
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return fmt.Errorf("timed out waiting for %s", want)
		}
	}
}

func summarize(samples stageSamples) []stageSummary {
	stages := make([]string, 0, len(samples))
	for stage := range samples {
		stages = append(stages, stage)
	}
	sort.Strings(stages)

	out := make([]stageSummary, 0, len(stages))
	for _, stage := range stages {
		values := append([]float64(nil), samples[stage]...)
		sort.Float64s(values)
		out = append(out, stageSummary{
			Stage: stage,
			Count: len(values),
			P50MS: percentile(values, 0.50),
			P95MS: percentile(values, 0.95),
			MaxMS: values[len(values)-1],
		})
	}
	return out
}

// percentile uses nearest-rank on sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
