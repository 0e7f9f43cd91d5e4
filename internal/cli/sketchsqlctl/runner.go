package sketchsqlctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sketchsqlctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sketchsql API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")
	input := fs.String("input", "", "JSON request body file for pack/unpack/encode (- reads stdin)")
	step := fs.Int64("step", -1, "checkpoint step; checkpoint-restore without it restores the latest")
	limit := fs.Int("limit", 0, "maximum checkpoints to list (0 lists all)")
	runID := fs.String("run-id", "", "run id for packed-batches and integrity-run")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	var (
		method string
		path   string
		body   []byte
		err    error
	)
	switch command {
	case "health":
		method, path = http.MethodGet, "/v1/health"
	case "ready":
		method, path = http.MethodGet, "/v1/ready"
	case "pack", "unpack", "encode":
		method, path = http.MethodPost, "/v1/"+command
		body, err = readInput(*input, defaults.Stdin)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", command, err)
			return 2
		}
	case "checkpoints":
		method, path = http.MethodGet, "/v1/checkpoints"
		if *limit > 0 {
			path += "?limit=" + strconv.Itoa(*limit)
		}
	case "checkpoint-save":
		if *step < 0 {
			_, _ = fmt.Fprintln(stderr, "checkpoint-save: -step is required")
			return 2
		}
		method, path = http.MethodPost, "/v1/checkpoints"
		body, _ = json.Marshal(map[string]any{"step": *step})
	case "checkpoint-restore":
		method, path = http.MethodPost, "/v1/checkpoints/restore"
		payload := map[string]any{}
		if *step >= 0 {
			payload["step"] = *step
		}
		body, _ = json.Marshal(payload)
	case "packed-batches":
		if strings.TrimSpace(*runID) == "" {
			_, _ = fmt.Fprintln(stderr, "packed-batches: -run-id is required")
			return 2
		}
		method, path = http.MethodGet, "/v1/packed-batches?run_id="+url.QueryEscape(strings.TrimSpace(*runID))
	case "integrity-run":
		method, path = http.MethodPost, "/v1/integrity/run"
		body, _ = json.Marshal(map[string]any{"run_id": strings.TrimSpace(*runID)})
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + path
	code, responseBody, err := doRequest(ctx, client, method, endpoint, *apiKey, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch strings.TrimSpace(path) {
	case "":
		return nil, fmt.Errorf("-input is required")
	case "-":
		if stdin == nil {
			return nil, fmt.Errorf("stdin is not available")
		}
		raw, err = io.ReadAll(stdin)
	default:
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return raw, nil
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sketchsqlctl [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health               GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  pack                 POST /v1/pack (-input)")
	_, _ = fmt.Fprintln(w, "  unpack               POST /v1/unpack (-input)")
	_, _ = fmt.Fprintln(w, "  encode               POST /v1/encode (-input)")
	_, _ = fmt.Fprintln(w, "  checkpoints          GET /v1/checkpoints (-limit)")
	_, _ = fmt.Fprintln(w, "  checkpoint-save      POST /v1/checkpoints (-step)")
	_, _ = fmt.Fprintln(w, "  checkpoint-restore   POST /v1/checkpoints/restore (-step, default latest)")
	_, _ = fmt.Fprintln(w, "  packed-batches       GET /v1/packed-batches (-run-id)")
	_, _ = fmt.Fprintln(w, "  integrity-run        POST /v1/integrity/run (-run-id, default all configured runs)")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
