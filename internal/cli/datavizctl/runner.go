package datavizctl

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
	TraceID    string
	DatasetID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
	// ReadFile loads upload bodies; os.ReadFile when nil.
	ReadFile   func(name string) ([]byte, error)
}

type request struct {
	method      string
	path        string
	body        []byte
	contentType string
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

	fs := flag.NewFlagSet("datavizctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "data-viz API base URL")
	traceID := fs.String("trace-id", defaults.TraceID, "X-Trace-ID to send so server logs can be correlated")
	datasetID := fs.String("dataset", defaults.DatasetID, "dataset id for ask, session-create, recent, schema and tables")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 3*time.Minute), "HTTP timeout (e.g. 90s)")

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
	readFile := defaults.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}

	command := strings.TrimSpace(fs.Arg(0))
	req, err := buildRequest(command, fs.Args()[1:], strings.TrimSpace(*datasetID), readFile, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *traceID)
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

func buildRequest(command string, args []string, datasetID string, readFile func(string) ([]byte, error), stderr io.Writer) (request, error) {
	cmd := flag.NewFlagSet(command, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	limit := cmd.Int("limit", 0, "maximum number of items to return")
	session := cmd.String("session", "", "session id to continue")
	user := cmd.String("user", "", "user identifier for new sessions")
	if err := cmd.Parse(args); err != nil {
		return request{}, err
	}
	rest := cmd.Args()

	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "ask":
		question := strings.TrimSpace(strings.Join(rest, " "))
		if question == "" {
			return request{}, fmt.Errorf("ask requires a question")
		}
		if datasetID == "" {
			return request{}, fmt.Errorf("ask requires -dataset")
		}
		return jsonRequest(http.MethodPost, "/v1/ask", map[string]string{
			"question":        question,
			"dataset_id":      datasetID,
			"session_id":      strings.TrimSpace(*session),
			"user_identifier": strings.TrimSpace(*user),
		})
	case "session-create":
		if datasetID == "" {
			return request{}, fmt.Errorf("session-create requires -dataset")
		}
		return jsonRequest(http.MethodPost, "/v1/sessions", map[string]string{
			"dataset_id":      datasetID,
			"user_identifier": strings.TrimSpace(*user),
		})
	case "history", "stats":
		if len(rest) != 1 {
			return request{}, fmt.Errorf("%s requires exactly one session id", command)
		}
		path := "/v1/sessions/" + url.PathEscape(rest[0]) + "/" + command
		if command == "history" {
			path += limitQuery(*limit)
		}
		return request{method: http.MethodGet, path: path}, nil
	case "recent":
		if datasetID == "" {
			return request{}, fmt.Errorf("recent requires -dataset")
		}
		return request{method: http.MethodGet, path: "/v1/datasets/" + url.PathEscape(datasetID) + "/recent-questions" + limitQuery(*limit)}, nil
	case "datasets":
		return request{method: http.MethodGet, path: "/v1/datasets"}, nil
	case "schema", "tables":
		if datasetID == "" {
			return request{}, fmt.Errorf("%s requires -dataset", command)
		}
		return request{method: http.MethodGet, path: "/v1/datasets/" + url.PathEscape(datasetID) + "/" + command}, nil
	case "upload":
		if datasetID == "" || len(rest) != 2 {
			return request{}, fmt.Errorf("upload requires -dataset, a table name and a parquet file")
		}
		body, err := readFile(rest[1])
		if err != nil {
			return request{}, fmt.Errorf("read %s: %w", rest[1], err)
		}
		return request{
			method:      http.MethodPut,
			path:        "/v1/datasets/" + url.PathEscape(datasetID) + "/tables/" + url.PathEscape(rest[0]),
			body:        body,
			contentType: "application/vnd.apache.parquet",
		}, nil
	case "retention-run":
		return request{method: http.MethodPost, path: "/v1/retention/run"}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func jsonRequest(method, path string, payload map[string]string) (request, error) {
	for key, value := range payload {
		if value == "" {
			delete(payload, key)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return request{}, fmt.Errorf("encode request: %w", err)
	}
	return request{method: method, path: path, body: body, contentType: "application/json"}, nil
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}

func doRequest(ctx context.Context, client *http.Client, in request, url, traceID string) (int, []byte, error) {
	var body io.Reader
	if in.body != nil {
		body = bytes.NewReader(in.body)
	}
	req, err := http.NewRequestWithContext(ctx, in.method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in.contentType != "" {
		req.Header.Set("Content-Type", in.contentType)
	}
	if strings.TrimSpace(traceID) != "" {
		req.Header.Set("X-Trace-ID", strings.TrimSpace(traceID))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
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
	_, _ = fmt.Fprintln(w, "usage: datavizctl [flags] <command> [command flags] [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                          GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                           GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  ask [-session id] <question>    POST /v1/ask")
	_, _ = fmt.Fprintln(w, "  session-create [-user name]     POST /v1/sessions")
	_, _ = fmt.Fprintln(w, "  history [-limit n] <session>    GET /v1/sessions/{session}/history")
	_, _ = fmt.Fprintln(w, "  stats <session>                 GET /v1/sessions/{session}/stats")
	_, _ = fmt.Fprintln(w, "  recent [-limit n]               GET /v1/datasets/{dataset}/recent-questions")
	_, _ = fmt.Fprintln(w, "  datasets                        GET /v1/datasets")
	_, _ = fmt.Fprintln(w, "  schema                          GET /v1/datasets/{dataset}/schema")
	_, _ = fmt.Fprintln(w, "  tables                          GET /v1/datasets/{dataset}/tables")
	_, _ = fmt.Fprintln(w, "  upload <table> <file.parquet>   PUT /v1/datasets/{dataset}/tables/{table}")
	_, _ = fmt.Fprintln(w, "  retention-run                   POST /v1/retention/run")
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
