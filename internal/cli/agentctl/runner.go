package agentctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pebble/pebble-agent/internal/config"
	"github.com/pebble/pebble-agent/internal/guard"
	"github.com/pebble/pebble-agent/internal/observability"
)

type Options struct {
	OpsURL     string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client

	// Lookup resolves agent configuration for the validate command.
	Lookup config.LookupFunc
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// exitError carries a non-default exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

// Run executes pebblectl with args and returns the process exit code.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCmd(defaults, stdout)
	root.SetArgs(args)
	if defaults.Stdin != nil {
		root.SetIn(defaults.Stdin)
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		return 2
	}
	return 0
}

func newRootCmd(defaults Options, stdout io.Writer) *cobra.Command {
	var (
		opsURL  string
		token   string
		timeout time.Duration
	)

	root := &cobra.Command{
		Use:           "pebblectl",
		Short:         "Operate a running Pebble agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opsURL, "ops-url", firstNonEmpty(defaults.OpsURL, "http://localhost:9090"), "agent ops server URL")
	root.PersistentFlags().StringVar(&token, "token", defaults.Token, "ops token for protected endpoints")
	root.PersistentFlags().DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")

	get := func(path string) func(cmd *cobra.Command, _ []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			client := defaults.HTTPClient
			if client == nil {
				client = &http.Client{Timeout: timeout}
			}
			endpoint := strings.TrimRight(opsURL, "/") + path
			code, body, err := doRequest(cmd.Context(), client, endpoint, token)
			if err != nil {
				return &exitError{code: 1, err: fmt.Errorf("request failed: %w", err)}
			}
			if code >= 400 {
				return &exitError{code: 1, err: fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(body)))}
			}
			writeBody(stdout, body)
			return nil
		}
	}

	root.AddCommand(
		&cobra.Command{Use: "health", Short: "Check agent liveness", Args: cobra.NoArgs, RunE: get("/v1/health")},
		&cobra.Command{Use: "ready", Short: "Check whether any worker has reached the backend", Args: cobra.NoArgs, RunE: get("/v1/ready")},
		&cobra.Command{Use: "workers", Short: "Show per-worker state and counters", Args: cobra.NoArgs, RunE: get("/v1/workers")},
		newValidateCmd(defaults, stdout),
		newCheckSQLCmd(stdout),
	)
	return root
}

func newValidateCmd(defaults Options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate agent configuration from the environment",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if defaults.Lookup == nil {
				return errors.New("no configuration source")
			}
			cfg, err := config.Load("pebble-agent", defaults.Lookup)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			return printJSON(stdout, map[string]any{
				"valid":            true,
				"api_url":          cfg.Backend.URL,
				"agent_key":        observability.MaskSecret(cfg.Backend.AgentKey),
				"company_id":       cfg.Backend.CompanyID,
				"instance":         cfg.Database.InstanceConnectionName(),
				"database":         cfg.Database.Name,
				"iam_user":         cfg.Database.IAMUser,
				"ip_type":          cfg.Database.IPType,
				"num_workers":      cfg.Worker.Count,
				"poll_interval":    cfg.Worker.PollInterval.String(),
				"max_result_rows":  cfg.Limits.MaxRows,
				"max_result_bytes": cfg.Limits.MaxBytes,
			})
		},
	}
}

func newCheckSQLCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check-sql QUERY",
		Short: "Run the read-only guard against a query without executing it",
		Long:  "Runs the read-only guard against QUERY. Pass - to read the query from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]
			if query == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read query from stdin: %w", err)
				}
				query = string(raw)
			}
			outcome := guard.Validate(query)
			if err := printJSON(stdout, map[string]any{"valid": outcome.Valid, "reason": outcome.Reason}); err != nil {
				return err
			}
			if !outcome.Valid {
				return &exitError{code: 1, err: errors.New(outcome.Reason)}
			}
			return nil
		},
	}
}

func doRequest(ctx context.Context, client *http.Client, url, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("X-Ops-Token", strings.TrimSpace(token))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func writeBody(w io.Writer, body []byte) {
	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(w, pretty)
		return
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(w, string(body))
	}
}

func printJSON(w io.Writer, value any) error {
	formatted, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(formatted))
	return err
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

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
