package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pebble/pebble-agent/internal/cli/agentctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("PEBBLE_CLI_TIMEOUT")), 10*time.Second)
	options := agentctl.Options{
		OpsURL:  envOr("PEBBLE_OPS_URL", "http://localhost:9090"),
		Token:   strings.TrimSpace(os.Getenv("PEBBLE_OPS_TOKEN")),
		Timeout: timeout,
		Lookup:  os.LookupEnv,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	code := agentctl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid PEBBLE_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
