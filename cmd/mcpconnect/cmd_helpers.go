package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/cli/output"
	"github.com/u2sebau2/librechat-custom-sub004/internal/cliclient"
	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
)

const daemonProbeTimeout = time.Second

// daemonClient returns a client for a running server on the configured
// listen address, or nil when none answers
func daemonClient(ctx context.Context, cfg *config.Config) *cliclient.Client {
	if cfg.Listen == "" {
		return nil
	}
	client := cliclient.NewClient(cfg.Listen, nil)
	probeCtx, cancel := context.WithTimeout(ctx, daemonProbeTimeout)
	defer cancel()
	if err := client.Ping(probeCtx); err != nil {
		return nil
	}
	return client
}

// formatErrorWithRequestID formats an error for CLI output, including request_id if available.
func formatErrorWithRequestID(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *cliclient.APIError
	if errors.As(err, &apiErr) && apiErr.HasRequestID() {
		return apiErr.FormatWithRequestID()
	}
	return err.Error()
}

// cliError returns a formatted error suitable for CLI output.
func cliError(prefix string, err error) error {
	return fmt.Errorf("%s: %s", prefix, formatErrorWithRequestID(err))
}

// parseKeyValues turns repeated KEY=VALUE flags into a map
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid value %q (expected KEY=VALUE)", pair)
		}
		out[key] = value
	}
	return out, nil
}

// printTable writes rows in the selected output format
func printTable(w io.Writer, format string, headers []string, rows [][]string) error {
	formatter, err := output.NewFormatter(output.ResolveFormat(format))
	if err != nil {
		return err
	}
	text, err := formatter.FormatTable(headers, rows)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, ensureNewline(text))
	return err
}

// printData writes structured data; table format falls back to JSON
func printData(w io.Writer, format string, data interface{}) error {
	format = output.ResolveFormat(format)
	if strings.EqualFold(format, "table") {
		format = "json"
	}
	formatter, err := output.NewFormatter(format)
	if err != nil {
		return err
	}
	text, err := formatter.Format(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, ensureNewline(text))
	return err
}

// printError writes a structured error in the selected output format
func printError(w io.Writer, format string, serr output.StructuredError) {
	formatter, err := output.NewFormatter(output.ResolveFormat(format))
	if err != nil {
		formatter = &output.TableFormatter{}
	}
	text, err := formatter.FormatError(serr)
	if err != nil {
		text = serr.Message
	}
	fmt.Fprint(w, ensureNewline(text))
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
