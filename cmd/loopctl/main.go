// Package main implements loopctl, the command-line client for the loopd
// HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

const defaultServer = "http://127.0.0.1:9191"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the persistent flags shared by every subcommand.
type cli struct {
	server  string
	timeout time.Duration
	client  *http.Client
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "loopctl",
		Short: "CLI for the loopd HTTP API",
		Long: `loopctl drives a running loopd server: classify signals, manage loops and
workstreams, record feedback and trigger weight maintenance.

Responses are printed as indented JSON.`,
		Version:      version,
		SilenceUsage: true,
	}
	defaultURL := os.Getenv("LOOPD_SERVER")
	if defaultURL == "" {
		defaultURL = defaultServer
	}
	root.PersistentFlags().StringVar(&c.server, "server", defaultURL, "loopd server URL (env LOOPD_SERVER)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		c.healthCmd(),
		c.classifyCmd(),
		c.loopCmd(),
		c.feedbackCmd(),
		c.recomputeCmd(),
		c.workstreamCmd(),
		c.sweepCmd(),
	)
	return root
}

// apiError is a non-2xx response from loopd.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned status %d: %s: %s", e.Status, e.Code, e.Message)
}

// call sends body as JSON and returns the raw response body.
func (c *cli) call(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	endpoint := strings.TrimRight(c.server, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.client
	if client == nil {
		client = &http.Client{Timeout: c.timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return data, nil
}

// printJSON re-indents a JSON response onto the command's output.
func printJSON(cmd *cobra.Command, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(buf.Bytes())
	return err
}

// run is the common RunE body: one request, JSON printed.
func (c *cli) run(cmd *cobra.Command, method, path string, query url.Values, body any) error {
	data, err := c.call(cmd.Context(), method, path, query, body)
	if err != nil {
		return err
	}
	return printJSON(cmd, data)
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check loopd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, http.MethodGet, "/health", nil, nil)
		},
	}
}
