// ABOUTME: Executor that forwards commands to a modem control endpoint over HTTP
// ABOUTME: Commands are POSTed as JSON and answered with a JSON Result

package modem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxResponseBytes bounds the body read from the control endpoint.
const maxResponseBytes = 1 << 20

// HTTPExecutor posts each command to URL and decodes the Result.
type HTTPExecutor struct {
	URL    string
	Client *http.Client
	logger *slog.Logger
}

// NewHTTPExecutor creates an executor for the given control endpoint.
func NewHTTPExecutor(url string, client *http.Client, logger *slog.Logger) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPExecutor{URL: url, Client: client, logger: logger.With("component", "modem-http")}
}

// Execute implements Executor.
func (h *HTTPExecutor) Execute(ctx context.Context, cmd Command) (Result, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return Result{}, fmt.Errorf("encoding command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("posting command: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		h.logger.Warn("modem rejected command", "action", cmd.Name(), "status", resp.StatusCode)
		return Result{}, fmt.Errorf("modem returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("decoding response: %w", err)
	}
	h.logger.Debug("modem answered", "action", cmd.Name(), "success", res.Success)
	return res, nil
}
