// Package generator holds the Generator implementations the daemon can run.
package generator

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

	"github.com/rs/zerolog"

	"github.com/mohans/genqueue/progress"
	"github.com/mohans/genqueue/worker"
)

// ErrMissingURL indicates that the HTTP generator was configured without an endpoint.
var ErrMissingURL = errors.New("generator: url is required")

const maxResponseBytes = 8 << 20

// Options configures the HTTP generator.
type Options struct {
	URL        string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// HTTP forwards the job request to a remote generation service and returns
// its JSON response body as the job result.
type HTTP struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHTTP(opts Options) (*HTTP, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, ErrMissingURL
	}
	client := opts.HTTPClient
	if client == nil {
		// per-call deadlines come from the context
		client = &http.Client{}
	}
	return &HTTP{url: url, client: client, log: opts.Logger}, nil
}

// Generate classifies failures for the worker: timeouts, 429 and 5xx are
// transient; any other non-2xx status or an unreadable body is fatal.
func (g *HTTP) Generate(ctx context.Context, request json.RawMessage, p progress.Reporter) (json.RawMessage, error) {
	p.SetTotalSteps(2)
	p.Report("request", 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(request))
	if err != nil {
		return nil, worker.Fatal(fmt.Errorf("generator: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, worker.Transient(fmt.Errorf("generator: call %s: %w", g.url, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, worker.Transient(fmt.Errorf("generator: read response: %w", err))
	}
	g.log.Debug().Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("generator responded")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := statusError(resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, worker.Transient(err)
		}
		return nil, worker.Fatal(err)
	}

	p.Report("response", 90)
	if !json.Valid(body) {
		return nil, worker.Fatal(errors.New("generator: response is not valid JSON"))
	}
	return json.RawMessage(body), nil
}

func statusError(code int, body []byte) error {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		if er.Code != "" {
			return fmt.Errorf("generator: status %d: %s: %s", code, er.Code, er.Message)
		}
		return fmt.Errorf("generator: status %d: %s", code, er.Message)
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	return fmt.Errorf("generator: status %d: %s", code, msg)
}
