// Package webhook posts best-effort lifecycle notifications for pipelines.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rendis/stepgate/pkg/schema"
)

// DefaultTimeout applies when neither the endpoint nor the notifier sets one.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is kept for the log.
const maxErrorBody = 2048

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Payload is the JSON body of every notification.
type Payload struct {
	Event        string         `json:"event"`
	ExecutionID  string         `json:"execution_id"`
	PipelineName string         `json:"pipeline_name"`
	Status       string         `json:"status"`
	StepID       string         `json:"step_id,omitempty"`
	Token        string         `json:"token,omitempty"`
	Message      string         `json:"message,omitempty"`
	ApproveURL   string         `json:"approve_url,omitempty"`
	RejectURL    string         `json:"reject_url,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Error        string         `json:"error,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Notifier sends webhooks.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	lookup  func(string) (string, bool)
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier. timeout <= 0 uses DefaultTimeout.
func NewNotifier(timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:  &http.Client{},
		timeout: timeout,
		lookup:  os.LookupEnv,
		logger:  logger,
	}
}

// Send delivers payload to endpoint synchronously. Non-2xx responses are errors.
func (n *Notifier) Send(ctx context.Context, endpoint *schema.WebhookEndpoint, payload any) error {
	if endpoint == nil || endpoint.URL == "" {
		return nil
	}

	method := strings.ToUpper(endpoint.Method)
	switch method {
	case "":
		method = http.MethodPost
	case http.MethodPost, http.MethodPut:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook method %s not supported (POST or PUT)", method)
	}

	timeout := n.timeout
	if endpoint.Timeout != "" {
		d, err := time.ParseDuration(endpoint.Timeout)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "webhook timeout %q: %s", endpoint.Timeout, err.Error())
		}
		timeout = d
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "webhook: failed to marshal payload").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook: invalid url %q", endpoint.URL).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "stepgate-webhook")
	for k, v := range endpoint.Headers {
		req.Header.Set(k, n.ExpandEnv(v))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return schema.NewErrorf(schema.ErrCodeTimeout, "webhook %s timed out after %s", endpoint.URL, timeout).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeExecution, "webhook %s: %s", endpoint.URL, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return schema.NewErrorf(schema.ErrCodeExecution, "webhook %s returned %d", endpoint.URL, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(snippet)})
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Notify sends in the background. Failures are logged and never returned.
func (n *Notifier) Notify(ctx context.Context, endpoint *schema.WebhookEndpoint, payload any) {
	if endpoint == nil || endpoint.URL == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("webhook panic", slog.String("url", endpoint.URL), slog.String("panic", fmt.Sprint(r)))
			}
		}()
		if err := n.Send(ctx, endpoint, payload); err != nil {
			n.logger.Warn("webhook delivery failed",
				slog.String("url", endpoint.URL),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// ExpandEnv replaces ${VAR} with the environment value. Unknown variables are left verbatim.
func (n *Notifier) ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		if v, ok := n.lookup(name); ok {
			return v
		}
		return ref
	})
}
