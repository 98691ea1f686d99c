package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/pkg/schema"
)

type captured struct {
	mu      sync.Mutex
	method  string
	headers http.Header
	body    Payload
	calls   int
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.calls++
		c.method = r.Method
		c.headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestSend_PostsJSONWithExpandedHeaders(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK)
	t.Setenv("STEPGATE_HOOK_TOKEN", "s3cret")

	n := NewNotifier(time.Second, nil)
	err := n.Send(context.Background(), &schema.WebhookEndpoint{
		URL: srv.URL,
		Headers: map[string]string{
			"Authorization": "Bearer ${STEPGATE_HOOK_TOKEN}",
			"X-Unknown":     "${STEPGATE_NOT_SET_ANYWHERE}",
		},
	}, Payload{Event: schema.EventExecutionCompleted, ExecutionID: "e1", Status: "completed"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "Bearer s3cret", got.headers.Get("Authorization"))
	assert.Equal(t, "${STEPGATE_NOT_SET_ANYWHERE}", got.headers.Get("X-Unknown"))
	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
	assert.Equal(t, "e1", got.body.ExecutionID)
}

func TestSend_Put(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusNoContent)
	n := NewNotifier(0, nil)
	require.NoError(t, n.Send(context.Background(), &schema.WebhookEndpoint{URL: srv.URL, Method: "put"}, Payload{}))
	assert.Equal(t, http.MethodPut, got.method)
}

func TestSend_Errors(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusInternalServerError)
	n := NewNotifier(time.Second, nil)
	ctx := context.Background()

	err := n.Send(ctx, &schema.WebhookEndpoint{URL: srv.URL}, Payload{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))

	err = n.Send(ctx, &schema.WebhookEndpoint{URL: srv.URL, Method: "DELETE"}, Payload{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = n.Send(ctx, &schema.WebhookEndpoint{URL: srv.URL, Timeout: "soon"}, Payload{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.NoError(t, n.Send(ctx, nil, Payload{}), "no endpoint is a no-op")
}

func TestSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	n := NewNotifier(time.Second, nil)
	err := n.Send(context.Background(), &schema.WebhookEndpoint{URL: srv.URL, Timeout: "50ms"}, Payload{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestNotify_SwallowsFailures(t *testing.T) {
	ok, okGot := newCaptureServer(t, http.StatusOK)
	bad, badGot := newCaptureServer(t, http.StatusBadGateway)

	n := NewNotifier(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, &schema.WebhookEndpoint{URL: ok.URL}, Payload{Event: "a"})
	n.Notify(ctx, &schema.WebhookEndpoint{URL: bad.URL}, Payload{Event: "b"})
	n.Notify(ctx, nil, Payload{})
	cancel() // delivery does not depend on the caller's context
	n.Wait()

	assert.Equal(t, 1, okGot.calls)
	assert.Equal(t, 1, badGot.calls)
}
