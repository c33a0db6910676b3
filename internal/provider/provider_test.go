package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicComplete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
"content":[{"type":"text","text":"{\"label\":"},{"type":"text","text":"\"consider\"}"}],
"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":3}}`)
	}))
	defer srv.Close()

	a := NewAnthropic(AnthropicOptions{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second})
	resp, err := a.Complete(context.Background(), Request{
		Model:     "claude-test",
		System:    "be terse",
		Messages:  []Message{{Role: "user", Content: "Ticker: AAA"}},
		MaxTokens: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"label":"consider"}`, resp.Text)
	assert.Equal(t, int64(12), resp.Usage.InputTokens)
	assert.Equal(t, int64(3), resp.Usage.OutputTokens)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "claude-test", body["model"])
	assert.EqualValues(t, 100, body["max_tokens"])
}

func TestAnthropicStatusErrors(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	}))
	defer srv.Close()
	a := NewAnthropic(AnthropicOptions{APIKey: "k", BaseURL: srv.URL})
	req := Request{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}, MaxTokens: 10}

	_, err := a.Complete(context.Background(), req)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.False(t, Retryable(err))

	status = http.StatusTooManyRequests
	_, err = a.Complete(context.Background(), req)
	assert.True(t, Retryable(err))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&StatusError{StatusCode: 503}))
	assert.True(t, Retryable(&StatusError{StatusCode: 529}))
	assert.False(t, Retryable(&StatusError{StatusCode: 401}))
	assert.True(t, Retryable(errors.New("connection reset")))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(nil))
}

type countingProvider struct{ calls int }

func (c *countingProvider) Complete(context.Context, Request) (Response, error) {
	c.calls++
	return Response{Text: "ok"}, nil
}

func TestRateLimited(t *testing.T) {
	next := &countingProvider{}
	assert.Same(t, Provider(next), NewRateLimited(next, 0, 0))

	limited := NewRateLimited(next, 1000, 1)
	for i := 0; i < 3; i++ {
		_, err := limited.Complete(context.Background(), Request{})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, next.calls)

	slow := NewRateLimited(next, 0.001, 1)
	_, _ = slow.Complete(context.Background(), Request{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := slow.Complete(ctx, Request{})
	assert.Error(t, err)
}
