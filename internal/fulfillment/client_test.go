package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(Config{APIKey: "key", BaseURL: srv.URL, PollInterval: 5 * time.Millisecond}, log)
}

func statusBody(state, resultJSON string) string {
	b, _ := json.Marshal(map[string]any{
		"code": 200,
		"data": map[string]any{"state": state, "resultJson": resultJSON, "failMsg": "boom", "failCode": "500"},
	})
	return string(b)
}

type stubAPI struct {
	polls    atomic.Int32
	states   []string
	result   string
	lastBody map[string]any
}

func (s *stubAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch r.URL.Path {
	case "/api/v1/jobs/createTask":
		_ = json.NewDecoder(r.Body).Decode(&s.lastBody)
		_, _ = io.WriteString(w, `{"code":200,"data":{"taskId":"t-1"}}`)
	case "/api/v1/jobs/recordInfo":
		if r.URL.Query().Get("taskId") != "t-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		n := int(s.polls.Add(1)) - 1
		state := s.states[len(s.states)-1]
		if n < len(s.states) {
			state = s.states[n]
		}
		_, _ = io.WriteString(w, statusBody(state, s.result))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestFulfillSuccessAfterPolling(t *testing.T) {
	api := &stubAPI{states: []string{"waiting", "generating", "success"}, result: `{"resultUrls":["https://cdn/a.png","https://cdn/b.png"]}`}
	c := newTestClient(t, api)

	res, err := c.Fulfill(context.Background(), Request{Kind: KindGenerate, Prompt: "a cat"})
	if err != nil {
		t.Fatalf("Fulfill() error: %v", err)
	}
	if len(res.Outputs) != 2 || res.Outputs[0] != "https://cdn/a.png" {
		t.Errorf("Outputs = %v", res.Outputs)
	}
	if got := api.polls.Load(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
	if api.lastBody["model"] != "nano-banana-pro" {
		t.Errorf("model = %v", api.lastBody["model"])
	}
}

func TestFulfillFailures(t *testing.T) {
	tests := []struct {
		name          string
		states        []string
		result        string
		wantMalformed bool
	}{
		{"explicit fail", []string{"fail"}, "", false},
		{"empty result", []string{"success"}, "", true},
		{"no urls", []string{"success"}, `{"resultUrls":[]}`, true},
		{"garbage result", []string{"success"}, `not json`, true},
		{"unknown state", []string{"exploded"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &stubAPI{states: tt.states, result: tt.result})
			_, err := c.Fulfill(context.Background(), Request{Kind: KindGenerate, Prompt: "x"})
			if err == nil {
				t.Fatal("Fulfill() should fail")
			}
			if got := errors.Is(err, ErrMalformed); got != tt.wantMalformed {
				t.Errorf("errors.Is(ErrMalformed) = %v, want %v (err=%v)", got, tt.wantMalformed, err)
			}
		})
	}
}

func TestFulfillHonoursDeadline(t *testing.T) {
	c := newTestClient(t, &stubAPI{states: []string{"waiting"}})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Fulfill(ctx, Request{Kind: KindGenerate, Prompt: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fulfill() error = %v, want deadline exceeded", err)
	}
}

func TestFulfillHTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	if _, err := c.Fulfill(context.Background(), Request{Kind: KindGenerate, Prompt: "x"}); err == nil {
		t.Fatal("Fulfill() should fail on 502")
	}
}

func TestBuildPayload(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://x"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"generate", Request{Kind: KindGenerate, Prompt: "p"}, false},
		{"edit", Request{Kind: KindEdit, Prompt: "p", InputRefs: []string{"https://cdn/a.png"}}, false},
		{"edit without input", Request{Kind: KindEdit, Prompt: "p"}, true},
		{"watermark", Request{Kind: KindWatermark, InputRefs: []string{"https://cdn/a.png"}}, false},
		{"watermark two inputs", Request{Kind: KindWatermark, InputRefs: []string{"a", "b"}}, true},
		{"unknown", Request{Kind: "paint"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.buildPayload(tt.req)
			if (err != nil) != tt.wantErr {
				t.Errorf("buildPayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
