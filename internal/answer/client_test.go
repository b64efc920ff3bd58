package answer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wabridge/internal/domain"
	"wabridge/internal/metrics"
)

const testFallback = "AI servisine ulaşamadım. Birazdan tekrar dene."

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(url string, timeout time.Duration) *Client {
	return NewClient(Config{
		BaseURL:         url,
		Secret:          "hello",
		Timeout:         timeout,
		FallbackMessage: testFallback,
		Logger:          testLogger(),
	})
}

func TestAsk_SendsRequestContract(t *testing.T) {
	var got domain.AnswerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/answer" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		if auth := r.Header.Get("X-Auth"); auth != "hello" {
			t.Errorf("X-Auth = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"answer":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL+"/", time.Second) // trailing slash is trimmed
	answer := c.Ask(context.Background(), "what time is it", domain.RelayContext{
		User: "Ayşe", ChatID: "123@g.us", IsGroup: true,
	})

	if answer != "ok" {
		t.Fatalf("answer = %q", answer)
	}
	want := domain.AnswerRequest{Text: "what time is it", User: "Ayşe", ChatID: "123@g.us", IsGroup: true}
	if got != want {
		t.Fatalf("request = %+v, want %+v", got, want)
	}
}

func TestAsk_RawJSONFieldNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		json.NewDecoder(r.Body).Decode(&raw)
		for _, key := range []string{"text", "user", "chat_id", "is_group"} {
			if _, ok := raw[key]; !ok {
				t.Errorf("missing field %q in %v", key, raw)
			}
		}
		w.Write([]byte(`{"answer":"x"}`))
	}))
	defer srv.Close()

	newTestClient(srv.URL, time.Second).Ask(context.Background(), "p", domain.RelayContext{})
}

func TestAsk_TrimsAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer": "  hi there  ", "model": "ignored"}`))
	}))
	defer srv.Close()

	if got := newTestClient(srv.URL, time.Second).Ask(context.Background(), "p", domain.RelayContext{}); got != "hi there" {
		t.Fatalf("expected trimmed answer, got %q", got)
	}
}

func TestAsk_AnswerCoercion(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"missing field", `{}`, ""},
		{"null", `{"answer": null}`, ""},
		{"number", `{"answer": 42}`, "42"},
		{"zero", `{"answer": 0}`, ""},
		{"true", `{"answer": true}`, "true"},
		{"false", `{"answer": false}`, ""},
		{"object", `{"answer": {"a": 1}}`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			if got := newTestClient(srv.URL, time.Second).Ask(context.Background(), "p", domain.RelayContext{}); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsk_FallbackOnNonSuccessStatus(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{"answer":"should not be used"}`))
		}))

		got := newTestClient(srv.URL, time.Second).Ask(context.Background(), "p", domain.RelayContext{})
		srv.Close()
		if got != testFallback {
			t.Errorf("status %d: expected fallback, got %q", status, got)
		}
	}
}

func TestAsk_FallbackOnMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	if got := newTestClient(srv.URL, time.Second).Ask(context.Background(), "p", domain.RelayContext{}); got != testFallback {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestAsk_FallbackOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	before := metrics.AnswerFallbacks.Value()
	start := time.Now()
	got := newTestClient(srv.URL, 50*time.Millisecond).Ask(context.Background(), "p", domain.RelayContext{})
	elapsed := time.Since(start)

	if got != testFallback {
		t.Fatalf("expected fallback, got %q", got)
	}
	if elapsed > time.Second {
		t.Fatalf("request was not cancelled at the timeout, took %v", elapsed)
	}
	if metrics.AnswerFallbacks.Value() != before+1 {
		t.Fatalf("expected fallback counter to increase")
	}
}

func TestAsk_FallbackOnUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if got := newTestClient(url, time.Second).Ask(context.Background(), "p", domain.RelayContext{}); got != testFallback {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestAnswer_ReturnsTypedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).Answer(context.Background(), "p", domain.RelayContext{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", se.StatusCode)
	}
}

func TestAnswer_TimeoutWrapsDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 20*time.Millisecond).Answer(context.Background(), "p", domain.RelayContext{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:8000"})
	if c.timeout != 20*time.Second {
		t.Fatalf("expected 20s default, got %v", c.timeout)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL, time.Second).Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
}

func TestHealth_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL, time.Second).Health(context.Background()); err == nil {
		t.Fatal("expected error for 503")
	}
}
