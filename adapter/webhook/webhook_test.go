package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/kiln/adapter"
	"github.com/pithecene-io/kiln/iox"
	"github.com/pithecene-io/kiln/retry"
)

func testEvent() *adapter.JobCompletedEvent {
	return &adapter.JobCompletedEvent{
		ContractVersion: "0.3.0",
		EventType:       adapter.EventTypeJobCompleted,
		JobID:           "01JABCDEF0123456789ABCDEFG",
		Status:          "failed",
		Result:          "failure",
		Reason:          "content-defect",
		Message:         "content defect after 3 attempts: retry budget exhausted; last diagnostics: undefined-control-sequence",
		Attempts:        3,
		ReportKey:       "jobs/01JABCDEF0123456789ABCDEFG/report.json",
		Timestamp:       "2026-02-07T12:00:00Z",
		DurationMs:      9100,
	}
}

func TestPublish_Success(t *testing.T) {
	var received adapter.JobCompletedEvent
	var jobHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		jobHeader = r.Header.Get("X-Kiln-Job")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if received.JobID != "01JABCDEF0123456789ABCDEFG" || jobHeader != received.JobID {
		t.Errorf("job id body=%s header=%s", received.JobID, jobHeader)
	}
	if received.Reason != "content-defect" {
		t.Errorf("expected content-defect, got %s", received.Reason)
	}
}

func TestPublish_CustomHeaders(t *testing.T) {
	var authHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{
		URL:     ts.URL,
		Headers: map[string]string{"Authorization": "Bearer test-token"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if authHeader != "Bearer test-token" {
		t.Errorf("expected Bearer test-token, got %s", authHeader)
	}
}

func TestPublish_RetriesOnFailure(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL, Retries: 3, Backoff: retry.NoDelay()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish should succeed after retries: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestPublish_StatusHandling(t *testing.T) {
	tests := []struct {
		code         int
		wantErr      bool
		wantAttempts int32
	}{
		{200, false, 1},
		{202, false, 1},
		{204, false, 1},
		{400, true, 1},
		{401, true, 1},
		{404, true, 1},
		{500, true, 3},
		{503, true, 3},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			var attempts atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.code)
			}))
			defer ts.Close()

			a, err := New(Config{URL: ts.URL, Retries: 2, Backoff: retry.NoDelay()})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer iox.DiscardClose(a)

			err = a.Publish(t.Context(), testEvent())
			if (err != nil) != tt.wantErr {
				t.Fatalf("publish error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("expected %d attempts, got %d", tt.wantAttempts, got)
			}
		})
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	defer close(release)

	a, err := New(Config{URL: ts.URL, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := New(Config{URL: "http://example.com", Retries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}

	a, err := New(Config{URL: "http://example.com"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, a.config.Timeout)
	}
	if a.config.Backoff != adapter.DefaultBackoff() {
		t.Errorf("expected default backoff, got %+v", a.config.Backoff)
	}
}

func TestPublish_Signature(t *testing.T) {
	var body []byte
	var signature string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(HeaderSignature)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL, Secret: "s3cret"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if signature != want {
		t.Errorf("signature = %q, want %q", signature, want)
	}
}

func TestPublish_NoSignatureWithoutSecret(t *testing.T) {
	var present bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = r.Header[HeaderSignature]
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if present {
		t.Error("signature header should be absent without a secret")
	}
}

func TestStatusError_Retryable(t *testing.T) {
	for code, want := range map[int]bool{
		400: false, 403: false, 404: false, 408: true, 429: true, 500: true, 502: true,
	} {
		if got := (&StatusError{Code: code}).Retryable(); got != want {
			t.Errorf("Retryable(%d) = %v, want %v", code, got, want)
		}
	}
}
