package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(time.Minute),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(func() time.Time { return now }),
	)

	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Fatal("one failure must not open")
	}
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("breaker should be open")
	}

	now = now.Add(time.Minute)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state: %v", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state after probe: %v", cb.State())
	}
}

func TestWithCircuitBreaker_Rejects(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	var calls int32
	h := WithCircuitBreaker(cb, "synth")(func(ctx context.Context, p []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("down")
	})
	h(context.Background(), nil)
	_, err := h(context.Background(), nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) || open.Service != "synth" {
		t.Fatalf("err: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls: %d", calls)
	}
}

func TestWithRetry_StopsOnPermanent(t *testing.T) {
	var calls int
	h := WithRetry(3, time.Millisecond, nil)(func(ctx context.Context, p []byte) ([]byte, error) {
		calls++
		return nil, &ErrStatus{Code: 400}
	})
	if _, err := h(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("400 retried: calls=%d", calls)
	}
}

func TestWithRetry_RetriesTemporary(t *testing.T) {
	var calls int
	h := WithRetry(3, time.Millisecond, quiet)(func(ctx context.Context, p []byte) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, &ErrStatus{Code: 503}
		}
		return []byte("ok"), nil
	})
	resp, err := h(context.Background(), nil)
	if err != nil || string(resp) != "ok" || calls != 3 {
		t.Fatalf("resp=%q err=%v calls=%d", resp, err, calls)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(quiet)(func(ctx context.Context, p []byte) ([]byte, error) {
		panic("boom")
	})
	_, err := h(context.Background(), nil)
	var p *ErrPanic
	if !errors.As(err, &p) {
		t.Fatalf("err: %v", err)
	}
}

func TestTimeout(t *testing.T) {
	h := Timeout(10 * time.Millisecond)(func(ctx context.Context, p []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if _, err := h(context.Background(), nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err: %v", err)
	}
}

func TestHTTPHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	h, closeFn, err := HTTPHandler(srv.URL, HTTPConfig{BearerToken: "k", AllowPrivate: true})
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	resp, err := h(context.Background(), []byte("hi"))
	if err != nil || string(resp) != "echo:hi" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}

	h2, _, _ := HTTPHandler(srv.URL, HTTPConfig{AllowPrivate: true})
	_, err = h2(context.Background(), nil)
	var st *ErrStatus
	if !errors.As(err, &st) || st.Code != http.StatusUnauthorized {
		t.Fatalf("err: %v", err)
	}
}

func TestHTTPHandler_SSRFGuard(t *testing.T) {
	if _, _, err := HTTPHandler("http://127.0.0.1:9/x", HTTPConfig{}); err == nil {
		t.Fatal("loopback endpoint accepted")
	}
}

func TestResilient_Fallback(t *testing.T) {
	failing := func(ctx context.Context, p []byte) ([]byte, error) { return nil, &ErrStatus{Code: 502} }
	local := func(ctx context.Context, p []byte) ([]byte, error) { return []byte("0"), nil }
	h := Resilient(failing, Policy{Service: "market", Retries: 1, Backoff: time.Millisecond, BreakerThreshold: 5, Fallback: local}, quiet)
	resp, err := h(context.Background(), nil)
	if err != nil || string(resp) != "0" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
}
