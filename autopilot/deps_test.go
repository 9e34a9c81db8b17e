package autopilot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/seopilot/rule"
	"github.com/hazyhaar/seopilot/synth"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestBuildSynthesizer_Kinds(t *testing.T) {
	s, closeFn, err := BuildSynthesizer(context.Background(), SynthConfig{Kind: "none"}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := s.(synth.Nop); !ok {
		t.Errorf("none: got %T", s)
	}

	if _, _, err := BuildSynthesizer(context.Background(), SynthConfig{Kind: "oracle"}, quiet); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, _, err := BuildSynthesizer(context.Background(), SynthConfig{Kind: "gemini"}, quiet); err == nil {
		t.Error("gemini without API key accepted")
	}
	if _, _, err := BuildSynthesizer(context.Background(), SynthConfig{Kind: "remote", Endpoint: "http://127.0.0.1:1/x"}, quiet); err == nil {
		t.Error("private endpoint accepted without allow_private")
	}
}

func TestBuildSynthesizer_Remote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer synth-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `[{"targetPath":"/pricing","type":"METADATA_REWRITE","payload":{"title":"Pricing"},"reasoning":"r","confidence":0.9}]`)
	}))
	defer srv.Close()

	s, closeFn, err := BuildSynthesizer(context.Background(), SynthConfig{
		Kind: "remote", Endpoint: srv.URL, Token: "synth-token", AllowPrivate: true,
	}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	cands, err := s.Synthesize(context.Background(), synth.Input{SiteID: "s1", Domain: "shop.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Type != rule.TypeMetadata || cands[0].TargetPath != "/pricing" {
		t.Fatalf("cands = %+v", cands)
	}
}

func TestBuildMarket(t *testing.T) {
	m, _, err := BuildMarket(MarketConfig{Kind: "static", Value: 0.3}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Volatility(context.Background()); v != 0.3 {
		t.Errorf("static = %v", v)
	}

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"volatility":0.8}`)
	}))
	defer up.Close()
	m, closeFn, err := BuildMarket(MarketConfig{Kind: "remote", Value: 0.1, Endpoint: up.URL, Timeout: time.Second, AllowPrivate: true}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if v, err := m.Volatility(context.Background()); err != nil || v != 0.8 {
		t.Errorf("remote = %v, %v", v, err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	m, closeFn2, err := BuildMarket(MarketConfig{Kind: "remote", Value: 0.1, Endpoint: down.URL, Timeout: time.Second, AllowPrivate: true}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn2()
	if v, err := m.Volatility(context.Background()); err != nil || v != 0.1 {
		t.Errorf("fallback = %v, %v", v, err)
	}
}
