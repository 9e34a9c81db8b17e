package autopilot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/seopilot/autopilot/internal/brain"
	"github.com/hazyhaar/seopilot/connectivity"
	"github.com/hazyhaar/seopilot/synth"
)

// BuildSynthesizer returns the synthesizer selected by cfg.Kind, wrapped
// in the resilience policy. The returned func releases its transport.
func BuildSynthesizer(ctx context.Context, cfg SynthConfig, logger *slog.Logger) (synth.Synthesizer, func(), error) {
	policy := connectivity.Policy{
		Service:          "synth",
		Retries:          cfg.Retries,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerReset:     cfg.BreakerReset,
	}
	switch cfg.Kind {
	case "", "none":
		return synth.Nop{}, func() {}, nil
	case "remote":
		h, closeFn, err := connectivity.HTTPHandler(cfg.Endpoint, connectivity.HTTPConfig{BearerToken: cfg.Token, AllowPrivate: cfg.AllowPrivate})
		if err != nil {
			return nil, nil, fmt.Errorf("synth: %w", err)
		}
		enc := synth.JSONRequest
		if cfg.Prompt {
			enc = synth.PromptRequest
		}
		logger.Info("autopilot: remote synthesizer", "endpoint", cfg.Endpoint)
		return synth.NewClient(connectivity.Resilient(h, policy, logger), enc), closeFn, nil
	case "gemini":
		h, err := synth.GeminiHandler(ctx, synth.GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Model, Temperature: cfg.Temperature})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("autopilot: gemini synthesizer", "model", cfg.Model)
		return synth.NewClient(connectivity.Resilient(h, policy, logger), synth.PromptRequest), func() {}, nil
	}
	return nil, nil, fmt.Errorf("synth: unknown kind %q", cfg.Kind)
}

// BuildMarket returns the market sensor selected by cfg.Kind. A remote
// feed falls back to the static value when it is unreachable.
func BuildMarket(cfg MarketConfig, logger *slog.Logger) (brain.MarketSensor, func(), error) {
	static := brain.StaticMarket(cfg.Value)
	switch cfg.Kind {
	case "", "static":
		return static, func() {}, nil
	case "remote":
		h, closeFn, err := connectivity.HTTPHandler(cfg.Endpoint, connectivity.HTTPConfig{Timeout: cfg.Timeout, AllowPrivate: cfg.AllowPrivate})
		if err != nil {
			return nil, nil, fmt.Errorf("market: %w", err)
		}
		call := connectivity.Resilient(h, connectivity.Policy{
			Service:          "market",
			Timeout:          cfg.Timeout,
			Retries:          1,
			BreakerThreshold: 3,
			Fallback:         static.Handler(),
		}, logger)
		return brain.RemoteMarket{Call: call}, closeFn, nil
	}
	return nil, nil, fmt.Errorf("market: unknown kind %q", cfg.Kind)
}
