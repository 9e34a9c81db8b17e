package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hazyhaar/seopilot/connectivity"
)

// MarketSensor reports market-wide ranking volatility in [0,1].
type MarketSensor interface {
	Volatility(ctx context.Context) (float64, error)
}

// StaticMarket always reports the same value.
type StaticMarket float64

func (s StaticMarket) Volatility(context.Context) (float64, error) { return clamp01(float64(s)), nil }

// Handler serves the static value in the remote feed format, for use as a
// connectivity fallback.
func (s StaticMarket) Handler() connectivity.Handler {
	return func(context.Context, []byte) ([]byte, error) {
		return json.Marshal(marketReading{Volatility: clamp01(float64(s))})
	}
}

type marketReading struct {
	Volatility float64 `json:"volatility"`
}

// RemoteMarket reads the value from a feed. The response is
// {"volatility": x} or a bare number.
type RemoteMarket struct {
	Call connectivity.Handler
}

func (r RemoteMarket) Volatility(ctx context.Context) (float64, error) {
	resp, err := r.Call(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("brain: market feed: %w", err)
	}
	resp = bytes.TrimSpace(resp)
	if len(resp) > 0 && resp[0] == '{' {
		var m marketReading
		if err := json.Unmarshal(resp, &m); err != nil {
			return 0, fmt.Errorf("brain: market feed: %w", err)
		}
		return clamp01(m.Volatility), nil
	}
	v, err := strconv.ParseFloat(string(resp), 64)
	if err != nil {
		return 0, fmt.Errorf("brain: market feed: %w", err)
	}
	return clamp01(v), nil
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
