// Package connectivity carries the outbound calls of seopilot (rule
// synthesis service, market indicator feed) behind a single byte-level
// Handler signature, so timeouts, retries, circuit breaking, panic recovery
// and local fallbacks compose the same way for every remote dependency.
//
//	h, closeFn, err := connectivity.HTTPHandler(endpoint, connectivity.HTTPConfig{})
//	h = connectivity.Resilient(h, connectivity.Policy{Service: "synth", Retries: 2}, logger)
//	resp, err := h(ctx, payload)
package connectivity

import "context"

// Handler is a transport-agnostic call: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)
