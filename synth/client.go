package synth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/seopilot/connectivity"
)

// Encoder builds the request bytes sent to the synthesizer for in.
type Encoder func(in Input) ([]byte, error)

// Client is a Synthesizer backed by a connectivity.Handler: the request
// is produced by an Encoder and the response parsed by ParseCandidates.
type Client struct {
	call   connectivity.Handler
	encode Encoder
}

// NewClient returns a Client. A nil encode defaults to JSONRequest.
func NewClient(call connectivity.Handler, encode Encoder) *Client {
	if encode == nil {
		encode = JSONRequest
	}
	return &Client{call: call, encode: encode}
}

// Synthesize implements Synthesizer.
func (c *Client) Synthesize(ctx context.Context, in Input) ([]Candidate, error) {
	req, err := c.encode(in)
	if err != nil {
		return nil, fmt.Errorf("synth: encode request: %w", err)
	}
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("synth: call: %w", err)
	}
	return ParseCandidates(resp)
}

// JSONRequest is the request of a remote synthesis service: the structured
// input plus the rendered instructions.
func JSONRequest(in Input) ([]byte, error) {
	prompt, err := Prompt(in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Input        Input  `json:"input"`
		Instructions string `json:"instructions"`
	}{in, prompt})
}

// PromptRequest sends the rendered prompt as plain text, for model
// endpoints that take a prompt directly.
func PromptRequest(in Input) ([]byte, error) {
	prompt, err := Prompt(in)
	if err != nil {
		return nil, err
	}
	return []byte(prompt), nil
}
