package synth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/seopilot/rule"
)

// DefaultConfidence applies to candidates without a confidence. A missing
// targetPath means the site root; a missing divergenceScore counts as 0.
const DefaultConfidence = 0.9

// ErrMalformed is returned when synthesizer output cannot be used as a
// whole. No candidate of a malformed response is kept.
var ErrMalformed = errors.New("synth: malformed candidates")

// Candidate is a validated rule proposal.
type Candidate struct {
	TargetPath string
	Type       rule.Type
	Payload    rule.Payload
	Reasoning  string
	Confidence float64
	// Divergence is nil when the synthesizer did not score the candidate.
	Divergence *float64
}

// DivergenceScore returns the divergence, 0 when missing.
func (c Candidate) DivergenceScore() float64 {
	if c.Divergence == nil {
		return 0
	}
	return *c.Divergence
}

// RawCandidate is the intake wire shape.
type RawCandidate struct {
	TargetPath      string          `json:"targetPath"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	Reasoning       string          `json:"reasoning"`
	Confidence      *float64        `json:"confidence"`
	DivergenceScore *float64        `json:"divergenceScore"`
}

// Validate turns a raw candidate into a Candidate, applying defaults.
func (r RawCandidate) Validate() (Candidate, error) {
	t, err := rule.ParseType(r.Type)
	if err != nil {
		return Candidate{}, err
	}
	if t == rule.TypeDefense {
		return Candidate{}, fmt.Errorf("%w: defense rules are tagged by the loop, not proposed", rule.ErrInvalid)
	}
	p, err := rule.DecodePayload(t, r.Payload)
	if err != nil {
		return Candidate{}, err
	}
	c := Candidate{
		TargetPath: rule.NormalizePath(r.TargetPath),
		Type:       t,
		Payload:    p,
		Reasoning:  r.Reasoning,
		Confidence: DefaultConfidence,
	}
	if r.Confidence != nil {
		if *r.Confidence < 0 || *r.Confidence > 1 {
			return Candidate{}, fmt.Errorf("confidence %v out of [0,1]", *r.Confidence)
		}
		c.Confidence = *r.Confidence
	}
	if r.DivergenceScore != nil {
		if *r.DivergenceScore < 0 || *r.DivergenceScore > 1 {
			return Candidate{}, fmt.Errorf("divergenceScore %v out of [0,1]", *r.DivergenceScore)
		}
		d := *r.DivergenceScore
		c.Divergence = &d
	}
	return c, nil
}

// ParseCandidates decodes a synthesizer response: a JSON array of
// candidates or an object with a "candidates" array, optionally inside a
// markdown code fence. Every candidate must validate; the first invalid one
// rejects the whole response.
func ParseCandidates(data []byte) ([]Candidate, error) {
	data = stripFence(bytes.TrimSpace(data))
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformed)
	}

	var raws []RawCandidate
	if data[0] == '{' {
		var env struct {
			Candidates *[]RawCandidate `json:"candidates"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if env.Candidates == nil {
			return nil, fmt.Errorf("%w: no candidates field", ErrMalformed)
		}
		raws = *env.Candidates
	} else if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := make([]Candidate, 0, len(raws))
	for i, r := range raws {
		c, err := r.Validate()
		if err != nil {
			return nil, fmt.Errorf("%w: candidate %d: %v", ErrMalformed, i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func stripFence(data []byte) []byte {
	if !bytes.HasPrefix(data, []byte("```")) {
		return data
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	}
	data = bytes.TrimSpace(data)
	data = bytes.TrimSuffix(data, []byte("```"))
	return bytes.TrimSpace(data)
}
