// Package stub is a fast, deterministic AI client for local development and
// tests. Production deployments supply a real provider behind the same port.
package stub

import (
	"encoding/json"
	"hash/fnv"

	"github.com/fairyhunter13/memory-broker/internal/domain"
)

// Client implements domain.AIClient with deterministic outputs.
type Client struct{}

// New constructs a stub client.
func New() *Client { return &Client{} }

// Embed returns small deterministic vectors derived from the text, so equal
// inputs embed equally and distinct inputs usually differ.
func (c *Client) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	res := make([][]float32, len(texts))
	for i, t := range texts {
		h := fnv.New32a()
		_, _ = h.Write([]byte(t))
		seed := h.Sum32()
		res[i] = []float32{
			float32(seed%1000) / 1000,
			float32((seed/1000)%1000) / 1000,
			float32((seed/1000000)%1000) / 1000,
		}
	}
	return res, nil
}

// ChatJSON returns a compact JSON object echoing the prompt length, which is
// enough for handler plumbing and tests.
func (c *Client) ChatJSON(_ domain.Context, _ string, userPrompt string, _ int) (string, error) {
	payload := map[string]any{
		"summary":      "stub response",
		"input_length": len(userPrompt),
	}
	b, _ := json.Marshal(payload)
	return string(b), nil
}
