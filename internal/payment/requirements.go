package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// SchemeExact is the only payment scheme the agent can satisfy.
const SchemeExact = "exact"

// ErrNoAcceptablePayment means the 402 body listed nothing this agent can pay.
var ErrNoAcceptablePayment = errors.New("no acceptable payment method offered")

// Requirements is the body of a "payment required" response.
type Requirements struct {
	X402Version int      `json:"x402Version"`
	Error       string   `json:"error,omitempty"`
	Accepts     []Accept `json:"accepts"`
}

// Accept describes one payment method the server will take.
type Accept struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`
	Extra             struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"extra"`
}

// Amount parses MaxAmountRequired as atomic units.
func (a Accept) Amount() (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(a.MaxAmountRequired), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid payment amount %q", a.MaxAmountRequired)
	}
	return v, nil
}

// ParseRequirements decodes a 402 body. Bodies without any accepted method
// are rejected.
func ParseRequirements(body []byte) (Requirements, error) {
	var req Requirements
	if err := json.Unmarshal(body, &req); err != nil {
		return Requirements{}, fmt.Errorf("decode payment requirements: %w", err)
	}
	if len(req.Accepts) == 0 {
		return Requirements{}, ErrNoAcceptablePayment
	}
	return req, nil
}

// Select returns the first exact-scheme method on network. An empty network
// on either side matches anything.
func (r Requirements) Select(network string) (Accept, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	for _, acc := range r.Accepts {
		if !strings.EqualFold(strings.TrimSpace(acc.Scheme), SchemeExact) {
			continue
		}
		accNet := strings.ToLower(strings.TrimSpace(acc.Network))
		if network != "" && accNet != "" && accNet != network {
			continue
		}
		if strings.TrimSpace(acc.PayTo) == "" || strings.TrimSpace(acc.Asset) == "" {
			continue
		}
		return acc, nil
	}
	return Accept{}, fmt.Errorf("%w on network %q", ErrNoAcceptablePayment, network)
}
