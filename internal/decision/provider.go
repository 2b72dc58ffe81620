package decision

import (
	"context"
	"errors"
	"strings"
	"time"

	"launchpad/agent/internal/llm"
	"launchpad/agent/internal/logger"
)

// Provider asks the model for the next decision.
type Provider struct {
	model llm.Client
	now   func() time.Time
}

func NewProvider(model llm.Client) *Provider {
	return &Provider{model: model, now: time.Now}
}

func (p *Provider) Model() llm.Client { return p.model }

// Decide builds the prompt, calls the model and parses the reply. It always
// returns a Decision; a model failure becomes a wait flagged ModelError.
// The runner drives the same steps one at a time (BuildPrompt, Call,
// FromReply) so it can report a phase for each.
func (p *Provider) Decide(ctx context.Context, in Input) Decision {
	return FromReply(p.Call(ctx, BuildPrompt(in)))
}

// FromReply turns the result of Call into a Decision.
func FromReply(reply string, latency time.Duration, err error) Decision {
	if err != nil {
		return ModelFailure(err, latency)
	}
	d := Parse(reply)
	d.ModelLatency = latency
	return d
}

// Call sends prompt to the model and times the round trip.
func (p *Provider) Call(ctx context.Context, prompt llm.Prompt) (string, time.Duration, error) {
	if p.model == nil {
		return "", 0, errors.New("no model configured")
	}
	start := p.now()
	reply, err := p.model.Generate(ctx, prompt)
	latency := p.now().Sub(start)
	if err != nil {
		logger.Warnf("[llm] %s/%s failed after %s: %v", p.model.Provider(), p.model.Model(), latency, err)
		return "", latency, err
	}
	logger.Debugf("[llm] %s/%s replied in %s: %s", p.model.Provider(), p.model.Model(), latency, trimForPrompt(reply, 400))
	return strings.TrimSpace(reply), latency, nil
}

// ModelFailure is the decision recorded when the model could not answer.
func ModelFailure(err error, latency time.Duration) Decision {
	d := Wait("model call failed: " + err.Error())
	d.ModelError = true
	d.ModelLatency = latency
	return d
}
