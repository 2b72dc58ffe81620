package runtime

import (
	"math/big"

	"launchpad/agent/internal/decision"
	"launchpad/agent/internal/logger"
)

// Hooks are optional callbacks run inline on the loop goroutine. A hook that
// panics is logged and skipped.
type Hooks struct {
	OnStart       func()
	OnStop        func()
	OnPause       func()
	OnResume      func()
	OnError       func(err error)
	OnExecution   func(res ExecutionResult)
	OnPhaseChange func(phase Phase, detail string)
	OnLowBalance  func(balance *big.Int)
	OnDecision    func(d decision.Decision)
}

// Notifier receives every result after the execution hook, e.g. a dashboard
// stream.
type Notifier interface {
	Notify(res ExecutionResult)
}

func guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("[runner] %s panicked: %v", name, r)
		}
	}()
	fn()
}

func (h Hooks) start() {
	if h.OnStart != nil {
		guard("start", h.OnStart)
	}
}

func (h Hooks) stop() {
	if h.OnStop != nil {
		guard("stop", h.OnStop)
	}
}

func (h Hooks) pause() {
	if h.OnPause != nil {
		guard("pause", h.OnPause)
	}
}

func (h Hooks) resume() {
	if h.OnResume != nil {
		guard("resume", h.OnResume)
	}
}

func (h Hooks) failed(err error) {
	if h.OnError != nil {
		guard("error", func() { h.OnError(err) })
	}
}

func (h Hooks) execution(res ExecutionResult) {
	if h.OnExecution != nil {
		guard("execution", func() { h.OnExecution(res) })
	}
}

func (h Hooks) phase(p Phase, detail string) {
	if h.OnPhaseChange != nil {
		guard("phase", func() { h.OnPhaseChange(p, detail) })
	}
}

func (h Hooks) lowBalance(balance *big.Int) {
	if h.OnLowBalance != nil {
		guard("low balance", func() { h.OnLowBalance(new(big.Int).Set(balance)) })
	}
}

func (h Hooks) decided(d decision.Decision) {
	if h.OnDecision != nil {
		guard("decision", func() { h.OnDecision(d) })
	}
}

func notify(n Notifier, res ExecutionResult) {
	if n == nil {
		return
	}
	guard("notifier", func() { n.Notify(res) })
}
