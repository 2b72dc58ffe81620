package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"launchpad/agent/internal/decision"
	"launchpad/agent/internal/executor"
	"launchpad/agent/internal/llm"
	"launchpad/agent/internal/logger"
	"launchpad/agent/internal/platform"
	"launchpad/agent/internal/portfolio"
	"launchpad/agent/internal/store"
)

const (
	defaultReviewInterval = time.Minute
	defaultPausePoll      = 5 * time.Second
	defaultOffHoursPoll   = 60 * time.Second
	defaultErrorCooldown  = 30 * time.Second
	defaultMarketSize     = 20
	historySeedLimit      = 20
	resultLimit           = 50
)

// MinGasWei is the native balance (0.0005 ETH) at which auto mode switches
// to self-execution.
var MinGasWei = big.NewInt(500_000_000_000_000)

var ErrAlreadyRunning = errors.New("runner already running")

// Wallet reads the agent's balances.
type Wallet interface {
	USDCBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	HasGasFor(ctx context.Context, owner common.Address, min *big.Int) (bool, error)
}

type Market interface {
	MarketSnapshot(ctx context.Context, n int) ([]platform.Token, error)
}

// Model is the decision provider's raw call; prompt building and parsing
// happen in the runner so each gets its own phase.
type Model interface {
	Call(ctx context.Context, prompt llm.Prompt) (string, time.Duration, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, d decision.Decision) executor.Outcome
	SetMode(m executor.Mode)
	Mode() executor.Mode
}

type Journal interface {
	Record(ctx context.Context, e store.Execution) error
	Recent(ctx context.Context, agentID string, n int) ([]store.Execution, error)
}

type Config struct {
	AgentID        string
	Owner          common.Address
	Strategy       string
	Limits         decision.Limits
	Mode           executor.Mode
	ReviewInterval time.Duration
	Hours          *WorkingHours
	MarketSize     int
	PausePoll      time.Duration
	OffHoursPoll   time.Duration
	ErrorCooldown  time.Duration
}

type Deps struct {
	Wallet     Wallet
	Market     Market
	Model      Model
	Dispatcher Dispatcher
	State      *portfolio.State
	Journal    Journal
	Notifier   Notifier
	Hooks      Hooks
	Now        func() time.Time
}

type Status struct {
	AgentID    string             `json:"agentId"`
	Owner      string             `json:"owner"`
	Running    bool               `json:"running"`
	Paused     bool               `json:"paused"`
	Phase      Phase              `json:"phase"`
	Detail     string             `json:"detail,omitempty"`
	Cycle      uint64             `json:"cycle"`
	Mode       executor.Mode      `json:"mode"`
	Hours      string             `json:"workingHours"`
	LastResult *ExecutionResult   `json:"lastResult,omitempty"`
	Portfolio  portfolio.Snapshot `json:"portfolio"`
}

// Runner drives one agent: a single sequential loop of decide-and-execute
// cycles. Control methods are safe to call from other goroutines.
type Runner struct {
	cfg        Config
	wallet     Wallet
	market     Market
	model      Model
	dispatcher Dispatcher
	state      *portfolio.State
	journal    Journal
	notifier   Notifier
	hooks      Hooks
	now        func() time.Time
	wake       chan struct{}

	mu      sync.Mutex
	running bool
	paused  bool
	phase   Phase
	detail  string
	cycle   uint64
	mode    executor.Mode
	results []ExecutionResult
}

func New(cfg Config, deps Deps) (*Runner, error) {
	switch {
	case deps.Wallet == nil:
		return nil, errors.New("runner: wallet is required")
	case deps.Market == nil:
		return nil, errors.New("runner: market is required")
	case deps.Model == nil:
		return nil, errors.New("runner: model is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("runner: dispatcher is required")
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "agent"
	}
	if cfg.Mode == "" {
		cfg.Mode = executor.ModeAuto
	}
	if cfg.ReviewInterval <= 0 {
		cfg.ReviewInterval = defaultReviewInterval
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = defaultPausePoll
	}
	if cfg.OffHoursPoll <= 0 {
		cfg.OffHoursPoll = defaultOffHoursPoll
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = defaultErrorCooldown
	}
	if cfg.MarketSize <= 0 {
		cfg.MarketSize = defaultMarketSize
	}
	r := &Runner{
		cfg:        cfg,
		wallet:     deps.Wallet,
		market:     deps.Market,
		model:      deps.Model,
		dispatcher: deps.Dispatcher,
		state:      deps.State,
		journal:    deps.Journal,
		notifier:   deps.Notifier,
		hooks:      deps.Hooks,
		now:        deps.Now,
		wake:       make(chan struct{}, 1),
		phase:      PhaseIdle,
		mode:       deps.Dispatcher.Mode(),
	}
	if r.state == nil {
		r.state = portfolio.New()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

func (r *Runner) State() *portfolio.State { return r.state }

// Start runs the loop until Stop is called or ctx ends. It returns nil after
// Stop and ctx.Err() after cancellation.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()
	select {
	case <-r.wake:
	default:
	}
	defer r.setPhase(PhaseStopped, "")

	mode := r.resolveMode(ctx)
	r.seedHistory(ctx)
	logger.WithAgent(r.cfg.AgentID).Infof("[runner] started mode=%s review=%s hours=%s", mode, r.cfg.ReviewInterval, r.cfg.Hours)
	r.hooks.start()

	for {
		if !r.Running() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			r.Stop()
			return err
		}
		if r.Paused() {
			r.setPhase(PhasePaused, "")
			r.sleep(ctx, r.cfg.PausePoll)
			continue
		}
		if !r.cfg.Hours.Contains(r.now()) {
			r.setPhase(PhaseWaiting, "outside working hours")
			r.sleep(ctx, r.cfg.OffHoursPoll)
			continue
		}

		res, err := r.RunCycle(ctx)
		if err != nil || res.Decision.ModelError {
			r.sleep(ctx, r.cfg.ErrorCooldown)
			continue
		}
		if res.Action == decision.ActionStop && res.Success {
			logger.Infof("[runner] stop requested by model: %s", res.Decision.Reasoning)
			r.Stop()
			continue
		}
		if r.Running() {
			r.setPhase(PhaseWaiting, "")
			r.sleep(ctx, r.cfg.ReviewInterval)
		}
	}
}

// Stop ends the loop after the in-flight cycle. Stopping a stopped runner is
// a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.paused = false
	r.mu.Unlock()
	r.signal()
	r.setPhase(PhaseStopped, "")
	logger.Infof("[runner] %s stopped", r.cfg.AgentID)
	r.hooks.stop()
}

func (r *Runner) Pause() {
	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return
	}
	r.paused = true
	r.mu.Unlock()
	r.signal()
	r.setPhase(PhasePaused, "")
	logger.Infof("[runner] %s paused", r.cfg.AgentID)
	r.hooks.pause()
}

func (r *Runner) Resume() {
	r.mu.Lock()
	if !r.paused {
		r.mu.Unlock()
		return
	}
	r.paused = false
	r.mu.Unlock()
	r.signal()
	r.setPhase(PhaseIdle, "")
	logger.Infof("[runner] %s resumed", r.cfg.AgentID)
	r.hooks.resume()
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	st := Status{
		AgentID: r.cfg.AgentID,
		Owner:   r.cfg.Owner.Hex(),
		Running: r.running,
		Paused:  r.paused,
		Phase:   r.phase,
		Detail:  r.detail,
		Cycle:   r.cycle,
		Mode:    r.mode,
		Hours:   r.cfg.Hours.String(),
	}
	if n := len(r.results); n > 0 {
		last := r.results[n-1]
		st.LastResult = &last
	}
	r.mu.Unlock()
	st.Portfolio = r.state.Snapshot()
	return st
}

// Results returns up to n recent results, newest first.
func (r *Runner) Results(n int) []ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.results) {
		n = len(r.results)
	}
	out := make([]ExecutionResult, 0, n)
	for i := len(r.results) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.results[i])
	}
	return out
}

// RunCycle performs one full cycle and records its result. A cycle that
// cannot complete (a balance read fails, a collaborator panics) is recorded
// as a failed wait, reported to the error hook, and returned with its cause.
// A failed model call also reaches the error hook, but completes the cycle
// and returns a nil error; the loop still applies the error cooldown.
func (r *Runner) RunCycle(ctx context.Context) (res ExecutionResult, err error) {
	r.mu.Lock()
	r.cycle++
	n := r.cycle
	mode := r.mode
	r.mu.Unlock()
	started := r.now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cycle %d panicked: %v", n, p)
		}
		if err == nil {
			return
		}
		logger.Errorf("[runner] cycle %d failed: %v", n, err)
		res = ExecutionResult{
			ID:            uuid.NewString(),
			AgentID:       r.cfg.AgentID,
			Cycle:         n,
			Action:        decision.ActionWait,
			Decision:      decision.Wait("cycle failed"),
			Error:         err.Error(),
			Mode:          mode,
			StartedAt:     started,
			BalanceBefore: r.state.Balance(),
		}
		r.finish(ctx, &res)
		r.setPhase(PhaseError, err.Error())
		r.hooks.failed(err)
	}()
	return r.runCycle(ctx, n, started, mode)
}

func (r *Runner) runCycle(ctx context.Context, n uint64, started time.Time, mode executor.Mode) (ExecutionResult, error) {
	r.setPhase(PhaseFetchingMarket, "balance")
	before, err := r.wallet.USDCBalance(ctx, r.cfg.Owner)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("fetch balance: %w", err)
	}
	r.state.SetBalance(before)
	res := ExecutionResult{
		ID:            uuid.NewString(),
		AgentID:       r.cfg.AgentID,
		Cycle:         n,
		Mode:          mode,
		StartedAt:     started,
		BalanceBefore: before,
	}

	if floor := r.cfg.Limits.MinBalance; floor != nil && before.Cmp(floor) < 0 {
		logger.Warnf("[runner] balance %s USDC below minimum %s USDC, skipping cycle %d",
			decision.FormatUSDC(before), decision.FormatUSDC(floor), n)
		r.hooks.lowBalance(before)
		res.Action = decision.ActionWait
		res.Decision = decision.Wait(fmt.Sprintf("balance %s USDC below minimum %s USDC", decision.FormatUSDC(before), decision.FormatUSDC(floor)))
		res.Error = "Low balance"
		res.BalanceAfter = before
		r.finish(ctx, &res)
		return res, nil
	}

	r.setPhase(PhaseFetchingMarket, "market")
	in := decision.Input{
		Strategy: r.cfg.Strategy,
		Limits:   r.cfg.Limits,
		Mode:     string(mode),
	}
	if tokens, err := r.market.MarketSnapshot(ctx, r.cfg.MarketSize); err != nil {
		logger.Warnf("[runner] market snapshot failed: %v", err)
		in.MarketNote = "Market data unavailable: " + err.Error()
	} else {
		in.Market = marketTokens(tokens)
	}
	in.Portfolio = r.state.Snapshot()

	r.setPhase(PhaseBuildingPrompt, "")
	prompt := decision.BuildPrompt(in)

	r.setPhase(PhaseCallingAI, "")
	reply, latency, callErr := r.model.Call(ctx, prompt)

	r.setPhase(PhaseParsingDecision, "")
	dec := decision.FromReply(reply, latency, callErr)
	res.Decision = dec
	res.Action = dec.Action
	res.ModelLatency = latency
	logger.Infof("[runner] cycle %d decision: %s", n, dec)
	r.hooks.decided(dec)

	r.setPhase(PhaseExecutingAction, string(dec.Action))
	var out executor.Outcome
	if dec.ModelError {
		out = executor.Outcome{Action: decision.ActionWait, Error: dec.Reasoning}
	} else {
		out = r.dispatcher.Dispatch(ctx, dec)
	}
	res.Success = out.Success
	res.Data = out.Data
	res.Error = out.Error
	res.TxHash = out.TxHash

	after := r.state.Balance()
	if dec.Action.Trades() && out.Success {
		if fresh, err := r.wallet.USDCBalance(ctx, r.cfg.Owner); err != nil {
			logger.Warnf("[runner] balance after %s unavailable, using tracked balance: %v", dec.Action, err)
		} else {
			after = fresh
		}
	}
	r.state.SetBalance(after)
	res.BalanceAfter = after
	res.ProfitLoss = r.state.ApplyExecutionResult(dec.Action.Trades(), out.Success, before, after)

	r.finish(ctx, &res)
	if dec.ModelError {
		r.setPhase(PhaseError, callErr.Error())
		r.hooks.failed(callErr)
	}
	return res, nil
}

// finish records res everywhere it goes, in order: portfolio history,
// journal, execution hook, notifier.
func (r *Runner) finish(ctx context.Context, res *ExecutionResult) {
	res.FinishedAt = r.now()
	res.CycleDuration = res.FinishedAt.Sub(res.StartedAt)
	r.setPhase(PhaseRecordingResult, "")

	r.state.AppendHistory(res.historyEntry())
	if r.journal != nil {
		rec := res.record()
		guard("journal", func() {
			if err := r.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
				logger.Warnf("[runner] journal: %v", err)
			}
		})
	}
	r.mu.Lock()
	r.results = append(r.results, *res)
	if len(r.results) > resultLimit {
		r.results = append([]ExecutionResult(nil), r.results[len(r.results)-resultLimit:]...)
	}
	r.mu.Unlock()

	status := "ok"
	if !res.Success {
		status = "failed: " + res.Error
	}
	logger.Infof("[runner] cycle %d %s %s in %s", res.Cycle, res.Action, status, res.CycleDuration.Round(time.Millisecond))

	r.hooks.execution(*res)
	notify(r.notifier, *res)
}

func (r *Runner) resolveMode(ctx context.Context) executor.Mode {
	mode := r.cfg.Mode
	if mode == executor.ModeAuto {
		mode = executor.ModeGasless
		ok, err := r.wallet.HasGasFor(ctx, r.cfg.Owner, MinGasWei)
		switch {
		case err != nil:
			logger.Warnf("[runner] gas balance check failed, using %s: %v", mode, err)
		case ok:
			mode = executor.ModeSelfExecute
		}
	}
	r.dispatcher.SetMode(mode)
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
	return mode
}

// seedHistory loads the last results from the journal so the prompt's
// learning section survives restarts.
func (r *Runner) seedHistory(ctx context.Context) {
	if r.journal == nil || len(r.state.Snapshot().History) > 0 {
		return
	}
	recs, err := r.journal.Recent(ctx, r.cfg.AgentID, historySeedLimit)
	if err != nil {
		logger.Warnf("[runner] seed history: %v", err)
		return
	}
	var last uint64
	for i := len(recs) - 1; i >= 0; i-- {
		r.state.AppendHistory(entryFromRecord(recs[i]))
		if recs[i].Cycle > last {
			last = recs[i].Cycle
		}
	}
	r.mu.Lock()
	if last > r.cycle {
		r.cycle = last
	}
	r.mu.Unlock()
	if len(recs) > 0 {
		logger.Debugf("[runner] seeded %d history entries", len(recs))
	}
}

func (r *Runner) setPhase(p Phase, detail string) {
	r.mu.Lock()
	changed := r.phase != p || r.detail != detail
	r.phase = p
	r.detail = detail
	r.mu.Unlock()
	if changed {
		r.hooks.phase(p, detail)
	}
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// sleep waits for d, ctx, or a control change, whichever comes first.
func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-r.wake:
	case <-t.C:
	}
}

func marketTokens(tokens []platform.Token) []decision.MarketToken {
	out := make([]decision.MarketToken, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, decision.MarketToken{
			Address:   t.Address,
			Symbol:    t.Symbol,
			Name:      t.Name,
			Price:     t.Price,
			Volume24h: t.Volume24h,
			Change24h: t.Change24h,
			MarketCap: t.MarketCap,
			Holders:   t.Holders,
		})
	}
	return out
}
