package runtime

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"launchpad/agent/internal/decision"
	"launchpad/agent/internal/executor"
	"launchpad/agent/internal/llm"
	"launchpad/agent/internal/payment"
	"launchpad/agent/internal/platform"
	"launchpad/agent/internal/portfolio"
	"launchpad/agent/internal/store"
)

const moonToken = "0x4444444444444444444444444444444444444444"

type fakeWallet struct {
	mu      sync.Mutex
	balance *big.Int
	err     error
	gas     bool
	reads   int
}

func (w *fakeWallet) USDCBalance(context.Context, common.Address) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reads++
	if w.err != nil {
		return nil, w.err
	}
	return new(big.Int).Set(w.balance), nil
}

func (w *fakeWallet) HasGasFor(context.Context, common.Address, *big.Int) (bool, error) {
	return w.gas, nil
}

func (w *fakeWallet) spend(v *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balance = new(big.Int).Sub(w.balance, v)
}

// fakePlatform implements only what the cycles below reach; anything else
// panics on the nil embedded interface.
type fakePlatform struct {
	executor.Platform
	wallet    *fakeWallet
	marketErr error
	calls     int
}

func (p *fakePlatform) MarketSnapshot(context.Context, int) ([]platform.Token, error) {
	p.calls++
	if p.marketErr != nil {
		return nil, p.marketErr
	}
	return []platform.Token{{
		Address: moonToken, Symbol: "MOON", Name: "Moon",
		Price: decimal.RequireFromString("0.001"), Volume24h: decimal.NewFromInt(6000),
	}}, nil
}

func (p *fakePlatform) Buy(_ context.Context, req platform.BuyRequest) (platform.TradeResult, error) {
	p.calls++
	p.wallet.spend(req.USDCAmount)
	tokens := new(big.Int).Mul(req.USDCAmount, big.NewInt(1_000_000_000_000_000))
	return platform.TradeResult{TxHash: "0xabc", TokenAmount: tokens.String(), USDCAmount: req.USDCAmount.String()}, nil
}

type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	panics  bool
	prompts []llm.Prompt
}

func (m *scriptedModel) Call(_ context.Context, p llm.Prompt) (string, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, p)
	if m.panics {
		panic("model blew up")
	}
	if m.err != nil {
		return "", time.Millisecond, m.err
	}
	reply := `{"action":"wait","reasoning":"nothing to do"}`
	if len(m.replies) > 0 {
		reply, m.replies = m.replies[0], m.replies[1:]
	}
	return reply, 5 * time.Millisecond, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

type memoryJournal struct {
	mu      sync.Mutex
	records []store.Execution
	seed    []store.Execution
	panics  bool
}

func (j *memoryJournal) Record(_ context.Context, e store.Execution) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.panics {
		panic("disk on fire")
	}
	j.records = append(j.records, e)
	return nil
}

func (j *memoryJournal) Recent(context.Context, string, int) ([]store.Execution, error) {
	return j.seed, nil
}

type notifierFunc func(ExecutionResult)

func (f notifierFunc) Notify(res ExecutionResult) { f(res) }

type harness struct {
	runner   *Runner
	wallet   *fakeWallet
	platform *fakePlatform
	model    *scriptedModel
	journal  *memoryJournal
	state    *portfolio.State
}

func usdc(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }

func newHarness(t *testing.T, balance *big.Int, replies []string, hooks Hooks, notifier Notifier) *harness {
	t.Helper()
	h := &harness{
		wallet:  &fakeWallet{balance: balance},
		model:   &scriptedModel{replies: replies},
		journal: &memoryJournal{},
		state:   portfolio.New(),
	}
	h.platform = &fakePlatform{wallet: h.wallet}
	limits := decision.Limits{MaxPositionSize: usdc(5), MaxPositions: 3, MinBalance: usdc(1)}
	dispatcher := executor.New(executor.Options{Platform: h.platform, State: h.state, Limits: limits, Mode: executor.ModeGasless})
	r, err := New(Config{
		AgentID:        "alpha",
		Strategy:       "buy tokens with 24h volume > 5000, sell at +15%",
		Limits:         limits,
		Mode:           executor.ModeGasless,
		ReviewInterval: time.Millisecond,
		PausePoll:      time.Millisecond,
		ErrorCooldown:  time.Millisecond,
	}, Deps{
		Wallet:     h.wallet,
		Market:     h.platform,
		Model:      h.model,
		Dispatcher: dispatcher,
		State:      h.state,
		Journal:    h.journal,
		Notifier:   notifier,
		Hooks:      hooks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.runner = r
	return h
}

func TestHappyPathBuy(t *testing.T) {
	var order []string
	hooks := Hooks{
		OnDecision:  func(decision.Decision) { order = append(order, "decision") },
		OnExecution: func(ExecutionResult) { order = append(order, "execution") },
	}
	notifier := notifierFunc(func(ExecutionResult) { order = append(order, "notify") })
	h := newHarness(t, usdc(10), []string{
		`{"action":"buy","params":{"tokenAddress":"` + moonToken + `","usdcAmount":"5"},"reasoning":"volume 6000 > 5000","confidence":0.8}`,
	}, hooks, notifier)

	res, err := h.runner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Action != decision.ActionBuy || !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.BalanceAfter.Cmp(res.BalanceBefore) >= 0 {
		t.Fatalf("balance %s -> %s", res.BalanceBefore, res.BalanceAfter)
	}
	if res.ProfitLoss.Cmp(big.NewInt(-5_000_000)) != 0 {
		t.Fatalf("pnl = %s", res.ProfitLoss)
	}
	if got := h.state.PositionsFor(moonToken); len(got) != 1 {
		t.Fatalf("positions = %+v", got)
	}
	if strings.Join(order, ",") != "decision,execution,notify" {
		t.Fatalf("order = %v", order)
	}
	if len(h.journal.records) != 1 || h.journal.records[0].ID != res.ID || res.ID == "" {
		t.Fatalf("journal = %+v", h.journal.records)
	}
	snap := h.state.Snapshot()
	if len(snap.History) != 1 || !snap.History[0].Success || snap.History[0].Cycle != 1 {
		t.Fatalf("history = %+v", snap.History)
	}
	if !strings.Contains(h.model.prompts[0].User, "MOON") {
		t.Fatalf("market missing from prompt")
	}
}

func TestLowBalanceGate(t *testing.T) {
	var low *big.Int
	h := newHarness(t, big.NewInt(5000), nil, Hooks{OnLowBalance: func(b *big.Int) { low = b }}, nil)
	h.runner.cfg.Limits.MinBalance = big.NewInt(10_000)

	res, err := h.runner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Success || res.Action != decision.ActionWait || res.Error != "Low balance" {
		t.Fatalf("result = %+v", res)
	}
	if h.model.calls() != 0 || h.platform.calls != 0 {
		t.Fatalf("model calls %d platform calls %d", h.model.calls(), h.platform.calls)
	}
	if low == nil || low.Int64() != 5000 {
		t.Fatalf("low balance hook = %v", low)
	}
}

func TestMarketFailureBecomesPlaceholder(t *testing.T) {
	h := newHarness(t, usdc(10), nil, Hooks{}, nil)
	h.platform.marketErr = errors.New("gateway timeout")

	res, err := h.runner.RunCycle(context.Background())
	if err != nil || !res.Success || res.Action != decision.ActionWait {
		t.Fatalf("result = %+v err = %v", res, err)
	}
	if !strings.Contains(h.model.prompts[0].User, "Market data unavailable: gateway timeout") {
		t.Fatalf("prompt:\n%s", h.model.prompts[0].User)
	}
}

func TestModelFailureIsRecordedAsFailedWait(t *testing.T) {
	var errs []error
	var results []ExecutionResult
	hooks := Hooks{
		OnError:     func(err error) { errs = append(errs, err) },
		OnExecution: func(res ExecutionResult) { results = append(results, res) },
	}
	h := newHarness(t, usdc(10), nil, hooks, nil)
	h.model.err = errors.New("503 from provider")

	res, err := h.runner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Success || res.Action != decision.ActionWait || !res.Decision.ModelError || !strings.Contains(res.Error, "503") {
		t.Fatalf("result = %+v", res)
	}
	if len(errs) != 1 || len(results) != 1 || !strings.Contains(errs[0].Error(), "503") {
		t.Fatalf("error hooks %v execution hooks %d", errs, len(results))
	}
	if h.platform.calls != 1 {
		t.Fatalf("platform calls = %d, want only the market snapshot", h.platform.calls)
	}
	if st := h.runner.Status(); st.Phase != PhaseError {
		t.Fatalf("phase = %s", st.Phase)
	}
}

func TestPaymentFailureFromModelReachesErrorHook(t *testing.T) {
	var got error
	h := newHarness(t, usdc(10), nil, Hooks{OnError: func(err error) { got = err }}, nil)
	h.model.err = &payment.VerificationError{Path: "/v1/chat/completions", Amount: "10000", Asset: "USDC"}

	res, err := h.runner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Success || res.Action != decision.ActionWait {
		t.Fatalf("result = %+v", res)
	}
	var verr *payment.VerificationError
	if !errors.As(got, &verr) || verr.Path != "/v1/chat/completions" {
		t.Fatalf("error hook got %v", got)
	}
}

func TestPanickingJournalIsRecordedOnce(t *testing.T) {
	var results []ExecutionResult
	h := newHarness(t, usdc(10), nil, Hooks{OnExecution: func(res ExecutionResult) { results = append(results, res) }}, nil)
	h.journal.panics = true

	res, err := h.runner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.Success || res.Action != decision.ActionWait {
		t.Fatalf("result = %+v", res)
	}
	if len(results) != 1 || len(h.runner.Results(10)) != 1 {
		t.Fatalf("execution hooks %d results %d", len(results), len(h.runner.Results(10)))
	}
}

func TestCycleErrorsAreContained(t *testing.T) {
	var errs []error
	var results []ExecutionResult
	hooks := Hooks{
		OnError:     func(err error) { errs = append(errs, err) },
		OnExecution: func(res ExecutionResult) { results = append(results, res) },
	}
	h := newHarness(t, usdc(10), nil, hooks, nil)

	h.wallet.err = errors.New("all rpc endpoints down")
	res, err := h.runner.RunCycle(context.Background())
	if err == nil || res.Success || res.Action != decision.ActionWait || !strings.Contains(res.Error, "rpc endpoints down") {
		t.Fatalf("result = %+v err = %v", res, err)
	}

	h.wallet.err = nil
	h.model.panics = true
	res, err = h.runner.RunCycle(context.Background())
	if err == nil || !strings.Contains(res.Error, "model blew up") || res.Cycle != 2 {
		t.Fatalf("result = %+v err = %v", res, err)
	}

	if len(errs) != 2 || len(results) != 2 {
		t.Fatalf("error hooks %d execution hooks %d", len(errs), len(results))
	}
	if st := h.runner.Status(); st.Phase != PhaseError {
		t.Fatalf("phase = %s", st.Phase)
	}
}

func TestPanickingHooksDoNotBreakCycle(t *testing.T) {
	notified := 0
	hooks := Hooks{
		OnDecision:    func(decision.Decision) { panic("decision hook") },
		OnExecution:   func(ExecutionResult) { panic("execution hook") },
		OnPhaseChange: func(Phase, string) { panic("phase hook") },
	}
	h := newHarness(t, usdc(10), nil, hooks, notifierFunc(func(ExecutionResult) { notified++ }))

	res, err := h.runner.RunCycle(context.Background())
	if err != nil || !res.Success {
		t.Fatalf("result = %+v err = %v", res, err)
	}
	if notified != 1 {
		t.Fatalf("notifier called %d times", notified)
	}
}

func TestPauseResumeStopAreIdempotent(t *testing.T) {
	counts := map[string]int{}
	hooks := Hooks{
		OnPause:  func() { counts["pause"]++ },
		OnResume: func() { counts["resume"]++ },
		OnStop:   func() { counts["stop"]++ },
	}
	h := newHarness(t, usdc(10), nil, hooks, nil)
	r := h.runner

	r.Pause()
	first := r.Status()
	r.Pause()
	second := r.Status()
	if !second.Paused || first.Phase != second.Phase || first.Paused != second.Paused || counts["pause"] != 1 {
		t.Fatalf("first %+v second %+v counts %v", first, second, counts)
	}
	r.Resume()
	r.Resume()
	if r.Paused() || counts["resume"] != 1 {
		t.Fatalf("counts %v", counts)
	}
	r.Stop()
	r.Stop()
	if counts["stop"] != 0 {
		t.Fatalf("stop on a stopped runner fired hooks: %v", counts)
	}
}

func TestStartRunsUntilModelStops(t *testing.T) {
	var nested error
	var r *Runner
	counts := map[string]int{}
	hooks := Hooks{
		OnStart: func() {
			counts["start"]++
			nested = r.Start(context.Background())
		},
		OnStop: func() { counts["stop"]++ },
	}
	h := newHarness(t, usdc(10), []string{
		`{"action":"discover"}`,
		`{"action":"stop","reasoning":"done for today"}`,
	}, hooks, nil)
	r = h.runner
	h.runner.cfg.Mode = executor.ModeAuto
	h.wallet.gas = true
	h.journal.seed = []store.Execution{
		{ID: "b", Cycle: 7, Action: "sell", Success: true, Summary: "sell MOON"},
		{ID: "a", Cycle: 6, Action: "buy", Success: false, Error: "exceeds balance"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !errors.Is(nested, ErrAlreadyRunning) {
		t.Fatalf("nested start = %v", nested)
	}
	st := r.Status()
	if st.Running || st.Phase != PhaseStopped || st.Mode != executor.ModeSelfExecute {
		t.Fatalf("status = %+v", st)
	}
	if st.Cycle != 9 || counts["start"] != 1 || counts["stop"] != 1 {
		t.Fatalf("cycle %d counts %v", st.Cycle, counts)
	}
	hist := st.Portfolio.History
	if len(hist) != 4 || hist[0].Cycle != 6 || hist[3].Action != "stop" {
		t.Fatalf("history = %+v", hist)
	}
	if !strings.Contains(h.model.prompts[0].User, "exceeds balance") {
		t.Fatalf("seeded history missing from prompt")
	}
	if got := r.Results(0); len(got) != 2 || got[0].Action != decision.ActionStop {
		t.Fatalf("results = %+v", got)
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, usdc(10), nil, Hooks{}, nil)
	h.runner.cfg.ReviewInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runner.Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for h.model.calls() == 0 {
		select {
		case <-deadline:
			t.Fatalf("no cycle ran")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not stop")
	}
	if h.runner.Running() {
		t.Fatalf("still running")
	}
}

func TestModelFailureUsesErrorCooldown(t *testing.T) {
	h := newHarness(t, usdc(10), nil, Hooks{}, nil)
	h.runner.cfg.ReviewInterval = time.Hour
	h.model.err = errors.New("connection reset by peer")
	done := make(chan error, 1)
	go func() { done <- h.runner.Start(context.Background()) }()

	// The hour-long review interval would allow only one call.
	deadline := time.After(5 * time.Second)
	for h.model.calls() < 3 {
		select {
		case <-deadline:
			t.Fatalf("model calls = %d, cooldown not applied", h.model.calls())
		case <-time.After(time.Millisecond):
		}
	}
	h.runner.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not stop")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatalf("expected error")
	}
}
