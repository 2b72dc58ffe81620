package executor

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"launchpad/agent/internal/chain"
	"launchpad/agent/internal/decision"
	"launchpad/agent/internal/payment"
	"launchpad/agent/internal/platform"
	"launchpad/agent/internal/portfolio"
)

const (
	tokenA = "0x1111111111111111111111111111111111111111"
	curveA = "0x2222222222222222222222222222222222222222"
)

type fakePlatform struct {
	calls    map[string]int
	buys     []platform.BuyRequest
	sells    []platform.SellRequest
	launches []platform.LaunchRequest
	err      error
	panicOn  string
}

func newFakePlatform() *fakePlatform { return &fakePlatform{calls: map[string]int{}} }

func (f *fakePlatform) hit(name string) error {
	f.calls[name]++
	if f.panicOn == name {
		panic("platform exploded")
	}
	return f.err
}

func (f *fakePlatform) total() int {
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakePlatform) MarketSnapshot(context.Context, int) ([]platform.Token, error) {
	if err := f.hit("market"); err != nil {
		return nil, err
	}
	return []platform.Token{{Address: tokenA, Symbol: "AAA"}}, nil
}

func (f *fakePlatform) TokenInfo(_ context.Context, addr string) (platform.TokenInfo, error) {
	if err := f.hit("info"); err != nil {
		return platform.TokenInfo{}, err
	}
	return platform.TokenInfo{Token: platform.Token{Address: addr, Name: "Alpha", BondingCurve: curveA}}, nil
}

func (f *fakePlatform) BuyQuote(_ context.Context, _ string, amount *big.Int) (platform.Quote, error) {
	if err := f.hit("buyQuote"); err != nil {
		return platform.Quote{}, err
	}
	out := new(big.Int).Mul(amount, big.NewInt(1_000_000_000_000_000))
	return platform.Quote{AmountIn: amount.String(), AmountOut: out.String(), Price: decimal.RequireFromString("0.001")}, nil
}

func (f *fakePlatform) SellQuote(_ context.Context, _ string, amount *big.Int) (platform.Quote, error) {
	if err := f.hit("sellQuote"); err != nil {
		return platform.Quote{}, err
	}
	return platform.Quote{AmountIn: amount.String(), AmountOut: "1000000"}, nil
}

func (f *fakePlatform) Launch(_ context.Context, req platform.LaunchRequest) (platform.LaunchResult, error) {
	if err := f.hit("launch"); err != nil {
		return platform.LaunchResult{}, err
	}
	f.launches = append(f.launches, req)
	return platform.LaunchResult{TokenAddress: tokenA, TxHash: "0xlaunch"}, nil
}

func (f *fakePlatform) Buy(_ context.Context, req platform.BuyRequest) (platform.TradeResult, error) {
	if err := f.hit("buy"); err != nil {
		return platform.TradeResult{}, err
	}
	f.buys = append(f.buys, req)
	out := new(big.Int).Mul(req.USDCAmount, big.NewInt(1_000_000_000_000_000))
	return platform.TradeResult{TxHash: "0xbuy", TokenAmount: out.String(), USDCAmount: req.USDCAmount.String()}, nil
}

func (f *fakePlatform) Sell(_ context.Context, req platform.SellRequest) (platform.TradeResult, error) {
	if err := f.hit("sell"); err != nil {
		return platform.TradeResult{}, err
	}
	f.sells = append(f.sells, req)
	return platform.TradeResult{TxHash: "0xsell", TokenAmount: req.TokenAmount.String(), USDCAmount: "1000000"}, nil
}

func (f *fakePlatform) SellWithAuthorization(_ context.Context, token string, amount *big.Int, _ payment.Payload) (platform.TradeResult, error) {
	if err := f.hit("sellAuth"); err != nil {
		return platform.TradeResult{}, err
	}
	return platform.TradeResult{TxHash: "0xsellauth", TokenAmount: amount.String(), USDCAmount: "1000000"}, nil
}

func (f *fakePlatform) SignBuy(context.Context, string, *big.Int, common.Address) (platform.SignedIntent, error) {
	if err := f.hit("signBuy"); err != nil {
		return platform.SignedIntent{}, err
	}
	return platform.SignedIntent{BondingCurve: curveA, Nonce: "7", Deadline: "0x6553f100", Signature: "0x" + strings.Repeat("ab", 65), MinAmountOut: "1"}, nil
}

func (f *fakePlatform) SignSell(context.Context, string, *big.Int, common.Address) (platform.SignedIntent, error) {
	if err := f.hit("signSell"); err != nil {
		return platform.SignedIntent{}, err
	}
	return platform.SignedIntent{BondingCurve: curveA, Nonce: "8", Deadline: "1700000000", Signature: "0x" + strings.Repeat("cd", 65)}, nil
}

type fakeChain struct {
	approvals []common.Address
	buys      []chain.CurveCall
	sells     []chain.CurveCall
}

func (c *fakeChain) EnsureAllowance(_ context.Context, token, _ common.Address, _ *big.Int) error {
	c.approvals = append(c.approvals, token)
	return nil
}

func (c *fakeChain) SubmitBuy(_ context.Context, call chain.CurveCall) (common.Hash, error) {
	c.buys = append(c.buys, call)
	return common.HexToHash("0x01"), nil
}

func (c *fakeChain) SubmitSell(_ context.Context, call chain.CurveCall) (common.Hash, error) {
	c.sells = append(c.sells, call)
	return common.HexToHash("0x02"), nil
}

func usdc(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }

func newTestDispatcher(p Platform, balance *big.Int) (*Dispatcher, *portfolio.State) {
	state := portfolio.New()
	state.SetBalance(balance)
	d := New(Options{
		Platform: p,
		State:    state,
		Limits:   decision.Limits{MaxPositionSize: usdc(5), MaxPositions: 2, MinBalance: usdc(1)},
		Mode:     ModeGasless,
		Now:      func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	return d, state
}

func buyDecision(amount string) decision.Decision {
	return decision.Decision{Action: decision.ActionBuy, Params: map[string]any{"tokenAddress": tokenA, "usdcAmount": amount}}
}

func TestBuyClampsToMaxPositionSize(t *testing.T) {
	p := newFakePlatform()
	d, state := newTestDispatcher(p, usdc(100))

	out := d.Dispatch(context.Background(), buyDecision("50"))
	if !out.Success {
		t.Fatalf("buy failed: %s", out.Error)
	}
	if len(p.buys) != 1 || p.buys[0].USDCAmount.Cmp(usdc(5)) != 0 {
		t.Fatalf("platform buy = %+v", p.buys)
	}
	data := out.Data.(TradeData)
	if !data.Clamped || data.USDCAmount != "5000000" {
		t.Fatalf("data = %+v", data)
	}
	if state.OpenCount() != 1 || state.Balance().Cmp(usdc(95)) != 0 {
		t.Fatalf("state = %d positions, balance %s", state.OpenCount(), state.Balance())
	}
}

func TestBuyRejectedWithoutPlatformCall(t *testing.T) {
	tests := []struct {
		name    string
		balance *big.Int
		open    int
		amount  string
		want    string
	}{
		{"max positions", usdc(100), 2, "1", "max positions reached (2/2)"},
		{"exceeds balance", usdc(2), 0, "3", "exceeds balance"},
		{"dust", usdc(100), 0, "0.0000001", "below one atomic unit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePlatform()
			d, state := newTestDispatcher(p, tt.balance)
			for i := 0; i < tt.open; i++ {
				state.AddPosition(tokenA, big.NewInt(1), big.NewInt(1), decimal.Zero, time.Now())
			}
			out := d.Dispatch(context.Background(), buyDecision(tt.amount))
			if out.Success || !strings.Contains(out.Error, tt.want) {
				t.Fatalf("outcome = %+v, want error containing %q", out, tt.want)
			}
			if p.total() != 0 {
				t.Fatalf("platform called: %v", p.calls)
			}
		})
	}
}

func TestLaunchBadTickerFailsLocally(t *testing.T) {
	p := newFakePlatform()
	d, state := newTestDispatcher(p, usdc(10))
	out := d.Dispatch(context.Background(), decision.Decision{Action: decision.ActionLaunch, Params: map[string]any{
		"name": "Alpha", "ticker": "ab", "description": "first",
	}})
	if out.Success || !strings.Contains(out.Error, "ticker") {
		t.Fatalf("outcome = %+v", out)
	}
	if p.total() != 0 || len(state.Snapshot().Launched) != 0 {
		t.Fatalf("launch reached platform")
	}

	out = d.Dispatch(context.Background(), decision.Decision{Action: decision.ActionLaunch, Params: map[string]any{
		"name": "Alpha", "symbol": "alpha", "description": "first",
	}})
	if !out.Success || p.launches[0].Symbol != "ALPHA" {
		t.Fatalf("outcome = %+v launches %+v", out, p.launches)
	}
	if got := state.Snapshot().Launched; len(got) != 1 || got[0] != tokenA {
		t.Fatalf("launched = %v", got)
	}
}

func TestSellRemovesOldestPosition(t *testing.T) {
	p := newFakePlatform()
	d, state := newTestDispatcher(p, usdc(10))
	first := state.AddPosition(tokenA, big.NewInt(1), usdc(1), decimal.Zero, time.Unix(1, 0))
	state.AddPosition(tokenA, big.NewInt(2), usdc(2), decimal.Zero, time.Unix(2, 0))

	out := d.Dispatch(context.Background(), decision.Decision{Action: decision.ActionSell, Params: map[string]any{"tokenAddress": tokenA, "tokenAmount": "1000"}})
	if !out.Success {
		t.Fatalf("sell failed: %s", out.Error)
	}
	if out.Data.(TradeData).PositionID != first.ID {
		t.Fatalf("removed %s, want oldest %s", out.Data.(TradeData).PositionID, first.ID)
	}
	if state.OpenCount() != 1 {
		t.Fatalf("open = %d", state.OpenCount())
	}
	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	if p.sells[0].TokenAmount.Cmp(want) != 0 {
		t.Fatalf("sold %s", p.sells[0].TokenAmount)
	}
}

func TestSellBelowMinimum(t *testing.T) {
	p := newFakePlatform()
	d, _ := newTestDispatcher(p, usdc(10))
	out := d.Dispatch(context.Background(), decision.Decision{Action: decision.ActionSell, Params: map[string]any{"tokenAddress": tokenA, "tokenAmount": "0.0000001"}})
	if out.Success || !strings.Contains(out.Error, "below minimum") {
		t.Fatalf("outcome = %+v", out)
	}
	if p.total() != 0 {
		t.Fatalf("platform called")
	}
}

func TestSelfExecuteBuyAndSell(t *testing.T) {
	p := newFakePlatform()
	c := &fakeChain{}
	state := portfolio.New()
	state.SetBalance(usdc(10))
	usdcAddr := common.HexToAddress("0x9999999999999999999999999999999999999999")
	d := New(Options{Platform: p, Chain: c, State: state, Mode: ModeSelfExecute, USDC: usdcAddr, Limits: decision.Limits{MaxPositions: 3}})

	out := d.Dispatch(context.Background(), buyDecision("2"))
	if !out.Success {
		t.Fatalf("buy failed: %s", out.Error)
	}
	if p.calls["buy"] != 0 || len(c.buys) != 1 {
		t.Fatalf("buy did not go on-chain: %v", p.calls)
	}
	call := c.buys[0]
	if call.Nonce.Int64() != 7 || call.Deadline.Int64() != 0x6553f100 || len(call.Signature) != 65 || call.Amount.Cmp(usdc(2)) != 0 {
		t.Fatalf("curve call = %+v", call)
	}
	if c.approvals[0] != usdcAddr || out.TxHash == "" {
		t.Fatalf("approval %v hash %q", c.approvals, out.TxHash)
	}

	out = d.Dispatch(context.Background(), decision.Decision{Action: decision.ActionSell, Params: map[string]any{"tokenAddress": tokenA, "tokenAmount": "1"}})
	if !out.Success || len(c.sells) != 1 || c.approvals[1] != common.HexToAddress(tokenA) {
		t.Fatalf("sell outcome %+v approvals %v", out, c.approvals)
	}
	if state.OpenCount() != 0 {
		t.Fatalf("position not removed")
	}
}

func TestSelfExecuteWithoutChainFails(t *testing.T) {
	p := newFakePlatform()
	d := New(Options{Platform: p, Mode: ModeSelfExecute})
	d.state.SetBalance(usdc(10))
	out := d.Dispatch(context.Background(), buyDecision("1"))
	if out.Success || !strings.Contains(out.Error, "no chain client") {
		t.Fatalf("outcome = %+v", out)
	}
}

type stubSigner struct{ accepts []payment.Accept }

func (s *stubSigner) Address() common.Address { return common.Address{} }
func (s *stubSigner) Authorize(_ context.Context, a payment.Accept) (payment.Payload, error) {
	s.accepts = append(s.accepts, a)
	return payment.Payload{X402Version: 1, Scheme: a.Scheme, Network: a.Network}, nil
}

func TestGaslessSellWithSignerAuthorizesTransfer(t *testing.T) {
	p := newFakePlatform()
	signer := &stubSigner{}
	d := New(Options{Platform: p, Mode: ModeGasless, Signer: signer, Network: "base"})
	out := d.Dispatch(context.Background(), decision.Decision{Action: decision.ActionSell, Params: map[string]any{"tokenAddress": tokenA, "tokenAmount": "5"}})
	if !out.Success || p.calls["sellAuth"] != 1 || p.calls["sell"] != 0 {
		t.Fatalf("outcome %+v calls %v", out, p.calls)
	}
	a := signer.accepts[0]
	if a.PayTo != curveA || a.Asset != tokenA || a.Extra.Name != "Alpha" || a.MaxAmountRequired != "5000000000000000000" {
		t.Fatalf("accept = %+v", a)
	}
	if !out.Data.(TradeData).Untracked {
		t.Fatalf("expected untracked sale")
	}
}

func TestDispatchContainsFailures(t *testing.T) {
	p := newFakePlatform()
	p.panicOn = "info"
	d, _ := newTestDispatcher(p, usdc(10))
	out := d.Dispatch(context.Background(), decision.Decision{Action: decision.ActionAnalyze, Params: map[string]any{"tokenAddress": tokenA}})
	if out.Success || !strings.Contains(out.Error, "platform exploded") || out.Action != decision.ActionAnalyze {
		t.Fatalf("outcome = %+v", out)
	}

	p.panicOn = ""
	p.err = errors.New("502 bad gateway")
	out = d.Dispatch(context.Background(), buyDecision("1"))
	if out.Success || !strings.Contains(out.Error, "502") {
		t.Fatalf("outcome = %+v", out)
	}

	out = d.Dispatch(context.Background(), decision.Decision{Action: decision.ActionDiscover})
	if !out.Success {
		t.Fatalf("discover should succeed despite platform error: %+v", out)
	}
	out = d.Dispatch(context.Background(), decision.Decision{Action: "moonwalk"})
	if out.Success || !strings.Contains(out.Error, "unknown action") {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestWaitAndStopSucceed(t *testing.T) {
	p := newFakePlatform()
	d, _ := newTestDispatcher(p, usdc(1))
	for _, a := range []decision.Action{decision.ActionWait, decision.ActionStop} {
		if out := d.Dispatch(context.Background(), decision.Decision{Action: a}); !out.Success {
			t.Fatalf("%s failed: %+v", a, out)
		}
	}
	if p.total() != 0 {
		t.Fatalf("platform called")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeAuto, "Gasless": ModeGasless, "self-execute": ModeSelfExecute} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseMode("yolo"); err == nil {
		t.Fatalf("expected error")
	}
}
