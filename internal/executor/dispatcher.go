package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"launchpad/agent/internal/chain"
	"launchpad/agent/internal/decision"
	"launchpad/agent/internal/logger"
	"launchpad/agent/internal/payment"
	"launchpad/agent/internal/platform"
	"launchpad/agent/internal/portfolio"
)

// MinSellAtomic is the smallest token amount worth sending to the platform.
var MinSellAtomic = big.NewInt(1_000_000_000_000)

const discoverLimit = 20

type Mode string

const (
	ModeGasless     Mode = "gasless"
	ModeSelfExecute Mode = "self-execute"
	ModeAuto        Mode = "auto"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeGasless, ModeSelfExecute, ModeAuto:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
}

// Platform is the part of the launchpad API the dispatcher drives.
type Platform interface {
	MarketSnapshot(ctx context.Context, n int) ([]platform.Token, error)
	TokenInfo(ctx context.Context, address string) (platform.TokenInfo, error)
	BuyQuote(ctx context.Context, token string, usdcAtomic *big.Int) (platform.Quote, error)
	SellQuote(ctx context.Context, token string, tokenAtomic *big.Int) (platform.Quote, error)
	Launch(ctx context.Context, req platform.LaunchRequest) (platform.LaunchResult, error)
	Buy(ctx context.Context, req platform.BuyRequest) (platform.TradeResult, error)
	Sell(ctx context.Context, req platform.SellRequest) (platform.TradeResult, error)
	SellWithAuthorization(ctx context.Context, token string, amount *big.Int, auth payment.Payload) (platform.TradeResult, error)
	SignBuy(ctx context.Context, token string, usdcAtomic *big.Int, trader common.Address) (platform.SignedIntent, error)
	SignSell(ctx context.Context, token string, tokenAtomic *big.Int, trader common.Address) (platform.SignedIntent, error)
}

// Chain is the on-chain side of self-executed trades.
type Chain interface {
	EnsureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error
	SubmitBuy(ctx context.Context, call chain.CurveCall) (common.Hash, error)
	SubmitSell(ctx context.Context, call chain.CurveCall) (common.Hash, error)
}

// ValidationError is a decision the dispatcher refused before any call.
type ValidationError struct {
	Action decision.Action
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Action, e.Reason)
}

// Outcome is the result of one dispatch. Failures are values, not errors.
type Outcome struct {
	Action  decision.Action `json:"action"`
	Success bool            `json:"success"`
	Data    any             `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	TxHash  string          `json:"txHash,omitempty"`
}

type TradeData struct {
	TokenAddress string `json:"tokenAddress"`
	USDCAmount   string `json:"usdcAmount,omitempty"`
	TokenAmount  string `json:"tokenAmount,omitempty"`
	Price        string `json:"price,omitempty"`
	Clamped      bool   `json:"clamped,omitempty"`
	PositionID   string `json:"positionId,omitempty"`
	Untracked    bool   `json:"untracked,omitempty"`
}

type Options struct {
	Platform Platform
	// Chain is required for self-execute mode only.
	Chain  Chain
	State  *portfolio.State
	Limits decision.Limits
	Mode   Mode
	Owner  common.Address
	USDC   common.Address
	// Signer enables direct-signature sells in gasless mode.
	Signer      payment.Signer
	Network     string
	SlippageBps int
	Now         func() time.Time
}

type Dispatcher struct {
	platform    Platform
	chain       Chain
	state       *portfolio.State
	limits      decision.Limits
	mode        Mode
	owner       common.Address
	usdc        common.Address
	signer      payment.Signer
	network     string
	slippageBps int
	now         func() time.Time
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		platform:    opts.Platform,
		chain:       opts.Chain,
		state:       opts.State,
		limits:      opts.Limits,
		mode:        opts.Mode,
		owner:       opts.Owner,
		usdc:        opts.USDC,
		signer:      opts.Signer,
		network:     opts.Network,
		slippageBps: opts.SlippageBps,
		now:         opts.Now,
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.state == nil {
		d.state = portfolio.New()
	}
	if d.mode == "" || d.mode == ModeAuto {
		d.mode = ModeGasless
	}
	return d
}

// SetMode fixes the execution path once auto-detection has run.
func (d *Dispatcher) SetMode(m Mode) {
	if m == ModeGasless || m == ModeSelfExecute {
		d.mode = m
	}
}

func (d *Dispatcher) Mode() Mode { return d.mode }

// Dispatch executes dec. It never panics and never returns an error: any
// failure, including a panic in a collaborator, is reported in the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, dec decision.Decision) (out Outcome) {
	out = Outcome{Action: dec.Action}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[dispatch] %s panicked: %v", dec.Action, r)
			out = Outcome{Action: dec.Action, Error: fmt.Sprintf("panic during %s: %v", dec.Action, r)}
		}
	}()

	var err error
	switch dec.Action {
	case decision.ActionBuy:
		out, err = d.buy(ctx, dec)
	case decision.ActionSell:
		out, err = d.sell(ctx, dec)
	case decision.ActionLaunch:
		out, err = d.launch(ctx, dec)
	case decision.ActionAnalyze:
		out, err = d.analyze(ctx, dec)
	case decision.ActionDiscover:
		out = d.discover(ctx)
	case decision.ActionWait:
		out = Outcome{Success: true}
	case decision.ActionStop:
		out = Outcome{Success: true, Data: "stop requested"}
	default:
		err = &ValidationError{Action: dec.Action, Reason: "unknown action"}
	}
	out.Action = dec.Action
	if err != nil {
		out.Success = false
		out.Error = err.Error()
		logger.Warnf("[dispatch] %s failed: %v", dec.Action, err)
		return out
	}
	out.Success = true
	return out
}

func (d *Dispatcher) buy(ctx context.Context, dec decision.Decision) (Outcome, error) {
	params, err := dec.BuyParams()
	if err != nil {
		return Outcome{}, &ValidationError{Action: dec.Action, Reason: err.Error()}
	}
	if limit := d.limits.MaxPositions; limit > 0 && d.state.OpenCount() >= limit {
		return Outcome{}, &ValidationError{Action: dec.Action, Reason: fmt.Sprintf("max positions reached (%d/%d)", d.state.OpenCount(), limit)}
	}
	amount := decision.ToAtomic(params.USDCAmount, decision.USDCDecimals)
	if amount.Sign() <= 0 {
		return Outcome{}, &ValidationError{Action: dec.Action, Reason: "usdcAmount is below one atomic unit"}
	}
	clamped := false
	if limit := d.limits.MaxPositionSize; limit != nil && limit.Sign() > 0 && amount.Cmp(limit) > 0 {
		logger.Infof("[dispatch] clamping buy of %s USDC to max position size %s USDC", decision.FormatUSDC(amount), decision.FormatUSDC(limit))
		amount = new(big.Int).Set(limit)
		clamped = true
	}
	balance := d.state.Balance()
	if amount.Cmp(balance) > 0 {
		return Outcome{}, &ValidationError{Action: dec.Action, Reason: fmt.Sprintf("buy of %s USDC exceeds balance %s USDC", decision.FormatUSDC(amount), decision.FormatUSDC(balance))}
	}

	var (
		tokens *big.Int
		price  decimal.Decimal
		txHash string
	)
	switch d.mode {
	case ModeSelfExecute:
		tokens, price, txHash, err = d.selfBuy(ctx, params.TokenAddress, amount)
	default:
		var res platform.TradeResult
		res, err = d.platform.Buy(ctx, platform.BuyRequest{TokenAddress: params.TokenAddress, USDCAmount: amount, SlippageBps: d.slippageBps})
		tokens, price, txHash = res.Tokens(), res.Price, res.TxHash
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("buy %s: %w", params.TokenAddress, err)
	}
	if price.Sign() <= 0 && tokens.Sign() > 0 {
		price = decision.FromAtomic(amount, decision.USDCDecimals).Div(decision.FromAtomic(tokens, decision.TokenDecimals))
	}

	pos := d.state.AddPosition(params.TokenAddress, tokens, amount, price, d.now())
	d.state.SetBalance(new(big.Int).Sub(balance, amount))
	logger.Infof("[dispatch] bought %s tokens of %s for %s USDC (%s)", decision.FormatTokens(tokens), params.TokenAddress, decision.FormatUSDC(amount), d.mode)
	return Outcome{
		TxHash: txHash,
		Data: TradeData{
			TokenAddress: params.TokenAddress,
			USDCAmount:   amount.String(),
			TokenAmount:  tokens.String(),
			Price:        price.String(),
			Clamped:      clamped,
			PositionID:   pos.ID,
		},
	}, nil
}

func (d *Dispatcher) selfBuy(ctx context.Context, token string, amount *big.Int) (*big.Int, decimal.Decimal, string, error) {
	if d.chain == nil {
		return nil, decimal.Zero, "", errors.New("self-execute mode has no chain client")
	}
	quote, err := d.platform.BuyQuote(ctx, token, amount)
	if err != nil {
		return nil, decimal.Zero, "", fmt.Errorf("quote: %w", err)
	}
	intent, err := d.platform.SignBuy(ctx, token, amount, d.owner)
	if err != nil {
		return nil, decimal.Zero, "", fmt.Errorf("sign: %w", err)
	}
	call, err := curveCall(intent, amount)
	if err != nil {
		return nil, decimal.Zero, "", err
	}
	if err := d.chain.EnsureAllowance(ctx, d.usdc, call.BondingCurve, amount); err != nil {
		return nil, decimal.Zero, "", fmt.Errorf("approve usdc: %w", err)
	}
	hash, err := d.chain.SubmitBuy(ctx, call)
	if err != nil {
		return nil, decimal.Zero, "", err
	}
	return quote.Out(), quote.Price, hash.Hex(), nil
}

func (d *Dispatcher) sell(ctx context.Context, dec decision.Decision) (Outcome, error) {
	params, err := dec.SellParams()
	if err != nil {
		return Outcome{}, &ValidationError{Action: dec.Action, Reason: err.Error()}
	}
	amount := decision.ToAtomic(params.TokenAmount, decision.TokenDecimals)
	if amount.Cmp(MinSellAtomic) < 0 {
		return Outcome{}, &ValidationError{Action: dec.Action, Reason: fmt.Sprintf("tokenAmount %s is below minimum sellable amount", params.TokenAmount)}
	}

	var (
		usdc   *big.Int
		txHash string
	)
	switch {
	case d.mode == ModeSelfExecute:
		usdc, txHash, err = d.selfSell(ctx, params.TokenAddress, amount)
	case d.signer != nil:
		var res platform.TradeResult
		res, err = d.authorizedSell(ctx, params.TokenAddress, amount)
		usdc, txHash = res.USDC(), res.TxHash
	default:
		var res platform.TradeResult
		res, err = d.platform.Sell(ctx, platform.SellRequest{TokenAddress: params.TokenAddress, TokenAmount: amount, SlippageBps: d.slippageBps})
		usdc, txHash = res.USDC(), res.TxHash
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("sell %s: %w", params.TokenAddress, err)
	}

	data := TradeData{TokenAddress: params.TokenAddress, TokenAmount: amount.String(), USDCAmount: usdc.String()}
	if pos, ok := d.state.RemoveOneForAsset(params.TokenAddress); ok {
		data.PositionID = pos.ID
	} else {
		data.Untracked = true
		logger.Infof("[dispatch] sold %s with no tracked position", params.TokenAddress)
	}
	logger.Infof("[dispatch] sold %s tokens of %s for %s USDC (%s)", decision.FormatTokens(amount), params.TokenAddress, decision.FormatUSDC(usdc), d.mode)
	return Outcome{TxHash: txHash, Data: data}, nil
}

// authorizedSell signs a transfer authorization for the tokens to the curve
// and lets the platform settle it.
func (d *Dispatcher) authorizedSell(ctx context.Context, token string, amount *big.Int) (platform.TradeResult, error) {
	info, err := d.platform.TokenInfo(ctx, token)
	if err != nil {
		return platform.TradeResult{}, fmt.Errorf("token info: %w", err)
	}
	if !common.IsHexAddress(info.BondingCurve) {
		return platform.TradeResult{}, errors.New("token has no bonding curve address")
	}
	accept := payment.Accept{
		Scheme:            payment.SchemeExact,
		Network:           d.network,
		MaxAmountRequired: amount.String(),
		PayTo:             info.BondingCurve,
		Asset:             token,
		MaxTimeoutSeconds: 300,
	}
	accept.Extra.Name = info.Name
	accept.Extra.Version = "1"
	auth, err := d.signer.Authorize(ctx, accept)
	if err != nil {
		return platform.TradeResult{}, fmt.Errorf("authorize transfer: %w", err)
	}
	return d.platform.SellWithAuthorization(ctx, token, amount, auth)
}

func (d *Dispatcher) selfSell(ctx context.Context, token string, amount *big.Int) (*big.Int, string, error) {
	if d.chain == nil {
		return nil, "", errors.New("self-execute mode has no chain client")
	}
	quote, err := d.platform.SellQuote(ctx, token, amount)
	if err != nil {
		return nil, "", fmt.Errorf("quote: %w", err)
	}
	intent, err := d.platform.SignSell(ctx, token, amount, d.owner)
	if err != nil {
		return nil, "", fmt.Errorf("sign: %w", err)
	}
	call, err := curveCall(intent, amount)
	if err != nil {
		return nil, "", err
	}
	if err := d.chain.EnsureAllowance(ctx, common.HexToAddress(token), call.BondingCurve, amount); err != nil {
		return nil, "", fmt.Errorf("approve token: %w", err)
	}
	hash, err := d.chain.SubmitSell(ctx, call)
	if err != nil {
		return nil, "", err
	}
	return quote.Out(), hash.Hex(), nil
}

func (d *Dispatcher) launch(ctx context.Context, dec decision.Decision) (Outcome, error) {
	params, err := dec.LaunchParams()
	if err != nil {
		return Outcome{}, &ValidationError{Action: dec.Action, Reason: err.Error()}
	}
	res, err := d.platform.Launch(ctx, platform.LaunchRequest{
		Name:        params.Name,
		Symbol:      params.Ticker,
		Description: params.Description,
		ImageURL:    params.ImageURL,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("launch %s: %w", params.Ticker, err)
	}
	launched := res.TokenAddress
	if launched == "" {
		launched = params.Ticker
	}
	d.state.RecordLaunch(launched)
	logger.Infof("[dispatch] launched %s (%s)", params.Ticker, launched)
	return Outcome{TxHash: res.TxHash, Data: res}, nil
}

func (d *Dispatcher) analyze(ctx context.Context, dec decision.Decision) (Outcome, error) {
	params, err := dec.AnalyzeParams()
	if err != nil {
		return Outcome{}, &ValidationError{Action: dec.Action, Reason: err.Error()}
	}
	info, err := d.platform.TokenInfo(ctx, params.TokenAddress)
	if err != nil {
		return Outcome{}, fmt.Errorf("analyze %s: %w", params.TokenAddress, err)
	}
	return Outcome{Data: info}, nil
}

// discover refreshes the listing for the next prompt. A failed fetch is
// logged and does not fail the action.
func (d *Dispatcher) discover(ctx context.Context) Outcome {
	tokens, err := d.platform.MarketSnapshot(ctx, discoverLimit)
	if err != nil {
		logger.Warnf("[dispatch] discover: %v", err)
		return Outcome{}
	}
	return Outcome{Data: map[string]int{"tokens": len(tokens)}}
}

func curveCall(intent platform.SignedIntent, amount *big.Int) (chain.CurveCall, error) {
	nonce, ok := parseUint(intent.Nonce)
	if !ok {
		return chain.CurveCall{}, fmt.Errorf("invalid nonce %q in signed intent", intent.Nonce)
	}
	deadline, ok := parseUint(intent.Deadline)
	if !ok {
		return chain.CurveCall{}, fmt.Errorf("invalid deadline %q in signed intent", intent.Deadline)
	}
	minOut, ok := parseUint(intent.MinAmountOut)
	if !ok {
		minOut = new(big.Int)
	}
	sig, err := hexutil.Decode(strings.TrimSpace(intent.Signature))
	if err != nil {
		return chain.CurveCall{}, fmt.Errorf("invalid signature in signed intent: %w", err)
	}
	return chain.CurveCall{
		BondingCurve: common.HexToAddress(intent.BondingCurve),
		Amount:       amount,
		MinAmountOut: minOut,
		Nonce:        nonce,
		Deadline:     deadline,
		Signature:    sig,
	}, nil
}

// parseUint reads decimal or 0x-prefixed hex.
func parseUint(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
