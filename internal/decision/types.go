package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionBuy      Action = "buy"
	ActionSell     Action = "sell"
	ActionLaunch   Action = "launch"
	ActionDiscover Action = "discover"
	ActionAnalyze  Action = "analyze"
	ActionWait     Action = "wait"
	ActionStop     Action = "stop"
)

// Actions is the closed action vocabulary in prompt order.
var Actions = []Action{ActionBuy, ActionSell, ActionLaunch, ActionDiscover, ActionAnalyze, ActionWait, ActionStop}

// ParseAction maps free text onto the vocabulary, case-insensitively.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	return a, a.Valid()
}

func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionLaunch, ActionDiscover, ActionAnalyze, ActionWait, ActionStop:
		return true
	}
	return false
}

// Trades reports whether the action moves funds.
func (a Action) Trades() bool { return a == ActionBuy || a == ActionSell }

// Decision is what the model chose. Params are validated only when the
// action is dispatched.
type Decision struct {
	Action     Action         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Confidence float64        `json:"confidence"`
	// Recovered is set when only the action could be salvaged from the reply.
	Recovered bool `json:"recovered,omitempty"`
	// ModelError is set when the model could not be reached at all.
	ModelError   bool          `json:"modelError,omitempty"`
	Raw          string        `json:"-"`
	ModelLatency time.Duration `json:"-"`
}

func Wait(reason string) Decision {
	return Decision{Action: ActionWait, Params: map[string]any{}, Reasoning: reason}
}

func (d Decision) String() string {
	if len(d.Params) == 0 {
		return fmt.Sprintf("%s (%.2f)", d.Action, d.Confidence)
	}
	params, _ := json.Marshal(d.Params)
	return fmt.Sprintf("%s %s (%.2f)", d.Action, params, d.Confidence)
}

// ParamError is a missing or malformed decision parameter.
type ParamError struct {
	Action Action
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Action, e.Param, e.Reason)
}

type BuyParams struct {
	TokenAddress string
	USDCAmount   decimal.Decimal
}

type SellParams struct {
	TokenAddress string
	TokenAmount  decimal.Decimal
}

type LaunchParams struct {
	Name        string
	Ticker      string
	Description string
	ImageURL    string
}

type AnalyzeParams struct {
	TokenAddress string
}

var tickerPattern = regexp.MustCompile(`^[A-Z0-9]{3,10}$`)

func (d Decision) BuyParams() (BuyParams, error) {
	addr, err := d.address("tokenAddress")
	if err != nil {
		return BuyParams{}, err
	}
	amount, err := d.positiveDecimal("usdcAmount")
	if err != nil {
		return BuyParams{}, err
	}
	return BuyParams{TokenAddress: addr, USDCAmount: amount}, nil
}

func (d Decision) SellParams() (SellParams, error) {
	addr, err := d.address("tokenAddress")
	if err != nil {
		return SellParams{}, err
	}
	amount, err := d.positiveDecimal("tokenAmount")
	if err != nil {
		return SellParams{}, err
	}
	return SellParams{TokenAddress: addr, TokenAmount: amount}, nil
}

// LaunchParams accepts the ticker under "ticker" or "symbol" and upper-cases it.
func (d Decision) LaunchParams() (LaunchParams, error) {
	name := d.str("name")
	if name == "" {
		return LaunchParams{}, &ParamError{Action: d.Action, Param: "name", Reason: "is required"}
	}
	ticker := d.str("ticker")
	if ticker == "" {
		ticker = d.str("symbol")
	}
	ticker = strings.ToUpper(ticker)
	if ticker == "" {
		return LaunchParams{}, &ParamError{Action: d.Action, Param: "ticker", Reason: "is required"}
	}
	if !tickerPattern.MatchString(ticker) {
		return LaunchParams{}, &ParamError{Action: d.Action, Param: "ticker", Reason: fmt.Sprintf("%q must be 3-10 letters or digits", ticker)}
	}
	desc := d.str("description")
	if desc == "" {
		return LaunchParams{}, &ParamError{Action: d.Action, Param: "description", Reason: "is required"}
	}
	return LaunchParams{Name: name, Ticker: ticker, Description: desc, ImageURL: d.str("imageUrl")}, nil
}

func (d Decision) AnalyzeParams() (AnalyzeParams, error) {
	addr, err := d.address("tokenAddress")
	if err != nil {
		return AnalyzeParams{}, err
	}
	return AnalyzeParams{TokenAddress: addr}, nil
}

func (d Decision) str(key string) string {
	switch v := d.Params[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (d Decision) address(key string) (string, error) {
	addr := d.str(key)
	if addr == "" {
		return "", &ParamError{Action: d.Action, Param: key, Reason: "is required"}
	}
	if !common.IsHexAddress(addr) {
		return "", &ParamError{Action: d.Action, Param: key, Reason: fmt.Sprintf("%q is not an address", addr)}
	}
	return common.HexToAddress(addr).Hex(), nil
}

// positiveDecimal reads a decimal string; bare JSON numbers are accepted too.
func (d Decision) positiveDecimal(key string) (decimal.Decimal, error) {
	var (
		v   decimal.Decimal
		err error
	)
	switch raw := d.Params[key].(type) {
	case nil:
		return decimal.Decimal{}, &ParamError{Action: d.Action, Param: key, Reason: "is required"}
	case string:
		v, err = decimal.NewFromString(strings.TrimSpace(raw))
	case json.Number:
		v, err = decimal.NewFromString(raw.String())
	case float64:
		if math.IsNaN(raw) || math.IsInf(raw, 0) {
			err = fmt.Errorf("not finite")
		} else {
			v = decimal.NewFromFloat(raw)
		}
	case int:
		v = decimal.NewFromInt(int64(raw))
	case int64:
		v = decimal.NewFromInt(raw)
	default:
		err = fmt.Errorf("unsupported type %T", raw)
	}
	if err != nil {
		return decimal.Decimal{}, &ParamError{Action: d.Action, Param: key, Reason: fmt.Sprintf("is malformed: %v", err)}
	}
	if v.Sign() <= 0 {
		return decimal.Decimal{}, &ParamError{Action: d.Action, Param: key, Reason: "must be positive"}
	}
	return v, nil
}

// confidenceOf clamps a model-supplied confidence into [0,1].
func confidenceOf(v any) (float64, bool) {
	var f float64
	switch c := v.(type) {
	case json.Number:
		parsed, err := c.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = c
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(c), "%")), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
		if strings.HasSuffix(strings.TrimSpace(c), "%") {
			f /= 100
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	return math.Max(0, math.Min(1, f)), true
}
