package portfolio

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	HistoryLimit  = 50
	LaunchedLimit = 10
)

type Status string

const (
	StatusOpen    Status = "open"
	StatusPartial Status = "partial"
	StatusClosed  Status = "closed"
)

// Position is one buy. Several positions in the same asset may coexist.
type Position struct {
	ID         string          `json:"id"`
	Asset      string          `json:"asset"`
	Amount     *big.Int        `json:"amount"`
	Invested   *big.Int        `json:"invested"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	Status     Status          `json:"status"`
}

func (p Position) clone() Position {
	p.Amount = cloneInt(p.Amount)
	p.Invested = cloneInt(p.Invested)
	return p
}

// HistoryEntry is the part of a cycle result the decision prompt looks back at.
type HistoryEntry struct {
	Cycle      uint64    `json:"cycle"`
	Action     string    `json:"action"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// Snapshot is a deep copy of State, safe to hand to readers.
type Snapshot struct {
	Balance       *big.Int       `json:"balance"`
	Positions     []Position     `json:"positions"`
	History       []HistoryEntry `json:"history"`
	Launched      []string       `json:"launched"`
	CumulativePnL *big.Int       `json:"cumulativePnl"`
	Wins          int            `json:"wins"`
	Losses        int            `json:"losses"`
}

// State is mutated only by the agent loop that owns it. The lock exists so
// status readers can take snapshots from other goroutines.
type State struct {
	mu        sync.RWMutex
	balance   *big.Int
	positions []Position
	history   []HistoryEntry
	launched  []string
	pnl       *big.Int
	wins      int
	losses    int
	newID     func() string
}

func New() *State {
	return &State{balance: new(big.Int), pnl: new(big.Int), newID: uuid.NewString}
}

func (s *State) Balance() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneInt(s.balance)
}

func (s *State) SetBalance(balance *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = cloneInt(balance)
}

// AddPosition always appends; buying an asset already held opens a second
// position.
func (s *State) AddPosition(asset string, amount, invested *big.Int, price decimal.Decimal, at time.Time) Position {
	p := Position{
		ID:         s.newID(),
		Asset:      strings.TrimSpace(asset),
		Amount:     nonNegative(amount),
		Invested:   nonNegative(invested),
		EntryPrice: price,
		EntryTime:  at,
		Status:     StatusOpen,
	}
	s.mu.Lock()
	s.positions = append(s.positions, p)
	s.mu.Unlock()
	return p.clone()
}

// RemoveOneForAsset drops the oldest open position in asset. It is a no-op
// when none is tracked, e.g. tokens bought outside the agent.
func (s *State) RemoveOneForAsset(asset string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.positions {
		if !sameAsset(p.Asset, asset) || p.Status == StatusClosed {
			continue
		}
		s.positions = append(s.positions[:i:i], s.positions[i+1:]...)
		p.Status = StatusClosed
		return p, true
	}
	return Position{}, false
}

func (s *State) RecordLaunch(asset string) {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launched = append(s.launched, asset)
	if len(s.launched) > LaunchedLimit {
		s.launched = append([]string(nil), s.launched[len(s.launched)-LaunchedLimit:]...)
	}
}

// ApplyExecutionResult adds after-before to the cumulative P&L when both
// balances are known and returns that delta (nil otherwise). Successful
// trades with a nonzero delta count as a win or a loss by its sign.
func (s *State) ApplyExecutionResult(trade, success bool, before, after *big.Int) *big.Int {
	if before == nil || after == nil {
		return nil
	}
	delta := new(big.Int).Sub(after, before)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pnl.Add(s.pnl, delta)
	if trade && success {
		switch delta.Sign() {
		case 1:
			s.wins++
		case -1:
			s.losses++
		}
	}
	return new(big.Int).Set(delta)
}

func (s *State) AppendHistory(e HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	if len(s.history) > HistoryLimit {
		s.history = append([]HistoryEntry(nil), s.history[len(s.history)-HistoryLimit:]...)
	}
}

func (s *State) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.positions {
		if p.Status != StatusClosed {
			n++
		}
	}
	return n
}

// PositionsFor returns the open positions in asset, oldest first.
func (s *State) PositionsFor(asset string) []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Position
	for _, p := range s.positions {
		if sameAsset(p.Asset, asset) && p.Status != StatusClosed {
			out = append(out, p.clone())
		}
	}
	return out
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Balance:       cloneInt(s.balance),
		Positions:     make([]Position, 0, len(s.positions)),
		History:       append([]HistoryEntry(nil), s.history...),
		Launched:      append([]string(nil), s.launched...),
		CumulativePnL: cloneInt(s.pnl),
		Wins:          s.wins,
		Losses:        s.losses,
	}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, p.clone())
	}
	return snap
}

// Restore replaces the state with snap, e.g. history seeded from the journal.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = cloneInt(snap.Balance)
	s.positions = s.positions[:0]
	for _, p := range snap.Positions {
		s.positions = append(s.positions, p.clone())
	}
	s.history = append([]HistoryEntry(nil), snap.History...)
	if len(s.history) > HistoryLimit {
		s.history = s.history[len(s.history)-HistoryLimit:]
	}
	s.launched = append([]string(nil), snap.Launched...)
	if len(s.launched) > LaunchedLimit {
		s.launched = s.launched[len(s.launched)-LaunchedLimit:]
	}
	s.pnl = cloneInt(snap.CumulativePnL)
	s.wins = snap.Wins
	s.losses = snap.Losses
}

func sameAsset(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func nonNegative(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
