package demurrage

import (
	"errors"
	"fmt"

	"github.com/marctheshark3/mining-wave/internal/chain"
	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// ErrClassification marks a transaction too malformed to classify
var ErrClassification = errors.New("demurrage: malformed transaction")

// Rule names, stored on every event
const (
	RuleOutgoing    = "outgoing"
	RuleAddress     = "address"
	RuleKnownAmount = "known-amount"
	RulePattern     = "pattern"
)

// KnownAmount is a previously observed demurrage amount. Height 0 matches any block.
type KnownAmount struct {
	Height    uint64
	Amount    int64
	Direction Direction
}

// Candidate is the input to every rule
type Candidate struct {
	Tx    *chain.Transaction
	Block *chain.Block
}

func (c *Candidate) height() uint64 {
	if c.Block != nil && c.Block.Height > 0 {
		return c.Block.Height
	}
	return c.Tx.Height
}

func (c *Candidate) event(dir Direction, conf Confidence, amount int64, rule string) *Event {
	ev := &Event{
		TxID:           c.Tx.ID,
		BlockHeight:    c.height(),
		BlockID:        c.Tx.BlockID,
		BlockTimestamp: c.Tx.Timestamp,
		Direction:      dir,
		Amount:         amount,
		Confidence:     conf,
		Rule:           rule,
	}
	if c.Block != nil {
		if c.Block.ID != "" {
			ev.BlockID = c.Block.ID
		}
		if c.Block.Timestamp > 0 {
			ev.BlockTimestamp = c.Block.Timestamp
		}
	}
	return ev
}

// Rule is a pure predicate. matched with a nil event stops evaluation without an event.
type Rule struct {
	Name  string
	Match func(c *Candidate) (ev *Event, matched bool)
}

// Classifier applies an ordered rule list, first match wins
type Classifier struct {
	wallet        string
	feeAddresses  map[string]struct{}
	minRecipients int
	tolerance     int64
	known         []KnownAmount
	patternUnit   int64
	patternMod    int64
	remainders    map[int64]struct{}

	rules []Rule
}

// NewClassifier builds a classifier from the demurrage config
func NewClassifier(cfg config.DemurrageConfig) *Classifier {
	c := &Classifier{
		wallet:        cfg.WalletAddress,
		feeAddresses:  make(map[string]struct{}, len(cfg.FeeAddresses)),
		minRecipients: cfg.MinDistributionRecipients,
		tolerance:     util.ToNano(cfg.KnownAmountTolerance),
		patternUnit:   cfg.PatternUnit,
		patternMod:    cfg.PatternModulus,
		remainders:    make(map[int64]struct{}, len(cfg.PatternRemainders)),
	}
	if c.minRecipients <= 0 {
		c.minRecipients = 2
	}
	if c.patternUnit <= 0 {
		c.patternUnit = 100000
	}
	if c.patternMod <= 0 {
		c.patternMod = 100
	}
	for _, a := range cfg.FeeAddresses {
		c.feeAddresses[a] = struct{}{}
	}
	for _, r := range cfg.PatternRemainders {
		c.remainders[r] = struct{}{}
	}
	for _, k := range cfg.KnownAmounts {
		c.known = append(c.known, KnownAmount{
			Height:    k.Height,
			Amount:    util.ToNano(k.Amount),
			Direction: Direction(k.Direction),
		})
	}

	c.rules = []Rule{
		{Name: RuleOutgoing, Match: c.matchOutgoing},
		{Name: RuleAddress, Match: c.matchAddress},
		{Name: RuleKnownAmount, Match: c.matchKnownAmount},
		{Name: RulePattern, Match: c.matchPattern},
	}
	return c
}

// Wallet returns the tracked wallet address
func (c *Classifier) Wallet() string {
	return c.wallet
}

// Rules returns the rule names in evaluation order
func (c *Classifier) Rules() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.Name
	}
	return names
}

// Classify returns the event for tx, or nil when the transaction is not demurrage related
func (c *Classifier) Classify(tx *chain.Transaction, block *chain.Block) (*Event, error) {
	if err := validate(tx); err != nil {
		return nil, err
	}

	cand := &Candidate{Tx: tx, Block: block}
	for _, r := range c.rules {
		if ev, ok := r.Match(cand); ok {
			return ev, nil
		}
	}
	return nil, nil
}

func validate(tx *chain.Transaction) error {
	if tx != nil && tx.DecodeErr != nil {
		return fmt.Errorf("%w: tx %q: %v", ErrClassification, tx.ID, tx.DecodeErr)
	}
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: missing transaction id", ErrClassification)
	}
	for _, in := range tx.Inputs {
		if in.Value < 0 {
			return fmt.Errorf("%w: tx %s: negative input value", ErrClassification, tx.ID)
		}
	}
	for _, out := range tx.Outputs {
		if out.Value < 0 {
			return fmt.Errorf("%w: tx %s: negative output value", ErrClassification, tx.ID)
		}
		for _, a := range out.Assets {
			if a.Amount < 0 {
				return fmt.Errorf("%w: tx %s: negative token amount", ErrClassification, tx.ID)
			}
		}
	}
	return nil
}

func (c *Classifier) isFee(address string) bool {
	_, ok := c.feeAddresses[address]
	return ok
}

// recipients sums outputs per address, skipping the wallet, fee boxes and unresolved addresses
func (c *Classifier) recipients(tx *chain.Transaction) (map[string]int64, map[string]int64, int64) {
	paid := make(map[string]int64)
	tokens := make(map[string]int64)
	var total int64
	for _, out := range tx.Outputs {
		if out.Address == "" || out.Address == c.wallet || c.isFee(out.Address) {
			continue
		}
		paid[out.Address] += out.Value
		total += out.Value
		for _, a := range out.Assets {
			tokens[a.TokenID] += a.Amount
		}
	}
	return paid, tokens, total
}

func (c *Classifier) matchOutgoing(cand *Candidate) (*Event, bool) {
	spends := false
	for _, in := range cand.Tx.Inputs {
		if in.Address == c.wallet {
			spends = true
			break
		}
	}
	if !spends {
		return nil, false
	}

	paid, tokens, total := c.recipients(cand.Tx)
	if len(paid) == 0 {
		// self-transfer or consolidation
		return nil, true
	}

	conf := Verified
	if len(paid) < c.minRecipients {
		conf = Unknown
	}

	ev := cand.event(Distribution, conf, total, RuleOutgoing)
	ev.RecipientCount = len(paid)
	ev.Recipients = paid
	if len(tokens) > 0 {
		ev.TokenAmounts = tokens
	}
	return ev, true
}

func (c *Classifier) matchAddress(cand *Candidate) (*Event, bool) {
	var amount int64
	tokens := make(map[string]int64)
	for _, out := range cand.Tx.Outputs {
		if out.Address != c.wallet {
			continue
		}
		amount += out.Value
		for _, a := range out.Assets {
			tokens[a.TokenID] += a.Amount
		}
	}
	if amount == 0 && len(tokens) == 0 {
		return nil, false
	}

	conf := Verified
	if c.inputsUnresolved(cand.Tx) {
		// could be a distribution from the wallet paying change back to itself
		if others, _, _ := c.recipients(cand.Tx); len(others) >= c.minRecipients {
			conf = Unknown
		}
	}

	ev := cand.event(Collection, conf, amount, RuleAddress)
	if len(tokens) > 0 {
		ev.TokenAmounts = tokens
	}
	return ev, true
}

func (c *Classifier) inputsUnresolved(tx *chain.Transaction) bool {
	for _, in := range tx.Inputs {
		if in.Address == "" {
			return true
		}
	}
	return false
}

func (c *Classifier) matchKnownAmount(cand *Candidate) (*Event, bool) {
	h := cand.height()
	for _, out := range cand.Tx.Outputs {
		if out.Address != "" {
			continue
		}
		for _, k := range c.known {
			if k.Height != 0 && k.Height != h {
				continue
			}
			if abs(out.Value-k.Amount) < c.tolerance {
				return cand.event(k.Direction, Verified, out.Value, RuleKnownAmount), true
			}
		}
	}
	return nil, false
}

func (c *Classifier) matchPattern(cand *Candidate) (*Event, bool) {
	for _, out := range cand.Tx.Outputs {
		if out.Address != "" {
			continue
		}
		if c.IsPatternAmount(out.Value) {
			return cand.event(Collection, Pattern, out.Value, RulePattern), true
		}
	}
	return nil, false
}

// IsPatternAmount reports whether a nano amount carries the fee-fraction signature
func (c *Classifier) IsPatternAmount(nano int64) bool {
	if nano <= 0 {
		return false
	}
	_, ok := c.remainders[(nano/c.patternUnit)%c.patternMod]
	return ok
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
