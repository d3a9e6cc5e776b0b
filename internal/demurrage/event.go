// Package demurrage classifies wallet transactions into demurrage collections and
// distributions and maps heights onto fixed-size epochs.
package demurrage

// Direction of funds relative to the tracked wallet
type Direction string

const (
	Collection   Direction = "collection"
	Distribution Direction = "distribution"
)

// Confidence of a classification. Only Verified events count toward headline totals.
type Confidence string

const (
	Verified Confidence = "verified"
	Pattern  Confidence = "pattern"
	Unknown  Confidence = "unknown"
)

// Event is a classified wallet transaction, keyed by TxID
type Event struct {
	TxID           string           `json:"txId"`
	BlockHeight    uint64           `json:"blockHeight"`
	BlockID        string           `json:"blockId"`
	BlockTimestamp int64            `json:"blockTimestamp"`
	Direction      Direction        `json:"direction"`
	Amount         int64            `json:"amount"`
	TokenAmounts   map[string]int64 `json:"tokenAmounts,omitempty"`
	Confidence     Confidence       `json:"confidence"`
	RecipientCount int              `json:"recipientCount"`
	Recipients     map[string]int64 `json:"recipients,omitempty"`
	Rule           string           `json:"rule"`
}

// IsVerifiedCollection reports whether the event counts as collected demurrage
func (e *Event) IsVerifiedCollection() bool {
	return e.Direction == Collection && e.Confidence == Verified
}

// IsVerifiedDistribution reports whether the event counts as distributed demurrage
func (e *Event) IsVerifiedDistribution() bool {
	return e.Direction == Distribution && e.Confidence == Verified
}

// PaidTo returns the amount this event paid to address
func (e *Event) PaidTo(address string) int64 {
	if e.Direction != Distribution {
		return 0
	}
	return e.Recipients[address]
}
