package domain

import "time"

// CardStatus represents the current state of a card
type CardStatus string

const (
	CardIssued  CardStatus = "ISSUED"
	CardActive  CardStatus = "ACTIVE"
	CardBlocked CardStatus = "BLOCKED"
)

// CardType distinguishes plastic from virtual cards.
type CardType string

const (
	CardPhysical CardType = "PHYSICAL"
	CardVirtual  CardType = "VIRTUAL"
)

// Valid reports whether t is a known card type.
func (t CardType) Valid() bool {
	return t == CardPhysical || t == CardVirtual
}

// Card is a payment card owned by an account.
type Card struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	Type           CardType   `json:"type"`
	Status         CardStatus `json:"status"`
	LastFourDigits string     `json:"last_four_digits"`
	Expiry         string     `json:"expiry"`
	EncryptedPAN   []byte     `json:"-"`
	PANNonce       []byte     `json:"-"`
	PANKey         []byte     `json:"-"`
	KeyID          string     `json:"-"`
	BlockReason    string     `json:"block_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AllowedCardTransitions defines valid card state transitions. Blocked is
// terminal; a blocked card is replaced, never reactivated.
func AllowedCardTransitions() map[CardStatus][]CardStatus {
	return map[CardStatus][]CardStatus{
		CardIssued:  {CardActive, CardBlocked},
		CardActive:  {CardBlocked},
		CardBlocked: {},
	}
}

// CanTransitionCard reports whether from -> to is allowed.
func CanTransitionCard(from, to CardStatus) bool {
	for _, s := range AllowedCardTransitions()[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CardTransitionError builds the error for a rejected card move.
func CardTransitionError(cardID string, from, to CardStatus) error {
	return &InvalidTransitionError{
		Entity: "card",
		ID:     cardID,
		From:   string(from),
		To:     string(to),
		kind:   ErrInvalidCardTransition,
	}
}
