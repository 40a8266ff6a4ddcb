// Package approval guards human-triggered actions. A single-use claim
// token arms each pending decision so double-clicks and network retries
// collapse to one effect, and a time-boxed undo token lets the operator
// reverse a decision without any server-side undo state.
package approval

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/conveyordev/conveyor/internal/store"
)

// ErrAlreadyClaimed is returned when the token was already consumed.
// Contention, not failure: the caller should check whether the winner's
// action completed and report "already done".
var ErrAlreadyClaimed = errors.New("approval already claimed")

// ClaimStore arms and claims single-use approval tokens, one per item.
type ClaimStore struct {
	Store *store.Store
}

// NewToken generates an opaque single-use secret.
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate claim token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Arm generates and stores a fresh token for the item's pending approval.
// Called when the decision notification is posted.
func (c *ClaimStore) Arm(itemID string) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	if err := c.Store.SetToken(itemID, token); err != nil {
		return "", err
	}
	return token, nil
}

// Claim consumes the item's token in one atomic read-and-null. Of two
// concurrent claims, exactly one succeeds; the other gets
// ErrAlreadyClaimed.
func (c *ClaimStore) Claim(itemID string) (string, error) {
	token, err := c.Store.TakeToken(itemID)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("item %s: %w", itemID, ErrAlreadyClaimed)
	}
	return token, nil
}

// Restore re-arms the token after a downstream failure so the operator's
// action remains retryable.
func (c *ClaimStore) Restore(itemID, token string) error {
	if token == "" {
		return fmt.Errorf("item %s: cannot restore empty token", itemID)
	}
	return c.Store.SetToken(itemID, token)
}
