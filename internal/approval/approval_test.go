package approval

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyordev/conveyor/internal/store"
	"github.com/conveyordev/conveyor/internal/types"
)

func newClaimStore(t *testing.T) *ClaimStore {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return &ClaimStore{Store: s}
}

func TestArmAndClaim(t *testing.T) {
	c := newClaimStore(t)

	armed, err := c.Arm("cvy-50")
	require.NoError(t, err)
	assert.Len(t, armed, 32, "token should be 128-bit hex")

	claimed, err := c.Claim("cvy-50")
	require.NoError(t, err)
	assert.Equal(t, armed, claimed)

	_, err = c.Claim("cvy-50")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimUnarmed(t *testing.T) {
	c := newClaimStore(t)
	_, err := c.Claim("cvy-51")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestConcurrentClaimsResolveToOneWinner(t *testing.T) {
	c := newClaimStore(t)
	armed, err := c.Arm("cvy-52")
	require.NoError(t, err)

	const callers = 12
	var winners sync.Map
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			token, err := c.Claim("cvy-52")
			if err == nil {
				winners.Store(i, token)
			} else if !errors.Is(err, ErrAlreadyClaimed) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	winners.Range(func(_, v interface{}) bool {
		count++
		assert.Equal(t, armed, v)
		return true
	})
	assert.Equal(t, 1, count, "exactly one concurrent claim may win")
}

func TestRestoreReArmsToken(t *testing.T) {
	c := newClaimStore(t)
	armed, err := c.Arm("cvy-53")
	require.NoError(t, err)

	token, err := c.Claim("cvy-53")
	require.NoError(t, err)

	// Downstream failed: put the token back so the operator can retry.
	require.NoError(t, c.Restore("cvy-53", token))

	again, err := c.Claim("cvy-53")
	require.NoError(t, err)
	assert.Equal(t, armed, again)

	assert.Error(t, c.Restore("cvy-53", ""), "empty token must not re-arm")
}

func TestUndoTokenRoundTrip(t *testing.T) {
	issued := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	tok := &UndoToken{
		ItemID:     "cvy-54",
		Action:     UndoRequestChanges,
		PrevStatus: types.StatusPRReview,
		PrevReview: types.ReviewWaitingForReview,
		IssuedAt:   issued,
	}

	payload := tok.Payload()
	assert.True(t, strings.HasPrefix(payload, "u_rc:cvy-54:"))
	assert.LessOrEqual(t, len(payload), 64, "callback payloads are size-limited")

	fields := strings.Split(payload, ":")
	decoded, err := DecodeUndoToken(UndoAction(fields[0]), fields[1:])
	require.NoError(t, err)
	assert.Equal(t, tok.ItemID, decoded.ItemID)
	assert.Equal(t, tok.PrevStatus, decoded.PrevStatus)
	assert.Equal(t, tok.PrevReview, decoded.PrevReview)
	assert.True(t, decoded.IssuedAt.Equal(issued))
}

func TestUndoTokenDecodeRejectsGarbage(t *testing.T) {
	cases := [][]string{
		{"cvy-1", "0", "0"},             // too few fields
		{"", "0", "0", "123"},           // empty item
		{"cvy-1", "x", "0", "123"},      // bad status index
		{"cvy-1", "99", "0", "123"},     // status out of range
		{"cvy-1", "0", "99", "123"},     // review out of range
		{"cvy-1", "0", "0", "not-unix"}, // bad timestamp
	}
	for _, args := range cases {
		_, err := DecodeUndoToken(UndoApprove, args)
		assert.Error(t, err, "args %v must be rejected", args)
	}

	_, err := DecodeUndoToken(UndoAction("approve"), []string{"cvy-1", "0", "0", "123"})
	assert.Error(t, err, "non-undo action must be rejected")
}

func TestUndoWindowBoundary(t *testing.T) {
	issued := time.Now()
	tok := &UndoToken{
		ItemID: "cvy-55", Action: UndoApprove,
		PrevStatus: types.StatusTechnicalDesign, IssuedAt: issued,
	}

	assert.True(t, tok.Valid(issued.Add(4*time.Minute+59*time.Second)))
	assert.False(t, tok.Valid(issued.Add(5*time.Minute+time.Second)))
}
