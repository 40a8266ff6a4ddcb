// Package store is conveyor's local document store: one JSON record per
// work item under the state directory. It holds everything the remote
// tracker does not: phase plans, the shared task branch name, generated
// stage documents, and the single-use approval token.
//
// Records are written atomically (temp file + rename) under a per-item
// flock so concurrent callback handlers and batch runs in separate
// processes cannot interleave read-modify-write cycles.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conveyordev/conveyor/internal/lockfile"
	"github.com/conveyordev/conveyor/internal/types"
)

// ItemRecord is the on-disk document for one work item.
type ItemRecord struct {
	ItemID        string            `json:"item_id"`
	Plan          *types.PhasePlan  `json:"plan,omitempty"`
	Documents     map[string]string `json:"documents,omitempty"` // stage name -> generated content
	ApprovalToken string            `json:"approval_token,omitempty"`
	Pending       *PendingDecision  `json:"pending,omitempty"`
}

// PendingDecision captures the item state at notification time. Callback
// handlers compare it against live state so a stale notification can
// never apply an outdated transition.
type PendingDecision struct {
	CapturedStatus types.Status       `json:"captured_status"`
	CapturedReview types.ReviewStatus `json:"captured_review,omitempty"`
	ChatID         string             `json:"chat_id,omitempty"`
	MessageID      int                `json:"message_id,omitempty"`
	PostedAt       time.Time          `json:"posted_at"`
}

// Store reads and writes item records under a state directory.
type Store struct {
	dir string
}

// Open creates (if needed) and opens the store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "items"), 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) itemPath(itemID string) string {
	// Item ids come from the tracker; flatten anything path-hostile.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, itemID)
	return filepath.Join(s.dir, "items", safe+".json")
}

// Get loads the record for itemID. A missing record returns an empty
// record, not an error; callers distinguish by field presence.
func (s *Store) Get(itemID string) (*ItemRecord, error) {
	rec, err := s.load(itemID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies fn to the item's record under the cross-process lock and
// persists the result. fn sees the freshly loaded record.
func (s *Store) Update(itemID string, fn func(*ItemRecord) error) error {
	unlock, err := s.lockItem(itemID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := s.load(itemID)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return s.save(itemID, rec)
}

// Plan returns the stored phase plan for itemID, or nil when absent.
func (s *Store) Plan(itemID string) (*types.PhasePlan, error) {
	rec, err := s.load(itemID)
	if err != nil {
		return nil, err
	}
	return rec.Plan, nil
}

// PutPlan stores the phase plan for plan.ItemID.
func (s *Store) PutPlan(plan *types.PhasePlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	return s.Update(plan.ItemID, func(rec *ItemRecord) error {
		rec.Plan = plan
		return nil
	})
}

// ClearPlan removes the phase plan once the final phase completes.
func (s *Store) ClearPlan(itemID string) error {
	return s.Update(itemID, func(rec *ItemRecord) error {
		rec.Plan = nil
		return nil
	})
}

// Document returns the stored stage document, or "" when absent.
func (s *Store) Document(itemID, stage string) (string, error) {
	rec, err := s.load(itemID)
	if err != nil {
		return "", err
	}
	return rec.Documents[stage], nil
}

// PutDocument stores generated content for a pipeline stage.
func (s *Store) PutDocument(itemID, stage, content string) error {
	return s.Update(itemID, func(rec *ItemRecord) error {
		if rec.Documents == nil {
			rec.Documents = make(map[string]string)
		}
		rec.Documents[stage] = content
		return nil
	})
}

// SetToken arms the single-use approval token for itemID.
func (s *Store) SetToken(itemID, token string) error {
	return s.Update(itemID, func(rec *ItemRecord) error {
		rec.ApprovalToken = token
		return nil
	})
}

// TakeToken atomically reads and nulls the approval token. Exactly one of
// two concurrent calls observes a non-empty token; the other gets "".
func (s *Store) TakeToken(itemID string) (string, error) {
	var token string
	err := s.Update(itemID, func(rec *ItemRecord) error {
		token = rec.ApprovalToken
		rec.ApprovalToken = ""
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Pending returns the pending decision for itemID, or nil.
func (s *Store) Pending(itemID string) (*PendingDecision, error) {
	rec, err := s.load(itemID)
	if err != nil {
		return nil, err
	}
	return rec.Pending, nil
}

// SetPending records the decision context captured at notification time.
func (s *Store) SetPending(itemID string, p *PendingDecision) error {
	return s.Update(itemID, func(rec *ItemRecord) error {
		rec.Pending = p
		return nil
	})
}

// ClearPending removes the pending decision once it is resolved or moot.
func (s *Store) ClearPending(itemID string) error {
	return s.Update(itemID, func(rec *ItemRecord) error {
		rec.Pending = nil
		return nil
	})
}

// Reset deletes the record for itemID entirely.
func (s *Store) Reset(itemID string) error {
	if err := os.Remove(s.itemPath(itemID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset %s: %w", itemID, err)
	}
	return nil
}

func (s *Store) load(itemID string) (*ItemRecord, error) {
	data, err := os.ReadFile(s.itemPath(itemID)) // #nosec G304 - path built from sanitized id
	if os.IsNotExist(err) {
		return &ItemRecord{ItemID: itemID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", itemID, err)
	}
	var rec ItemRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", itemID, err)
	}
	return &rec, nil
}

func (s *Store) save(itemID string, rec *ItemRecord) error {
	rec.ItemID = itemID
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", itemID, err)
	}
	path := s.itemPath(itemID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", itemID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace record %s: %w", itemID, err)
	}
	return nil
}

// lockItem takes the per-item cross-process lock. The flock lives on a
// sidecar file because the data file's inode changes on every rename.
func (s *Store) lockItem(itemID string) (func(), error) {
	lockPath := s.itemPath(itemID) + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("open item lock: %w", err)
	}
	if err := lockfile.FlockExclusiveBlock(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock item %s: %w", itemID, err)
	}
	return func() {
		_ = lockfile.FlockUnlock(f)
		_ = f.Close()
	}, nil
}
