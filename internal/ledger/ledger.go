// Package ledger keeps an append-only journal of every movement of money
// through a node: escrow, fees, pool credits, slashes, refunds and
// withdrawals. Balances live on the node record; the journal is the audit
// trail that explains them.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account names one side of a movement.
type Account string

const (
	AccountEscrow   Account = "escrow"
	AccountPlatform Account = "platform"
	AccountFree     Account = "free_balance"
	AccountBuffer   Account = "security_buffer"
	AccountTenant   Account = "tenant"
	AccountSlashed  Account = "slashed"
	AccountOperator Account = "operator_wallet"
)

// EntryType is the direction of an entry.
type EntryType string

const (
	Credit EntryType = "credit"
	Debit  EntryType = "debit"
)

// Entry is one journal line.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	NodeID      string          `json:"node_id"`
	SessionID   string          `json:"session_id,omitempty"`
	Account     Account         `json:"account"`
	Type        EntryType       `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Journal persists entries.
type Journal interface {
	Record(ctx context.Context, entries ...Entry) error
	Entries(ctx context.Context, nodeID string, limit int) ([]Entry, error)
}

// Transfer builds the debit/credit pair moving amount from one account to
// another. Zero amounts produce no entries.
func Transfer(nodeID, sessionID string, from, to Account, amount decimal.Decimal, reference, description string, at time.Time) []Entry {
	if amount.IsZero() {
		return nil
	}
	base := Entry{
		NodeID:      nodeID,
		SessionID:   sessionID,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   at.UTC(),
	}
	out, in := base, base
	out.ID, out.Account, out.Type = uuid.New(), from, Debit
	in.ID, in.Account, in.Type = uuid.New(), to, Credit
	return []Entry{out, in}
}

func validate(entries []Entry) error {
	for _, e := range entries {
		if e.NodeID == "" {
			return fmt.Errorf("entry %s has no node id", e.ID)
		}
		if e.Amount.IsNegative() {
			return fmt.Errorf("entry %s has negative amount %s", e.ID, e.Amount)
		}
		if e.Type != Credit && e.Type != Debit {
			return fmt.Errorf("entry %s has unknown type %q", e.ID, e.Type)
		}
	}
	return nil
}

// MemoryJournal keeps entries in process.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string][]Entry)}
}

func (j *MemoryJournal) Record(ctx context.Context, entries ...Entry) error {
	if err := validate(entries); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range entries {
		j.entries[e.NodeID] = append(j.entries[e.NodeID], e)
	}
	return nil
}

// Entries returns the newest entries first.
func (j *MemoryJournal) Entries(ctx context.Context, nodeID string, limit int) ([]Entry, error) {
	j.mu.RLock()
	src := j.entries[nodeID]
	out := make([]Entry, len(src))
	copy(out, src)
	j.mu.RUnlock()

	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Net sums credits minus debits for account across entries.
func Net(entries []Entry, account Account) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if e.Account != account {
			continue
		}
		if e.Type == Credit {
			total = total.Add(e.Amount)
		} else {
			total = total.Sub(e.Amount)
		}
	}
	return total
}
