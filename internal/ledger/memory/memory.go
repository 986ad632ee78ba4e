// Package memory provides an in-memory ledger journal. It backs tests and
// the default development backend, mirroring the semantics of the SQLite
// journal including the unique request token constraint.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"finledger/internal/core"
	"finledger/internal/ledger"
)

type Store struct {
	mu         sync.Mutex
	accounts   map[uuid.UUID]core.Account
	entries    map[uuid.UUID][]core.Entry // per account, ascending seq
	transfers  []core.Transfer
	byToken    map[string]uuid.UUID
	categories map[string]map[string]bool // owner -> names
}

var _ ledger.Journal = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		accounts:   make(map[uuid.UUID]core.Account),
		entries:    make(map[uuid.UUID][]core.Entry),
		byToken:    make(map[string]uuid.UUID),
		categories: make(map[string]map[string]bool),
	}
}

func (s *Store) CreateAccount(ctx context.Context, a core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status core.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return core.ErrAccountNotFound
	}
	a.Status = status
	s.accounts[id] = a
	return nil
}

func (s *Store) Accounts(ctx context.Context) ([]core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AppendEntry(ctx context.Context, e core.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e)
}

func (s *Store) appendLocked(e core.Entry) error {
	rows := s.entries[e.AccountID]
	if want := int64(len(rows)) + 1; e.Seq != want {
		return fmt.Errorf("account %s: append seq %d, expected %d", e.AccountID, e.Seq, want)
	}
	s.entries[e.AccountID] = append(rows, e)
	return nil
}

func (s *Store) AppendTransfer(ctx context.Context, debit, credit core.Entry, t core.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.RequestToken != "" {
		if _, ok := s.byToken[t.RequestToken]; ok {
			return fmt.Errorf("request token %q already used: %w", t.RequestToken, core.ErrDuplicateRequest)
		}
	}
	if err := s.appendLocked(debit); err != nil {
		return err
	}
	if err := s.appendLocked(credit); err != nil {
		// Roll the debit back so the pair stays all-or-nothing.
		rows := s.entries[debit.AccountID]
		s.entries[debit.AccountID] = rows[:len(rows)-1]
		return err
	}
	s.transfers = append(s.transfers, t)
	if t.RequestToken != "" {
		s.byToken[t.RequestToken] = t.ID
	}
	return nil
}

func (s *Store) MarkReversed(ctx context.Context, correlationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for accountID, rows := range s.entries {
		for i := range rows {
			if rows[i].CorrelationID == correlationID {
				rows[i].Status = core.EntryReversed
				found = true
			}
		}
		s.entries[accountID] = rows
	}
	for i := range s.transfers {
		if s.transfers[i].ID == correlationID {
			s.transfers[i].Reversed = true
		}
	}
	if !found {
		return core.ErrTransferNotFound
	}
	return nil
}

func (s *Store) Entries(ctx context.Context, accountID uuid.UUID, fromSeq int64, limit int) ([]core.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.entries[accountID]
	if fromSeq < 1 {
		fromSeq = 1
	}
	if fromSeq > int64(len(rows)) {
		return nil, nil
	}
	out := rows[fromSeq-1:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cp := make([]core.Entry, len(out))
	copy(cp, out)
	return cp, nil
}

func (s *Store) FindEntries(ctx context.Context, f ledger.EntryFilter) ([]core.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.Entry
	for accountID, rows := range s.entries {
		if f.Account != nil && accountID != *f.Account {
			continue
		}
		for _, e := range rows {
			if f.Category != "" && e.Category != f.Category {
				continue
			}
			if e.Seq < f.FromSeq {
				continue
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) Transfers(ctx context.Context) ([]core.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]core.Transfer, len(s.transfers))
	copy(cp, s.transfers)
	return cp, nil
}

func (s *Store) EnsureCategory(ctx context.Context, owner, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cats, ok := s.categories[owner]
	if !ok {
		cats = make(map[string]bool)
		s.categories[owner] = cats
	}
	cats[name] = true
	return nil
}

func (s *Store) Categories(ctx context.Context, owner string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.categories[owner]))
	for name := range s.categories[owner] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
