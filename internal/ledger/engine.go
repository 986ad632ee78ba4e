// Package ledger implements the transfer engine: account registry, per
// account append serialization, idempotent atomic transfers and the derived
// read models (balances, history, category aggregates).
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"finledger/internal/core"
	"finledger/internal/log"
)

const defaultLockTimeout = 5 * time.Second

// transferCategory is applied when a transfer request carries no category.
const transferCategory = "transfer"

// Options tunes engine behavior. The zero value is usable.
type Options struct {
	// LockTimeout bounds how long a write waits for account append locks
	// before failing with LOCK_TIMEOUT.
	LockTimeout time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// TransferRequest is the input of Engine.Transfer.
type TransferRequest struct {
	From     uuid.UUID
	To       uuid.UUID
	Amount   int64
	Currency core.Currency
	Category string
	// RequestToken makes the transfer idempotent: a second call with the
	// same token returns the original result without reapplying. Empty
	// tokens disable deduplication for this call.
	RequestToken string
}

// Engine owns the runtime ledger state. Balances and sequence counters are
// caches derived from the journal; the journal rows remain the only source
// of truth and are replayed on startup.
type Engine struct {
	journal     Journal
	lockTimeout time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	accounts map[uuid.UUID]core.Account
	states   map[uuid.UUID]*accountState

	tokMu  sync.Mutex
	tokens map[string]*tokenState

	trMu      sync.RWMutex
	transfers map[uuid.UUID]core.Transfer

	index  *CategoryIndex
	halted atomic.Bool
}

// accountState serializes appends for one account. Writers hold sem for the
// whole validate-append-update cycle; mu only guards the balance/seq pair so
// snapshot reads never wait on an in-flight transfer.
type accountState struct {
	sem chan struct{}

	mu      sync.Mutex
	balance int64
	nextSeq int64
}

func newAccountState() *accountState {
	return &accountState{sem: make(chan struct{}, 1), nextSeq: 1}
}

func (st *accountState) snapshot() (balance, lastSeq int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.balance, st.nextSeq - 1
}

func (st *accountState) apply(amount int64) (seq int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	seq = st.nextSeq
	st.nextSeq++
	st.balance += amount
	return seq
}

type tokenState struct {
	done     chan struct{}
	transfer core.Transfer
	err      error
}

// New builds an engine over journal, replaying existing rows to rebuild
// balances, sequence counters, the category index and the idempotency table.
// Replay inconsistencies (sequence gaps, unbalanced correlation pairs) fail
// with LEDGER_CORRUPTION.
func New(ctx context.Context, journal Journal, opts Options) (*Engine, error) {
	e := &Engine{
		journal:     journal,
		lockTimeout: opts.LockTimeout,
		now:         opts.Clock,
		accounts:    make(map[uuid.UUID]core.Account),
		states:      make(map[uuid.UUID]*accountState),
		tokens:      make(map[string]*tokenState),
		transfers:   make(map[uuid.UUID]core.Transfer),
		index:       NewCategoryIndex(),
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = defaultLockTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}

	if err := e.replay(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// replay loads accounts and walks every entry, recomputing derived state and
// checking the ledger invariants.
func (e *Engine) replay(ctx context.Context) error {
	accounts, err := e.journal.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	pairSums := make(map[uuid.UUID]int64)
	pairCounts := make(map[uuid.UUID]int)

	for _, a := range accounts {
		e.accounts[a.ID] = a
		st := newAccountState()
		e.states[a.ID] = st

		var fromSeq int64 = 1
		for {
			batch, err := e.journal.Entries(ctx, a.ID, fromSeq, replayBatchSize)
			if err != nil {
				return fmt.Errorf("replay account %s: %w", a.ID, err)
			}
			for _, entry := range batch {
				if entry.Seq != st.nextSeq {
					return fmt.Errorf("account %s: entry %s has seq %d, expected %d: %w",
						a.ID, entry.ID, entry.Seq, st.nextSeq, core.ErrLedgerCorruption)
				}
				st.nextSeq++
				st.balance += entry.Amount
				pairSums[entry.CorrelationID] += entry.Amount
				pairCounts[entry.CorrelationID]++
				e.index.Add(a.Owner, core.Period(entry.CreatedAt), entry.Category, entry.Amount)
			}
			if len(batch) < replayBatchSize {
				break
			}
			fromSeq = batch[len(batch)-1].Seq + 1
		}
	}

	// Every transfer pair must net to zero across its two entries.
	for id, n := range pairCounts {
		if n == 2 && pairSums[id] != 0 {
			return fmt.Errorf("correlation %s: debit and credit do not offset: %w", id, core.ErrLedgerCorruption)
		}
	}

	transfers, err := e.journal.Transfers(ctx)
	if err != nil {
		return fmt.Errorf("load transfers: %w", err)
	}
	for _, t := range transfers {
		e.transfers[t.ID] = t
		if t.RequestToken == "" {
			continue
		}
		ts := &tokenState{done: make(chan struct{}), transfer: t}
		close(ts.done)
		e.tokens[t.RequestToken] = ts
	}
	return nil
}

const replayBatchSize = 500

// Halted reports whether writes are refused after a detected corruption.
func (e *Engine) Halted() bool {
	return e.halted.Load()
}

func (e *Engine) checkWritable() error {
	if e.halted.Load() {
		return core.ErrLedgerCorruption
	}
	return nil
}

// OpenAccount registers a new active account.
func (e *Engine) OpenAccount(ctx context.Context, owner string, currency core.Currency, typ core.AccountType) (core.Account, error) {
	if err := e.checkWritable(); err != nil {
		return core.Account{}, err
	}
	a := core.Account{
		ID:        uuid.New(),
		Owner:     strings.TrimSpace(owner),
		Currency:  currency,
		Type:      typ,
		Status:    core.AccountActive,
		CreatedAt: e.now().UTC(),
	}
	if err := a.Validate(); err != nil {
		return core.Account{}, err
	}
	if err := e.journal.CreateAccount(ctx, a); err != nil {
		return core.Account{}, fmt.Errorf("create account: %w", err)
	}

	e.mu.Lock()
	e.accounts[a.ID] = a
	e.states[a.ID] = newAccountState()
	e.mu.Unlock()

	slog.InfoContext(ctx, "Account opened",
		log.FieldAccountID, a.ID,
		"owner", a.Owner,
		log.FieldCurrency, a.Currency,
		"type", a.Type)
	return a, nil
}

// CloseAccount marks the account closed. The append lock is taken so a close
// cannot interleave with an in-flight transfer on the same account.
func (e *Engine) CloseAccount(ctx context.Context, id uuid.UUID) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	st, err := e.state(id)
	if err != nil {
		return err
	}
	release, err := e.acquire(ctx, st)
	if err != nil {
		return err
	}
	defer release()

	if err := e.journal.UpdateAccountStatus(ctx, id, core.AccountClosed); err != nil {
		return fmt.Errorf("close account: %w", err)
	}
	e.mu.Lock()
	a := e.accounts[id]
	a.Status = core.AccountClosed
	e.accounts[id] = a
	e.mu.Unlock()

	slog.InfoContext(ctx, "Account closed", log.FieldAccountID, id)
	return nil
}

// Account returns the registered account record.
func (e *Engine) Account(id uuid.UUID) (core.Account, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.accounts[id]
	if !ok {
		return core.Account{}, core.ErrAccountNotFound
	}
	return a, nil
}

func (e *Engine) state(id uuid.UUID) (*accountState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[id]
	if !ok {
		return nil, core.ErrAccountNotFound
	}
	return st, nil
}

// Balance returns the cached derived balance and the last committed sequence
// number for the account.
func (e *Engine) Balance(id uuid.UUID) (core.Money, int64, error) {
	st, err := e.state(id)
	if err != nil {
		return core.Money{}, 0, err
	}
	balance, lastSeq := st.snapshot()
	return core.Money{Cents: balance}, lastSeq, nil
}

// BalanceAt computes the point-in-time balance by summing journal entries up
// to and including seq. It never blocks writers.
func (e *Engine) BalanceAt(ctx context.Context, id uuid.UUID, seq int64) (core.Money, error) {
	if _, err := e.Account(id); err != nil {
		return core.Money{}, err
	}
	var sum int64
	var fromSeq int64 = 1
	for fromSeq <= seq {
		batch, err := e.journal.Entries(ctx, id, fromSeq, replayBatchSize)
		if err != nil {
			return core.Money{}, fmt.Errorf("balance at seq %d: %w", seq, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, entry := range batch {
			if entry.Seq > seq {
				return core.Money{Cents: sum}, nil
			}
			sum += entry.Amount
		}
		fromSeq = batch[len(batch)-1].Seq + 1
	}
	return core.Money{Cents: sum}, nil
}

// Deposit appends a single committed credit entry.
func (e *Engine) Deposit(ctx context.Context, id uuid.UUID, amount int64, category string) (core.Entry, error) {
	return e.appendSingle(ctx, id, amount, category, false)
}

// Withdraw appends a single committed debit entry, checking the available
// balance first.
func (e *Engine) Withdraw(ctx context.Context, id uuid.UUID, amount int64, category string) (core.Entry, error) {
	return e.appendSingle(ctx, id, amount, category, true)
}

func (e *Engine) appendSingle(ctx context.Context, id uuid.UUID, amount int64, category string, debit bool) (core.Entry, error) {
	if err := e.checkWritable(); err != nil {
		return core.Entry{}, err
	}
	if amount <= 0 {
		return core.Entry{}, core.ErrInvalidAmount
	}
	category = strings.TrimSpace(category)
	if category == "" {
		return core.Entry{}, core.ErrEmptyCategory
	}

	st, err := e.state(id)
	if err != nil {
		return core.Entry{}, err
	}
	release, err := e.acquire(ctx, st)
	if err != nil {
		return core.Entry{}, err
	}
	defer release()

	// Read the account record only after the lock is held: CloseAccount
	// takes the same lock, so the status seen here cannot flip before the
	// append commits.
	a, err := e.Account(id)
	if err != nil {
		return core.Entry{}, err
	}
	if !a.Active() {
		return core.Entry{}, core.ErrAccountInactive
	}
	signed := amount
	if debit {
		signed = -amount
		if balance, _ := st.snapshot(); balance < amount {
			return core.Entry{}, core.ErrInsufficientFunds
		}
	}

	if err := e.journal.EnsureCategory(ctx, a.Owner, category); err != nil {
		return core.Entry{}, fmt.Errorf("ensure category: %w", err)
	}

	entryID := uuid.New()
	_, lastSeq := st.snapshot()
	entry := core.Entry{
		ID:            entryID,
		AccountID:     id,
		Seq:           lastSeq + 1,
		Amount:        signed,
		Currency:      a.Currency,
		Category:      category,
		CorrelationID: entryID, // single entries correlate with themselves
		Status:        core.EntryCommitted,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.journal.AppendEntry(ctx, entry); err != nil {
		return core.Entry{}, fmt.Errorf("append entry: %w", err)
	}
	st.apply(signed)
	e.index.Add(a.Owner, core.Period(entry.CreatedAt), category, signed)

	slog.InfoContext(ctx, "Entry committed",
		log.FieldEntryID, entry.ID,
		log.FieldAccountID, id,
		log.FieldSeq, entry.Seq,
		log.FieldAmountCents, signed,
		log.FieldCategory, category)
	return entry, nil
}

// Transfer atomically moves amount between two accounts. It returns the
// applied transfer, plus duplicate=true when the request token was already
// used and the stored result is being replayed.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (core.Transfer, bool, error) {
	if err := e.checkWritable(); err != nil {
		return core.Transfer{}, false, err
	}
	if req.Amount <= 0 {
		return core.Transfer{}, false, core.ErrInvalidAmount
	}
	if err := req.Currency.Validate(); err != nil {
		return core.Transfer{}, false, err
	}
	if req.From == req.To {
		return core.Transfer{}, false, core.ErrSameAccount
	}
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = transferCategory
	}

	var ts *tokenState
	if req.RequestToken != "" {
		var fresh bool
		ts, fresh = e.reserveToken(req.RequestToken)
		if !fresh {
			return e.awaitToken(ctx, ts)
		}
	}

	t, err := e.applyTransfer(ctx, req, category)
	if ts != nil {
		if err != nil {
			e.failToken(req.RequestToken, ts, err)
		} else {
			e.resolveToken(ts, t)
		}
	}
	return t, false, err
}

func (e *Engine) applyTransfer(ctx context.Context, req TransferRequest, category string) (core.Transfer, error) {
	fromSt, err := e.state(req.From)
	if err != nil {
		return core.Transfer{}, err
	}
	toSt, err := e.state(req.To)
	if err != nil {
		return core.Transfer{}, err
	}

	// Both locks in canonical id order, so two transfers on the same pair
	// can never deadlock whichever direction they run.
	first, second := fromSt, toSt
	if bytes.Compare(req.From[:], req.To[:]) > 0 {
		first, second = toSt, fromSt
	}
	release, err := e.acquire(ctx, first, second)
	if err != nil {
		return core.Transfer{}, err
	}
	defer release()

	// Account records are read only after both locks are held: CloseAccount
	// takes the same lock, so a close that finished while this transfer was
	// queued behind the lock is visible to the status check below.
	from, err := e.Account(req.From)
	if err != nil {
		return core.Transfer{}, err
	}
	to, err := e.Account(req.To)
	if err != nil {
		return core.Transfer{}, err
	}
	if !from.Active() || !to.Active() {
		return core.Transfer{}, core.ErrAccountInactive
	}
	if from.Currency != to.Currency || from.Currency != req.Currency {
		return core.Transfer{}, core.ErrCurrencyMismatch
	}
	if balance, _ := fromSt.snapshot(); balance < req.Amount {
		return core.Transfer{}, core.ErrInsufficientFunds
	}

	if err := e.journal.EnsureCategory(ctx, from.Owner, category); err != nil {
		return core.Transfer{}, fmt.Errorf("ensure category: %w", err)
	}
	if to.Owner != from.Owner {
		if err := e.journal.EnsureCategory(ctx, to.Owner, category); err != nil {
			return core.Transfer{}, fmt.Errorf("ensure category: %w", err)
		}
	}

	now := e.now().UTC()
	correlationID := uuid.New()
	_, fromLast := fromSt.snapshot()
	_, toLast := toSt.snapshot()
	debit := core.Entry{
		ID:            uuid.New(),
		AccountID:     req.From,
		Seq:           fromLast + 1,
		Amount:        -req.Amount,
		Currency:      req.Currency,
		Category:      category,
		CorrelationID: correlationID,
		Status:        core.EntryCommitted,
		CreatedAt:     now,
	}
	credit := core.Entry{
		ID:            uuid.New(),
		AccountID:     req.To,
		Seq:           toLast + 1,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Category:      category,
		CorrelationID: correlationID,
		Status:        core.EntryCommitted,
		CreatedAt:     now,
	}
	t := core.Transfer{
		ID:            correlationID,
		From:          req.From,
		To:            req.To,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Category:      category,
		RequestToken:  req.RequestToken,
		DebitEntryID:  debit.ID,
		CreditEntryID: credit.ID,
		DebitSeq:      debit.Seq,
		CreditSeq:     credit.Seq,
		CreatedAt:     now,
	}

	if err := e.journal.AppendTransfer(ctx, debit, credit, t); err != nil {
		return core.Transfer{}, fmt.Errorf("append transfer: %w", err)
	}
	e.trMu.Lock()
	e.transfers[t.ID] = t
	e.trMu.Unlock()
	fromSt.apply(debit.Amount)
	toSt.apply(credit.Amount)
	e.index.Add(from.Owner, core.Period(now), category, debit.Amount)
	e.index.Add(to.Owner, core.Period(now), category, credit.Amount)

	slog.InfoContext(ctx, "Transfer committed",
		log.FieldTransferID, t.ID,
		"from", req.From,
		"to", req.To,
		log.FieldAmountCents, req.Amount,
		log.FieldCurrency, req.Currency,
		"debit_seq", t.DebitSeq,
		"credit_seq", t.CreditSeq)
	return t, nil
}

// Reverse undoes a committed transfer by applying the opposite transfer and
// marking the original entries reversed. It is idempotent: the reversal runs
// under a derived request token, so calling it twice replays the first
// result.
func (e *Engine) Reverse(ctx context.Context, transferID uuid.UUID) (core.Transfer, bool, error) {
	if err := e.checkWritable(); err != nil {
		return core.Transfer{}, false, err
	}
	orig, err := e.GetTransfer(transferID)
	if err != nil {
		return core.Transfer{}, false, err
	}

	reversal, duplicate, err := e.Transfer(ctx, TransferRequest{
		From:         orig.To,
		To:           orig.From,
		Amount:       orig.Amount,
		Currency:     orig.Currency,
		Category:     orig.Category,
		RequestToken: "reverse:" + transferID.String(),
	})
	if err != nil || duplicate {
		return reversal, duplicate, err
	}

	if err := e.journal.MarkReversed(ctx, transferID); err != nil {
		return reversal, false, fmt.Errorf("mark reversed: %w", err)
	}
	e.trMu.Lock()
	orig.Reversed = true
	e.transfers[transferID] = orig
	e.trMu.Unlock()
	slog.InfoContext(ctx, "Transfer reversed",
		log.FieldTransferID, transferID,
		"reversal_id", reversal.ID)
	return reversal, false, nil
}

// GetTransfer returns an applied transfer by id.
func (e *Engine) GetTransfer(id uuid.UUID) (core.Transfer, error) {
	e.trMu.RLock()
	defer e.trMu.RUnlock()
	t, ok := e.transfers[id]
	if !ok {
		return core.Transfer{}, core.ErrTransferNotFound
	}
	return t, nil
}

// Transactions queries committed entries through the journal.
func (e *Engine) Transactions(ctx context.Context, f EntryFilter) ([]core.Entry, error) {
	if f.Account != nil {
		if _, err := e.Account(*f.Account); err != nil {
			return nil, err
		}
	}
	entries, err := e.journal.FindEntries(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("find entries: %w", err)
	}
	return entries, nil
}

// History returns a restartable scanner over one account's entries starting
// at fromSeq.
func (e *Engine) History(id uuid.UUID, fromSeq int64) (*Scanner, error) {
	if _, err := e.Account(id); err != nil {
		return nil, err
	}
	return newScanner(e.journal, id, fromSeq), nil
}

// CategoryReport returns the aggregated category statistics for one owner
// and period.
func (e *Engine) CategoryReport(owner, period string) core.CategoryReport {
	return e.index.Report(owner, period)
}

// Verify replays the journal and compares derived balances against the
// cached ones. A mismatch halts all further writes until the process is
// restarted after manual repair.
func (e *Engine) Verify(ctx context.Context) error {
	e.mu.RLock()
	ids := make([]uuid.UUID, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		st, err := e.state(id)
		if err != nil {
			return err
		}
		cached, lastSeq := st.snapshot()

		var sum int64
		var count int64
		var fromSeq int64 = 1
		for {
			batch, err := e.journal.Entries(ctx, id, fromSeq, replayBatchSize)
			if err != nil {
				return fmt.Errorf("verify account %s: %w", id, err)
			}
			for _, entry := range batch {
				if entry.Seq > lastSeq {
					continue // committed after the snapshot, not part of it
				}
				count++
				sum += entry.Amount
				if entry.Seq != count {
					e.halted.Store(true)
					return fmt.Errorf("account %s: sequence gap at %d: %w", id, entry.Seq, core.ErrLedgerCorruption)
				}
			}
			if len(batch) < replayBatchSize {
				break
			}
			fromSeq = batch[len(batch)-1].Seq + 1
		}
		if count != lastSeq || sum != cached {
			e.halted.Store(true)
			return fmt.Errorf("account %s: replayed balance %d does not match cached %d: %w",
				id, sum, cached, core.ErrLedgerCorruption)
		}
	}
	return nil
}

// acquire takes the given append locks in order, bounded by the configured
// lock timeout. The returned release frees whatever was acquired.
func (e *Engine) acquire(ctx context.Context, states ...*accountState) (func(), error) {
	timer := time.NewTimer(e.lockTimeout)
	defer timer.Stop()

	held := make([]*accountState, 0, len(states))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].sem
		}
	}
	for _, st := range states {
		select {
		case st.sem <- struct{}{}:
			held = append(held, st)
		case <-timer.C:
			release()
			return nil, core.ErrLockTimeout
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (e *Engine) reserveToken(token string) (*tokenState, bool) {
	e.tokMu.Lock()
	defer e.tokMu.Unlock()
	if ts, ok := e.tokens[token]; ok {
		return ts, false
	}
	ts := &tokenState{done: make(chan struct{})}
	e.tokens[token] = ts
	return ts, true
}

// awaitToken waits for the first request carrying the token to finish, then
// replays its outcome.
func (e *Engine) awaitToken(ctx context.Context, ts *tokenState) (core.Transfer, bool, error) {
	select {
	case <-ts.done:
	case <-ctx.Done():
		return core.Transfer{}, false, ctx.Err()
	}
	if ts.err != nil {
		return core.Transfer{}, false, ts.err
	}
	return ts.transfer, true, nil
}

func (e *Engine) resolveToken(ts *tokenState, t core.Transfer) {
	e.tokMu.Lock()
	ts.transfer = t
	e.tokMu.Unlock()
	close(ts.done)
}

// failToken frees the token so a later retry can run the transfer again.
func (e *Engine) failToken(token string, ts *tokenState, err error) {
	e.tokMu.Lock()
	ts.err = err
	delete(e.tokens, token)
	e.tokMu.Unlock()
	close(ts.done)
}
