package ledger_test

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"finledger/internal/core"
	"finledger/internal/ledger"
	"finledger/internal/ledger/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, opts ledger.Options) (*ledger.Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	engine, err := ledger.New(context.Background(), store, opts)
	require.NoError(t, err)
	return engine, store
}

func openFunded(t *testing.T, e *ledger.Engine, owner string, cents int64) core.Account {
	t.Helper()
	ctx := context.Background()
	a, err := e.OpenAccount(ctx, owner, "EUR", core.Checking)
	require.NoError(t, err)
	if cents > 0 {
		_, err = e.Deposit(ctx, a.ID, cents, "opening")
		require.NoError(t, err)
	}
	return a
}

func balanceCents(t *testing.T, e *ledger.Engine, id uuid.UUID) int64 {
	t.Helper()
	bal, _, err := e.Balance(id)
	require.NoError(t, err)
	return bal.Cents
}

func TestTransferMovesFunds(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 10000)
	b := openFunded(t, engine, "mario", 1000)

	tr, duplicate, err := engine.Transfer(ctx, ledger.TransferRequest{
		From: a.ID, To: b.ID, Amount: 4000, Currency: "EUR", Category: "rent",
	})
	require.NoError(t, err)
	require.False(t, duplicate)

	require.Equal(t, int64(6000), balanceCents(t, engine, a.ID))
	require.Equal(t, int64(5000), balanceCents(t, engine, b.ID))

	// Debit and credit share the correlation id and offset exactly.
	entries, err := engine.Transactions(ctx, ledger.EntryFilter{Account: &a.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	debit := entries[1]
	require.Equal(t, int64(-4000), debit.Amount)
	require.Equal(t, tr.ID, debit.CorrelationID)
	require.Equal(t, int64(2), debit.Seq)

	entries, err = engine.Transactions(ctx, ledger.EntryFilter{Account: &b.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	credit := entries[1]
	require.Equal(t, int64(4000), credit.Amount)
	require.Equal(t, tr.ID, credit.CorrelationID)
	require.Zero(t, debit.Amount+credit.Amount)
}

func TestTransferInsufficientFunds(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 500)
	b := openFunded(t, engine, "anna", 0)

	_, _, err := engine.Transfer(ctx, ledger.TransferRequest{
		From: a.ID, To: b.ID, Amount: 600, Currency: "EUR",
	})
	require.ErrorIs(t, err, core.ErrInsufficientFunds)

	// Neither side changed: no partial debit, no stray entries.
	require.Equal(t, int64(500), balanceCents(t, engine, a.ID))
	require.Equal(t, int64(0), balanceCents(t, engine, b.ID))
	entries, err := engine.Transactions(ctx, ledger.EntryFilter{Account: &b.ID})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTransferValidation(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 1000)
	b := openFunded(t, engine, "anna", 0)

	_, _, err := engine.Transfer(ctx, ledger.TransferRequest{From: a.ID, To: a.ID, Amount: 100, Currency: "EUR"})
	require.ErrorIs(t, err, core.ErrSameAccount)

	_, _, err = engine.Transfer(ctx, ledger.TransferRequest{From: a.ID, To: b.ID, Amount: 0, Currency: "EUR"})
	require.ErrorIs(t, err, core.ErrInvalidAmount)

	_, _, err = engine.Transfer(ctx, ledger.TransferRequest{From: a.ID, To: b.ID, Amount: 100, Currency: "eur"})
	require.ErrorIs(t, err, core.ErrInvalidCurrency)

	missing := uuid.New()
	_, _, err = engine.Transfer(ctx, ledger.TransferRequest{From: missing, To: b.ID, Amount: 100, Currency: "EUR"})
	require.ErrorIs(t, err, core.ErrAccountNotFound)
}

func TestTransferCurrencyMismatch(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a, err := engine.OpenAccount(ctx, "mario", "EUR", core.Checking)
	require.NoError(t, err)
	_, err = engine.Deposit(ctx, a.ID, 1000, "opening")
	require.NoError(t, err)
	b, err := engine.OpenAccount(ctx, "mario", "USD", core.Savings)
	require.NoError(t, err)

	_, _, err = engine.Transfer(ctx, ledger.TransferRequest{
		From: a.ID, To: b.ID, Amount: 100, Currency: "EUR",
	})
	require.ErrorIs(t, err, core.ErrCurrencyMismatch)
	require.Equal(t, int64(1000), balanceCents(t, engine, a.ID))
}

func TestTransferInactiveAccount(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 1000)
	b := openFunded(t, engine, "anna", 0)
	require.NoError(t, engine.CloseAccount(ctx, b.ID))

	_, _, err := engine.Transfer(ctx, ledger.TransferRequest{
		From: a.ID, To: b.ID, Amount: 100, Currency: "EUR",
	})
	require.ErrorIs(t, err, core.ErrAccountInactive)

	// Closed accounts reject single entries too.
	_, err = engine.Deposit(ctx, b.ID, 100, "gift")
	require.ErrorIs(t, err, core.ErrAccountInactive)
}

func TestTransferIdempotentToken(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 10000)
	b := openFunded(t, engine, "anna", 0)

	req := ledger.TransferRequest{
		From: a.ID, To: b.ID, Amount: 2500, Currency: "EUR", RequestToken: "req-42",
	}
	first, duplicate, err := engine.Transfer(ctx, req)
	require.NoError(t, err)
	require.False(t, duplicate)

	second, duplicate, err := engine.Transfer(ctx, req)
	require.NoError(t, err)
	require.True(t, duplicate)
	require.Equal(t, first.ID, second.ID)

	// Applied exactly once.
	require.Equal(t, int64(7500), balanceCents(t, engine, a.ID))
	require.Equal(t, int64(2500), balanceCents(t, engine, b.ID))
}

func TestTransferTokenFreedOnFailure(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 100)
	b := openFunded(t, engine, "anna", 0)

	req := ledger.TransferRequest{
		From: a.ID, To: b.ID, Amount: 500, Currency: "EUR", RequestToken: "retry-me",
	}
	_, _, err := engine.Transfer(ctx, req)
	require.ErrorIs(t, err, core.ErrInsufficientFunds)

	// A failed attempt does not burn the token.
	_, err = engine.Deposit(ctx, a.ID, 1000, "salary")
	require.NoError(t, err)
	_, duplicate, err := engine.Transfer(ctx, req)
	require.NoError(t, err)
	require.False(t, duplicate)
	require.Equal(t, int64(500), balanceCents(t, engine, b.ID))
}

func TestConcurrentTransfersKeepBalances(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{LockTimeout: 10 * time.Second})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 10000)
	b := openFunded(t, engine, "anna", 10000)

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _, errs[2*i] = engine.Transfer(ctx, ledger.TransferRequest{
				From: a.ID, To: b.ID, Amount: 10, Currency: "EUR",
			})
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _, errs[2*i+1] = engine.Transfer(ctx, ledger.TransferRequest{
				From: b.ID, To: a.ID, Amount: 10, Currency: "EUR",
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Equal opposing flows: balances end where they started, sequences stay
	// gapless on both sides.
	require.Equal(t, int64(10000), balanceCents(t, engine, a.ID))
	require.Equal(t, int64(10000), balanceCents(t, engine, b.ID))
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		entries, err := engine.Transactions(ctx, ledger.EntryFilter{Account: &id, Limit: 500})
		require.NoError(t, err)
		require.Len(t, entries, n+n+1)
		seen := make(map[int64]bool, len(entries))
		for _, e := range entries {
			seen[e.Seq] = true
		}
		for seq := int64(1); seq <= int64(len(entries)); seq++ {
			require.True(t, seen[seq], "missing seq %d", seq)
		}
	}
	require.NoError(t, engine.Verify(ctx))
}

// blockingJournal parks AppendEntry until the gate opens, keeping the
// account append lock held by the in-flight writer.
type blockingJournal struct {
	ledger.Journal
	gate chan struct{}
}

func (j *blockingJournal) AppendEntry(ctx context.Context, e core.Entry) error {
	<-j.gate
	return j.Journal.AppendEntry(ctx, e)
}

func TestLockTimeout(t *testing.T) {
	store := memory.NewStore()
	journal := &blockingJournal{Journal: store, gate: make(chan struct{})}
	engine, err := ledger.New(context.Background(), journal, ledger.Options{
		LockTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := engine.OpenAccount(ctx, "mario", "EUR", core.Checking)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Deposit(ctx, a.ID, 100, "slow")
		done <- err
	}()

	// Wait for the deposit to take the lock and block inside the journal.
	require.Eventually(t, func() bool {
		_, err := engine.Deposit(ctx, a.ID, 100, "blocked")
		return err != nil
	}, time.Second, 5*time.Millisecond)
	_, err = engine.Deposit(ctx, a.ID, 100, "blocked")
	require.ErrorIs(t, err, core.ErrLockTimeout)

	// Reads are never gated by the append lock.
	require.Equal(t, int64(0), balanceCents(t, engine, a.ID))

	close(journal.gate)
	require.NoError(t, <-done)
	require.Equal(t, int64(100), balanceCents(t, engine, a.ID))
}

// gatedJournal parks AppendEntry once armed, signalling entered first so the
// test knows the writer holds the account lock.
type gatedJournal struct {
	ledger.Journal
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
}

func (j *gatedJournal) AppendEntry(ctx context.Context, e core.Entry) error {
	if j.armed.Load() {
		j.entered <- struct{}{}
		<-j.gate
	}
	return j.Journal.AppendEntry(ctx, e)
}

func TestTransferSeesCloseWhileWaiting(t *testing.T) {
	journal := &gatedJournal{
		Journal: memory.NewStore(),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	engine, err := ledger.New(context.Background(), journal, ledger.Options{
		LockTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := engine.OpenAccount(ctx, "mario", "EUR", core.Checking)
	require.NoError(t, err)
	second, err := engine.OpenAccount(ctx, "anna", "EUR", core.Checking)
	require.NoError(t, err)

	// The transfer takes the lower-id lock first. Fund that account so the
	// transfer queues on it without holding the destination lock.
	src, dst := first, second
	if bytes.Compare(second.ID[:], first.ID[:]) < 0 {
		src, dst = second, first
	}
	_, err = engine.Deposit(ctx, src.ID, 500, "opening")
	require.NoError(t, err)

	// Park a deposit holding src's append lock.
	journal.armed.Store(true)
	depositDone := make(chan error, 1)
	go func() {
		_, err := engine.Deposit(ctx, src.ID, 100, "slow")
		depositDone <- err
	}()
	<-journal.entered

	transferDone := make(chan error, 1)
	go func() {
		_, _, err := engine.Transfer(ctx, ledger.TransferRequest{
			From: src.ID, To: dst.ID, Amount: 200, Currency: "EUR",
		})
		transferDone <- err
	}()
	// Let the transfer reach the lock wait before closing the destination.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, engine.CloseAccount(ctx, dst.ID))

	// Release the parked deposit. The transfer then acquires both locks and
	// must observe the close, never crediting the closed account.
	close(journal.gate)
	require.NoError(t, <-depositDone)
	require.ErrorIs(t, <-transferDone, core.ErrAccountInactive)

	require.Equal(t, int64(600), balanceCents(t, engine, src.ID))
	require.Equal(t, int64(0), balanceCents(t, engine, dst.ID))
	entries, err := engine.Transactions(ctx, ledger.EntryFilter{Account: &dst.ID})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestWithdrawAndDeposit(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 5000)

	entry, err := engine.Withdraw(ctx, a.ID, 1200, "groceries")
	require.NoError(t, err)
	require.Equal(t, int64(-1200), entry.Amount)
	require.Equal(t, entry.ID, entry.CorrelationID)
	require.Equal(t, int64(3800), balanceCents(t, engine, a.ID))

	_, err = engine.Withdraw(ctx, a.ID, 4000, "groceries")
	require.ErrorIs(t, err, core.ErrInsufficientFunds)

	_, err = engine.Deposit(ctx, a.ID, 100, "  ")
	require.ErrorIs(t, err, core.ErrEmptyCategory)
}

func TestBalanceAt(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 1000) // seq 1
	_, err := engine.Deposit(ctx, a.ID, 500, "salary")
	require.NoError(t, err) // seq 2
	_, err = engine.Withdraw(ctx, a.ID, 300, "rent")
	require.NoError(t, err) // seq 3

	for seq, want := range map[int64]int64{0: 0, 1: 1000, 2: 1500, 3: 1200, 99: 1200} {
		bal, err := engine.BalanceAt(ctx, a.ID, seq)
		require.NoError(t, err)
		require.Equal(t, want, bal.Cents, "at seq %d", seq)
	}
}

func TestReplayRebuildsState(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	engine, err := ledger.New(ctx, store, ledger.Options{})
	require.NoError(t, err)

	a := openFunded(t, engine, "mario", 10000)
	b := openFunded(t, engine, "anna", 2000)
	_, _, err = engine.Transfer(ctx, ledger.TransferRequest{
		From: a.ID, To: b.ID, Amount: 3000, Currency: "EUR",
		Category: "rent", RequestToken: "once",
	})
	require.NoError(t, err)
	_, err = engine.Withdraw(ctx, b.ID, 500, "groceries")
	require.NoError(t, err)

	// A fresh engine over the same journal derives identical state.
	restarted, err := ledger.New(ctx, store, ledger.Options{})
	require.NoError(t, err)
	require.Equal(t, balanceCents(t, engine, a.ID), balanceCents(t, restarted, a.ID))
	require.Equal(t, balanceCents(t, engine, b.ID), balanceCents(t, restarted, b.ID))

	// The idempotency table survives the restart.
	tr, duplicate, err := restarted.Transfer(ctx, ledger.TransferRequest{
		From: a.ID, To: b.ID, Amount: 3000, Currency: "EUR",
		Category: "rent", RequestToken: "once",
	})
	require.NoError(t, err)
	require.True(t, duplicate)
	require.Equal(t, int64(3000), tr.Amount)

	// So does the category index.
	period := core.Period(time.Now())
	require.Equal(t, engine.CategoryReport("anna", period), restarted.CategoryReport("anna", period))
}

// tamperJournal rewrites entry batches on the way out, simulating a
// corrupted journal underneath a healthy engine.
type tamperJournal struct {
	ledger.Journal
	tamper func([]core.Entry) []core.Entry
}

func (j *tamperJournal) Entries(ctx context.Context, accountID uuid.UUID, fromSeq int64, limit int) ([]core.Entry, error) {
	entries, err := j.Journal.Entries(ctx, accountID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	if j.tamper != nil {
		entries = j.tamper(entries)
	}
	return entries, nil
}

func TestReplayDetectsSequenceGap(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	engine, err := ledger.New(ctx, store, ledger.Options{})
	require.NoError(t, err)
	a := openFunded(t, engine, "mario", 1000)
	_, err = engine.Deposit(ctx, a.ID, 500, "salary")
	require.NoError(t, err)

	journal := &tamperJournal{Journal: store, tamper: func(entries []core.Entry) []core.Entry {
		out := make([]core.Entry, len(entries))
		copy(out, entries)
		for i := range out {
			if out[i].Seq == 2 {
				out[i].Seq = 3
			}
		}
		return out
	}}
	_, err = ledger.New(ctx, journal, ledger.Options{})
	require.ErrorIs(t, err, core.ErrLedgerCorruption)
}

func TestVerifyHaltsWrites(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	journal := &tamperJournal{Journal: store}
	engine, err := ledger.New(ctx, journal, ledger.Options{})
	require.NoError(t, err)

	a := openFunded(t, engine, "mario", 1000)
	require.NoError(t, engine.Verify(ctx))
	require.False(t, engine.Halted())

	// Flip an amount underneath the engine.
	journal.tamper = func(entries []core.Entry) []core.Entry {
		out := make([]core.Entry, len(entries))
		copy(out, entries)
		for i := range out {
			out[i].Amount++
		}
		return out
	}
	require.ErrorIs(t, engine.Verify(ctx), core.ErrLedgerCorruption)
	require.True(t, engine.Halted())

	// Halted means halted: every write path refuses.
	_, err = engine.Deposit(ctx, a.ID, 100, "salary")
	require.ErrorIs(t, err, core.ErrLedgerCorruption)
	_, _, err = engine.Transfer(ctx, ledger.TransferRequest{From: a.ID, To: uuid.New(), Amount: 1, Currency: "EUR"})
	require.ErrorIs(t, err, core.ErrLedgerCorruption)
	_, err = engine.OpenAccount(ctx, "anna", "EUR", core.Checking)
	require.ErrorIs(t, err, core.ErrLedgerCorruption)

	// Reads stay available for investigation.
	require.Equal(t, int64(1000), balanceCents(t, engine, a.ID))
}

func TestReverseTransfer(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 10000)
	b := openFunded(t, engine, "anna", 0)
	tr, _, err := engine.Transfer(ctx, ledger.TransferRequest{
		From: a.ID, To: b.ID, Amount: 2500, Currency: "EUR", Category: "rent",
	})
	require.NoError(t, err)

	reversal, duplicate, err := engine.Reverse(ctx, tr.ID)
	require.NoError(t, err)
	require.False(t, duplicate)
	require.Equal(t, tr.Amount, reversal.Amount)
	require.Equal(t, tr.To, reversal.From)
	require.Equal(t, tr.From, reversal.To)

	require.Equal(t, int64(10000), balanceCents(t, engine, a.ID))
	require.Equal(t, int64(0), balanceCents(t, engine, b.ID))

	got, err := engine.GetTransfer(tr.ID)
	require.NoError(t, err)
	require.True(t, got.Reversed)

	// Reversing twice replays the first reversal.
	again, duplicate, err := engine.Reverse(ctx, tr.ID)
	require.NoError(t, err)
	require.True(t, duplicate)
	require.Equal(t, reversal.ID, again.ID)

	_, _, err = engine.Reverse(ctx, uuid.New())
	require.ErrorIs(t, err, core.ErrTransferNotFound)
}

func TestCategoryReport(t *testing.T) {
	fixed := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, ledger.Options{Clock: func() time.Time { return fixed }})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 10000)
	_, err := engine.Withdraw(ctx, a.ID, 1200, "groceries")
	require.NoError(t, err)
	_, err = engine.Withdraw(ctx, a.ID, 800, "groceries")
	require.NoError(t, err)
	_, err = engine.Withdraw(ctx, a.ID, 5000, "rent")
	require.NoError(t, err)

	report := engine.CategoryReport("mario", "2026-03")
	require.Equal(t, "mario", report.Owner)
	require.Equal(t, "2026-03", report.Period)
	require.Len(t, report.ByCategory, 3)

	// Sorted by category name.
	require.Equal(t, "groceries", report.ByCategory[0].Name)
	require.Equal(t, int64(2), report.ByCategory[0].Count)
	require.Equal(t, int64(-2000), report.ByCategory[0].Total.Cents)
	require.Equal(t, "opening", report.ByCategory[1].Name)
	require.Equal(t, "rent", report.ByCategory[2].Name)
	require.Equal(t, int64(-5000), report.ByCategory[2].Total.Cents)

	// Other periods and owners are empty, not errors.
	require.Empty(t, engine.CategoryReport("mario", "2026-04").ByCategory)
	require.Empty(t, engine.CategoryReport("anna", "2026-03").ByCategory)
}

func TestTransactionsFilter(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 10000)
	b := openFunded(t, engine, "anna", 0)
	_, err := engine.Withdraw(ctx, a.ID, 100, "groceries")
	require.NoError(t, err)
	_, _, err = engine.Transfer(ctx, ledger.TransferRequest{
		From: a.ID, To: b.ID, Amount: 200, Currency: "EUR", Category: "rent",
	})
	require.NoError(t, err)

	byCategory, err := engine.Transactions(ctx, ledger.EntryFilter{Category: "rent"})
	require.NoError(t, err)
	require.Len(t, byCategory, 2)
	for _, e := range byCategory {
		require.Equal(t, "rent", e.Category)
	}

	byAccount, err := engine.Transactions(ctx, ledger.EntryFilter{Account: &a.ID})
	require.NoError(t, err)
	require.Len(t, byAccount, 3)

	fromSeq, err := engine.Transactions(ctx, ledger.EntryFilter{Account: &a.ID, FromSeq: 3})
	require.NoError(t, err)
	require.Len(t, fromSeq, 1)
	require.Equal(t, int64(3), fromSeq[0].Seq)

	limited, err := engine.Transactions(ctx, ledger.EntryFilter{Account: &a.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	missing := uuid.New()
	_, err = engine.Transactions(ctx, ledger.EntryFilter{Account: &missing})
	require.ErrorIs(t, err, core.ErrAccountNotFound)
}
