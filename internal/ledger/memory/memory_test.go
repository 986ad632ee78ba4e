package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"finledger/internal/core"
	"finledger/internal/ledger"
)

func entry(account uuid.UUID, seq, amount int64) core.Entry {
	id := uuid.New()
	return core.Entry{
		ID:            id,
		AccountID:     account,
		Seq:           seq,
		Amount:        amount,
		Currency:      "EUR",
		Category:      "test",
		CorrelationID: id,
		Status:        core.EntryCommitted,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestAppendEntryEnforcesGaplessSeq(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	account := uuid.New()

	require.NoError(t, store.AppendEntry(ctx, entry(account, 1, 100)))
	require.NoError(t, store.AppendEntry(ctx, entry(account, 2, 100)))

	// Gaps and repeats are both append errors.
	require.Error(t, store.AppendEntry(ctx, entry(account, 4, 100)))
	require.Error(t, store.AppendEntry(ctx, entry(account, 2, 100)))

	rows, err := store.Entries(ctx, account, 1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestAppendTransferAtomicity(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	from, to := uuid.New(), uuid.New()

	correlation := uuid.New()
	debit := entry(from, 1, -100)
	debit.CorrelationID = correlation
	credit := entry(to, 5, 100) // wrong seq, must fail
	credit.CorrelationID = correlation

	tr := core.Transfer{ID: correlation, From: from, To: to, Amount: 100, Currency: "EUR"}
	require.Error(t, store.AppendTransfer(ctx, debit, credit, tr))

	// The debit was rolled back with the failed credit.
	rows, err := store.Entries(ctx, from, 1, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
	transfers, err := store.Transfers(ctx)
	require.NoError(t, err)
	require.Empty(t, transfers)
}

func TestAppendTransferDuplicateToken(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	from, to := uuid.New(), uuid.New()

	build := func(seqFrom, seqTo int64) (core.Entry, core.Entry, core.Transfer) {
		correlation := uuid.New()
		debit := entry(from, seqFrom, -100)
		debit.CorrelationID = correlation
		credit := entry(to, seqTo, 100)
		credit.CorrelationID = correlation
		return debit, credit, core.Transfer{
			ID: correlation, From: from, To: to, Amount: 100,
			Currency: "EUR", RequestToken: "tok-1",
		}
	}

	debit, credit, tr := build(1, 1)
	require.NoError(t, store.AppendTransfer(ctx, debit, credit, tr))

	debit, credit, tr = build(2, 2)
	err := store.AppendTransfer(ctx, debit, credit, tr)
	require.ErrorIs(t, err, core.ErrDuplicateRequest)
}

func TestEntriesPagination(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	account := uuid.New()
	for seq := int64(1); seq <= 10; seq++ {
		require.NoError(t, store.AppendEntry(ctx, entry(account, seq, 100)))
	}

	rows, err := store.Entries(ctx, account, 4, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, int64(4), rows[0].Seq)
	require.Equal(t, int64(6), rows[2].Seq)

	rows, err = store.Entries(ctx, account, 11, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestMarkReversed(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	from, to := uuid.New(), uuid.New()

	correlation := uuid.New()
	debit := entry(from, 1, -100)
	debit.CorrelationID = correlation
	credit := entry(to, 1, 100)
	credit.CorrelationID = correlation
	tr := core.Transfer{ID: correlation, From: from, To: to, Amount: 100, Currency: "EUR"}
	require.NoError(t, store.AppendTransfer(ctx, debit, credit, tr))

	require.NoError(t, store.MarkReversed(ctx, correlation))

	for _, account := range []uuid.UUID{from, to} {
		rows, err := store.Entries(ctx, account, 1, 0)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, core.EntryReversed, rows[0].Status)
	}
	transfers, err := store.Transfers(ctx)
	require.NoError(t, err)
	require.True(t, transfers[0].Reversed)

	require.ErrorIs(t, store.MarkReversed(ctx, uuid.New()), core.ErrTransferNotFound)
}

func TestFindEntriesFilter(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	e1 := entry(a, 1, 100)
	e1.Category = "rent"
	e2 := entry(a, 2, 200)
	e2.Category = "groceries"
	e3 := entry(b, 1, 300)
	e3.Category = "rent"
	for _, e := range []core.Entry{e1, e2, e3} {
		require.NoError(t, store.AppendEntry(ctx, e))
	}

	rows, err := store.FindEntries(ctx, ledger.EntryFilter{Category: "rent"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = store.FindEntries(ctx, ledger.EntryFilter{Account: &a, FromSeq: 2})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "groceries", rows[0].Category)

	rows, err = store.FindEntries(ctx, ledger.EntryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestCategories(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.EnsureCategory(ctx, "mario", "rent"))
	require.NoError(t, store.EnsureCategory(ctx, "mario", "groceries"))
	require.NoError(t, store.EnsureCategory(ctx, "mario", "rent"))

	names, err := store.Categories(ctx, "mario")
	require.NoError(t, err)
	require.Equal(t, []string{"groceries", "rent"}, names)

	names, err = store.Categories(ctx, "anna")
	require.NoError(t, err)
	require.Empty(t, names)
}
