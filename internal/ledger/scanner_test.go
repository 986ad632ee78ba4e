package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"finledger/internal/core"
	"finledger/internal/ledger"
)

func TestScannerWalksHistory(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 1000)
	for i := 0; i < 5; i++ {
		_, err := engine.Deposit(ctx, a.ID, 100, "salary")
		require.NoError(t, err)
	}

	scanner, err := engine.History(a.ID, 1)
	require.NoError(t, err)

	var seqs []int64
	for scanner.Next(ctx) {
		seqs = append(seqs, scanner.Entry().Seq)
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6}, seqs)
}

func TestScannerRestartsFromNextSeq(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	ctx := context.Background()

	a := openFunded(t, engine, "mario", 1000)
	for i := 0; i < 5; i++ {
		_, err := engine.Deposit(ctx, a.ID, 100, "salary")
		require.NoError(t, err)
	}

	scanner, err := engine.History(a.ID, 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.True(t, scanner.Next(ctx))
	}
	require.Equal(t, int64(4), scanner.NextSeq())

	// A fresh scanner seeded with NextSeq picks up where the first stopped.
	resumed, err := engine.History(a.ID, scanner.NextSeq())
	require.NoError(t, err)
	var seqs []int64
	for resumed.Next(ctx) {
		seqs = append(seqs, resumed.Entry().Seq)
	}
	require.NoError(t, resumed.Err())
	require.Equal(t, []int64{4, 5, 6}, seqs)
}

func TestScannerUnknownAccount(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Options{})
	_, err := engine.History(uuid.New(), 1)
	require.ErrorIs(t, err, core.ErrAccountNotFound)
}
