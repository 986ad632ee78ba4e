package ledger

import (
	"context"

	"github.com/google/uuid"

	"finledger/internal/core"
)

// EntryFilter narrows a ledger query. Zero values mean "no constraint";
// Limit <= 0 falls back to a server-side default.
type EntryFilter struct {
	Account  *uuid.UUID
	Category string
	FromSeq  int64
	Limit    int
}

// Journal is the store of record behind the engine. Implementations must
// make AppendTransfer atomic: either both entries and the transfer record
// are persisted or none are. The engine serializes appends per account, so
// implementations never see two concurrent appends for the same account.
type Journal interface {
	CreateAccount(ctx context.Context, a core.Account) error
	UpdateAccountStatus(ctx context.Context, id uuid.UUID, status core.AccountStatus) error
	Accounts(ctx context.Context) ([]core.Account, error)

	AppendEntry(ctx context.Context, e core.Entry) error
	AppendTransfer(ctx context.Context, debit, credit core.Entry, t core.Transfer) error
	// MarkReversed flips the status of all entries sharing correlationID and
	// the transfer record itself. The rows stay in place; reversal balance
	// movement happens through new entries.
	MarkReversed(ctx context.Context, correlationID uuid.UUID) error

	// Entries returns up to limit entries for one account with Seq >= fromSeq,
	// in ascending Seq order.
	Entries(ctx context.Context, accountID uuid.UUID, fromSeq int64, limit int) ([]core.Entry, error)
	FindEntries(ctx context.Context, f EntryFilter) ([]core.Entry, error)
	Transfers(ctx context.Context) ([]core.Transfer, error)

	EnsureCategory(ctx context.Context, owner, name string) error
	Categories(ctx context.Context, owner string) ([]string, error)
}
