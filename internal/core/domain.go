package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	Checking AccountType = "checking"
	Savings  AccountType = "savings"

	AccountActive AccountStatus = "active"
	AccountClosed AccountStatus = "closed"

	EntryPending   EntryStatus = "pending"
	EntryCommitted EntryStatus = "committed"
	EntryReversed  EntryStatus = "reversed"
)

type (
	AccountType   string
	AccountStatus string
	EntryStatus   string

	// Currency is a three-letter code such as "EUR". There is no conversion
	// table: transfers between accounts in different currencies are rejected.
	Currency string

	Money struct {
		Cents int64
	}

	// Account carries no stored balance. The balance is always derived from
	// the signed entries referencing the account.
	Account struct {
		ID        uuid.UUID
		Owner     string
		Currency  Currency
		Type      AccountType
		Status    AccountStatus
		CreatedAt time.Time
	}

	// Entry is a single signed ledger row. Seq is gapless and monotonic per
	// account. Entries sharing a CorrelationID form one transfer. Committed
	// entries are immutable; a reversal appends offsetting rows and flips
	// Status on the originals.
	Entry struct {
		ID            uuid.UUID
		AccountID     uuid.UUID
		Seq           int64
		Amount        int64 // signed cents, negative for debits
		Currency      Currency
		Category      string
		CorrelationID uuid.UUID
		Status        EntryStatus
		CreatedAt     time.Time
	}

	// Transfer records an applied debit/credit pair. ID doubles as the
	// correlation id on both entries. RequestToken is the client-supplied
	// idempotency token.
	Transfer struct {
		ID            uuid.UUID
		From          uuid.UUID
		To            uuid.UUID
		Amount        int64
		Currency      Currency
		Category      string
		RequestToken  string
		DebitEntryID  uuid.UUID
		CreditEntryID uuid.UUID
		DebitSeq      int64
		CreditSeq     int64
		Reversed      bool
		CreatedAt     time.Time
	}

	// CategoryTotal is one row of the category report.
	CategoryTotal struct {
		Name  string
		Count int64
		Total Money
	}

	// CategoryReport aggregates committed entries per category for one owner
	// and one period (YYYY-MM).
	CategoryReport struct {
		Owner      string
		Period     string
		ByCategory []CategoryTotal
	}
)

func (c Currency) Validate() error {
	if len(c) != 3 {
		return ErrInvalidCurrency
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return ErrInvalidCurrency
		}
	}
	return nil
}

func (t AccountType) Validate() error {
	switch t {
	case Checking, Savings:
		return nil
	default:
		return ErrInvalidType
	}
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.Owner) == "" {
		return ErrEmptyOwner
	}
	if err := a.Currency.Validate(); err != nil {
		return err
	}
	return a.Type.Validate()
}

// Active reports whether the account accepts new entries.
func (a Account) Active() bool {
	return a.Status == AccountActive
}

// Period formats t as the reporting period key (YYYY-MM).
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}
