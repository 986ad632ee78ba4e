// Package storage implements the SQLite journal. It is the durable backend:
// the engine replays it on startup to rebuild balances and sequences, and
// the statement worker drains its export queue.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"finledger/internal/core"
	"finledger/internal/ledger"
)

type SQLiteRepository struct {
	db *sql.DB
}

var _ ledger.Journal = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) CreateAccount(ctx context.Context, a core.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner, currency, type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Owner, string(a.Currency), string(a.Type), string(a.Status), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status core.AccountStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE accounts SET status = ? WHERE id = ?`,
		string(status), id.String())
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrAccountNotFound
	}
	return nil
}

func (r *SQLiteRepository) Accounts(ctx context.Context) ([]core.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner, currency, type, status, created_at
		FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []core.Account
	for rows.Next() {
		var a core.Account
		var id, currency, typ, status, createdAt string
		if err := rows.Scan(&id, &a.Owner, &currency, &typ, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse account id %q: %w", id, err)
		}
		a.Currency = core.Currency(currency)
		a.Type = core.AccountType(typ)
		a.Status = core.AccountStatus(status)
		a.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse account created_at: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) AppendEntry(ctx context.Context, e core.Entry) error {
	if err := r.insertEntry(ctx, r.db, e); err != nil {
		return err
	}
	slog.DebugContext(ctx, "Entry appended",
		"entry_id", e.ID, "account_id", e.AccountID, "seq", e.Seq)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLiteRepository) insertEntry(ctx context.Context, db execer, e core.Entry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO entries (id, account_id, seq, amount_cents, currency, category, correlation_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.AccountID.String(), e.Seq, e.Amount, string(e.Currency),
		e.Category, e.CorrelationID.String(), string(e.Status), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// AppendTransfer writes the debit, the credit and the transfer record inside
// one SQL transaction, so the pair is all-or-nothing. The partial unique
// index on request_token rejects a concurrent duplicate token at the
// database level as a last line of defense behind the engine's own check.
func (r *SQLiteRepository) AppendTransfer(ctx context.Context, debit, credit core.Entry, t core.Transfer) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer tx: %w", err)
	}
	defer tx.Rollback()

	if err := r.insertEntry(ctx, tx, debit); err != nil {
		return err
	}
	if err := r.insertEntry(ctx, tx, credit); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transfers (id, from_account, to_account, amount_cents, currency, category, request_token, debit_entry, credit_entry, debit_seq, credit_seq, reversed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		t.ID.String(), t.From.String(), t.To.String(), t.Amount, string(t.Currency),
		t.Category, t.RequestToken, t.DebitEntryID.String(), t.CreditEntryID.String(),
		t.DebitSeq, t.CreditSeq, formatTime(t.CreatedAt)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("request token %q already used: %w", t.RequestToken, core.ErrDuplicateRequest)
		}
		return fmt.Errorf("insert transfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer tx: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) MarkReversed(ctx context.Context, correlationID uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reverse tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE entries SET status = ? WHERE correlation_id = ?`,
		string(core.EntryReversed), correlationID.String())
	if err != nil {
		return fmt.Errorf("mark entries reversed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrTransferNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE transfers SET reversed = 1 WHERE id = ?`,
		correlationID.String()); err != nil {
		return fmt.Errorf("mark transfer reversed: %w", err)
	}
	return tx.Commit()
}

func (r *SQLiteRepository) Entries(ctx context.Context, accountID uuid.UUID, fromSeq int64, limit int) ([]core.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, seq, amount_cents, currency, category, correlation_id, status, created_at
		FROM entries
		WHERE account_id = ? AND seq >= ?
		ORDER BY seq
		LIMIT ?`, accountID.String(), fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *SQLiteRepository) FindEntries(ctx context.Context, f ledger.EntryFilter) ([]core.Entry, error) {
	query := `
		SELECT id, account_id, seq, amount_cents, currency, category, correlation_id, status, created_at
		FROM entries WHERE 1=1`
	var args []any
	if f.Account != nil {
		query += ` AND account_id = ?`
		args = append(args, f.Account.String())
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.FromSeq > 0 {
		query += ` AND seq >= ?`
		args = append(args, f.FromSeq)
	}
	query += ` ORDER BY created_at, account_id, seq`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries by filter: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *SQLiteRepository) Transfers(ctx context.Context) ([]core.Transfer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, from_account, to_account, amount_cents, currency, category, request_token, debit_entry, credit_entry, debit_seq, credit_seq, reversed, created_at
		FROM transfers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []core.Transfer
	for rows.Next() {
		var t core.Transfer
		var id, from, to, currency, debitEntry, creditEntry, createdAt string
		var reversed int
		if err := rows.Scan(&id, &from, &to, &t.Amount, &currency, &t.Category,
			&t.RequestToken, &debitEntry, &creditEntry, &t.DebitSeq, &t.CreditSeq,
			&reversed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse transfer id: %w", err)
		}
		if t.From, err = uuid.Parse(from); err != nil {
			return nil, fmt.Errorf("parse transfer from: %w", err)
		}
		if t.To, err = uuid.Parse(to); err != nil {
			return nil, fmt.Errorf("parse transfer to: %w", err)
		}
		if t.DebitEntryID, err = uuid.Parse(debitEntry); err != nil {
			return nil, fmt.Errorf("parse transfer debit entry: %w", err)
		}
		if t.CreditEntryID, err = uuid.Parse(creditEntry); err != nil {
			return nil, fmt.Errorf("parse transfer credit entry: %w", err)
		}
		t.Currency = core.Currency(currency)
		t.Reversed = reversed != 0
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse transfer created_at: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) EnsureCategory(ctx context.Context, owner, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (owner, name) VALUES (?, ?)
		ON CONFLICT (owner, name) DO NOTHING`, owner, name)
	if err != nil {
		return fmt.Errorf("ensure category: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Categories(ctx context.Context, owner string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM categories WHERE owner = ? ORDER BY name`, owner)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// GetEntry fetches one entry by id, for the statement worker.
func (r *SQLiteRepository) GetEntry(ctx context.Context, id uuid.UUID) (core.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, seq, amount_cents, currency, category, correlation_id, status, created_at
		FROM entries WHERE id = ?`, id.String())
	if err != nil {
		return core.Entry{}, fmt.Errorf("query entry: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return core.Entry{}, err
	}
	if len(entries) == 0 {
		return core.Entry{}, sql.ErrNoRows
	}
	return entries[0], nil
}

// UnexportedEntries returns entries still waiting for statement export. It
// is the backup path when committed events are lost in transit.
func (r *SQLiteRepository) UnexportedEntries(ctx context.Context, limit int) ([]core.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, seq, amount_cents, currency, category, correlation_id, status, created_at
		FROM entries
		WHERE export_status = 'pending'
		ORDER BY created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unexported entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkExported marks an entry as written to the statement sheet.
func (r *SQLiteRepository) MarkExported(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE entries SET export_status = 'exported' WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("mark exported: %w", err)
	}
	return nil
}

// MarkExportError flags an entry whose export failed, keeping it visible for
// manual inspection without blocking the sweep.
func (r *SQLiteRepository) MarkExportError(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE entries SET export_status = 'error' WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("mark export error: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]core.Entry, error) {
	var out []core.Entry
	for rows.Next() {
		var e core.Entry
		var id, accountID, currency, correlationID, status, createdAt string
		if err := rows.Scan(&id, &accountID, &e.Seq, &e.Amount, &currency,
			&e.Category, &correlationID, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var err error
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse entry id: %w", err)
		}
		if e.AccountID, err = uuid.Parse(accountID); err != nil {
			return nil, fmt.Errorf("parse entry account id: %w", err)
		}
		if e.CorrelationID, err = uuid.Parse(correlationID); err != nil {
			return nil, fmt.Errorf("parse entry correlation id: %w", err)
		}
		e.Currency = core.Currency(currency)
		e.Status = core.EntryStatus(status)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse entry created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.New("invalid timestamp " + s)
	}
	return t, nil
}
