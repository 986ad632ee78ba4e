// Package google appends committed ledger entries as statement rows to a
// Google Sheet. Export is best-effort: a failed append never fails the
// originating transfer, the worker retries via the export queue.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"finledger/internal/core"
)

type Exporter struct {
	svc            *gsheet.Service
	spreadsheetID  string
	statementSheet string
}

// NewFromEnv creates a Sheets exporter using environment variables.
// Required: STATEMENT_SPREADSHEET_ID. Auth comes from
// GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or
// GOOGLE_APPLICATION_CREDENTIALS. Optional: STATEMENT_SHEET_NAME
// (default "Statements"); the current year is prefixed to keep one sheet
// per year.
func NewFromEnv(ctx context.Context) (*Exporter, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("STATEMENT_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing STATEMENT_SPREADSHEET_ID")
	}

	sheetBase := strings.TrimSpace(os.Getenv("STATEMENT_SHEET_NAME"))
	if sheetBase == "" {
		sheetBase = "Statements"
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &Exporter{
		svc:            svc,
		spreadsheetID:  spreadsheetID,
		statementSheet: fmt.Sprintf("%d %s", time.Now().Year(), sheetBase),
	}, nil
}

func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	var err error
	switch {
	case serviceAccountJSON != "":
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// AppendStatementRow appends one entry as a statement row and returns the
// updated range reference.
func (x *Exporter) AppendStatementRow(ctx context.Context, e core.Entry) (string, error) {
	row := []interface{}{
		e.CreatedAt.UTC().Format(time.RFC3339),
		e.AccountID.String(),
		e.Seq,
		core.FormatCents(e.Amount),
		string(e.Currency),
		e.Category,
		e.CorrelationID.String(),
		string(e.Status),
	}

	vr := &gsheet.ValueRange{Values: [][]interface{}{row}}
	rangeRef := x.statementSheet + "!A:H"

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := x.svc.Spreadsheets.Values.Append(x.spreadsheetID, rangeRef, vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(cctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("append statement row: %w", err)
	}

	ref := ""
	if resp.Updates != nil {
		ref = resp.Updates.UpdatedRange
	}
	slog.InfoContext(ctx, "Statement row exported",
		"entry_id", e.ID,
		"sheet", x.statementSheet,
		"range", ref)
	return ref, nil
}
