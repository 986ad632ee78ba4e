package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"finledger/internal/core"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type accountJSON struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Currency  string `json:"currency"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type entryJSON struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	Seq           int64  `json:"seq"`
	Amount        string `json:"amount"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	Category      string `json:"category"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

type transferJSON struct {
	ID           string `json:"id"`
	From         string `json:"from"`
	To           string `json:"to"`
	Amount       string `json:"amount"`
	AmountCents  int64  `json:"amount_cents"`
	Currency     string `json:"currency"`
	Category     string `json:"category"`
	RequestToken string `json:"request_token,omitempty"`
	DebitSeq     int64  `json:"debit_seq"`
	CreditSeq    int64  `json:"credit_seq"`
	Reversed     bool   `json:"reversed"`
	CreatedAt    string `json:"created_at"`
}

func toAccountJSON(a core.Account) accountJSON {
	return accountJSON{
		ID:        a.ID.String(),
		Owner:     a.Owner,
		Currency:  string(a.Currency),
		Type:      string(a.Type),
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toEntryJSON(e core.Entry) entryJSON {
	return entryJSON{
		ID:            e.ID.String(),
		AccountID:     e.AccountID.String(),
		Seq:           e.Seq,
		Amount:        core.FormatCents(e.Amount),
		AmountCents:   e.Amount,
		Currency:      string(e.Currency),
		Category:      e.Category,
		CorrelationID: e.CorrelationID.String(),
		Status:        string(e.Status),
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toTransferJSON(t core.Transfer) transferJSON {
	return transferJSON{
		ID:           t.ID.String(),
		From:         t.From.String(),
		To:           t.To.String(),
		Amount:       core.FormatCents(t.Amount),
		AmountCents:  t.Amount,
		Currency:     string(t.Currency),
		Category:     t.Category,
		RequestToken: t.RequestToken,
		DebitSeq:     t.DebitSeq,
		CreditSeq:    t.CreditSeq,
		Reversed:     t.Reversed,
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Response encode failed", "error", err)
	}
}

// statusForCode maps stable error codes to HTTP statuses. Validation
// failures are 422, missing resources 404, state conflicts 409, and
// conditions the client should retry later 503.
func statusForCode(code string) int {
	switch code {
	case core.CodeAccountNotFound, core.CodeTransferNotFound:
		return http.StatusNotFound
	case core.CodeInsufficientFunds, core.CodeAccountInactive,
		core.CodeCurrencyMismatch:
		return http.StatusConflict
	case core.CodeLockTimeout, core.CodeLedgerCorruption:
		return http.StatusServiceUnavailable
	case core.CodeInvalidAmount, core.CodeInvalidCurrency, core.CodeEmptyOwner,
		core.CodeInvalidType, core.CodeSameAccount, core.CodeEmptyCategory:
		return http.StatusUnprocessableEntity
	case "INVALID_BODY":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := core.CodeOf(err)
	status := statusForCode(code)

	msg := err.Error()
	var appErr *core.Error
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status == http.StatusInternalServerError {
		// Do not leak internals to clients.
		msg = "internal error"
	}
	if code == core.CodeLockTimeout {
		w.Header().Set("Retry-After", "1")
	}

	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg}})
}

// decodeJSON reads a request body into dst, rejecting unknown fields and
// oversized payloads.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &core.Error{Code: "INVALID_BODY", Message: "invalid request body: " + err.Error()}
	}
	return nil
}
