package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldError      = "error"

	FieldAccountID     = "account_id"
	FieldTransferID    = "transfer_id"
	FieldEntryID       = "entry_id"
	FieldSeq           = "seq"
	FieldAmountCents   = "amount_cents"
	FieldCurrency      = "currency"
	FieldCategory      = "category"
	FieldCorrelationID = "correlation_id"
	FieldRequestToken  = "request_token"
)

// Components defines standard component names
const (
	ComponentApp     = "app"
	ComponentHTTP    = "http"
	ComponentLedger  = "ledger"
	ComponentStorage = "storage"
	ComponentAMQP    = "amqp"
	ComponentWorker  = "worker"
	ComponentExport  = "export"
)
