package ledger

const (
	// MaxIdempotencyKeyLength is the width of the stored idempotency_key column, in bytes.
	MaxIdempotencyKeyLength = 191
	// FinalizeKeyOverhead is the longest suffix Finalize appends when deriving its release and charge keys.
	FinalizeKeyOverhead = len(idempotencyKeyDelimiter) + len(idempotencySuffixRelease)
)

const (
	operationApplyEntry = "apply_entry"
	operationReserve    = "reserve"
	operationFinalize   = "finalize"
	operationRefund     = "refund"
	operationSpend      = "spend"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencySuffixRelease = "release"
	idempotencySuffixCharge  = "charge"

	defaultListEntriesLimit = 50
	maxListEntriesLimit     = 200

	errorOperationService   = "service"
	errorSubjectEntry       = "entry"
	errorSubjectReservation = "reservation"
	errorCodeInvalidStatus  = "invalid_status"
	errorCodeInconsistent   = "inconsistent"
	errorCodeConflict       = "conflict"
)
