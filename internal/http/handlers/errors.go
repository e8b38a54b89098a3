package handlers

// Error codes of the ops API. Clients branch on these, never on messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	ErrCodeInvalidStatus = "invalid_status"
	ErrCodeNotFailed     = "not_failed"
	ErrCodeRetryCeiling  = "retry_ceiling"
)
