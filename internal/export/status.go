package export

// Status is the closed outcome set of one export attempt.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusPartialSuccess   Status = "PARTIAL_SUCCESS"
	StatusFailedInput      Status = "FAILED_INPUT"
	StatusFailedBackend    Status = "FAILED_BACKEND"
	StatusRetryLater       Status = "RETRY_LATER"
	StatusRetryWithBackoff Status = "RETRY_WITH_BACKOFF"
)

// Retryable reports whether the caller may safely try again without operator
// action (RETRY_WITH_BACKOFF) or after operator action (RETRY_LATER).
func (s Status) Retryable() bool {
	return s == StatusRetryLater || s == StatusRetryWithBackoff
}

// Skip reasons recorded in the report for items excluded from the export.
const (
	ReasonNotLinked = "not_linked_in_CE"
	ReasonNotFound  = "not_found_in_CE"
	ReasonUnlinked  = "unlinked_data_in_CE"
)
