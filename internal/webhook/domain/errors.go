package domain

import "errors"

// Validation failures never reach the Processor; each maps to one HTTP
// status in the server's error middleware.
var (
	ErrUnauthorizedSource = errors.New("unauthorized_source")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrStaleTimestamp     = errors.New("stale_timestamp")
	ErrMalformedPayload   = errors.New("malformed_payload")
	ErrMissingFields      = errors.New("missing_required_fields")
	ErrUnsupportedEvent   = errors.New("unsupported_event_type")
	ErrDuplicateEvent     = errors.New("duplicate_event")
)

// Processor outcomes.
var (
	ErrAlreadyHandled = errors.New("event_already_handled")
	ErrEventNotFound  = errors.New("event_not_found")
	ErrTaskNotFound   = errors.New("retry_task_not_found")
	ErrEntryNotFound  = errors.New("dead_letter_not_found")
)

// terminalErrors never schedule a retry.
var terminalErrors = []error{
	ErrMalformedPayload,
	ErrMissingFields,
	ErrUnsupportedEvent,
	ErrAlreadyHandled,
}

// Terminal reports whether a processing failure must not be retried.
func Terminal(err error) bool {
	for _, t := range terminalErrors {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
