package models

import "fmt"

// ValidationError reports a malformed input record or a mismatched batch.
// Index is the position of the offending record, or -1 when the error
// concerns the batch as a whole.
type ValidationError struct {
	UserID string
	Field  string
	Reason string
	Index  int
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("validation failed for user %q, record %d: %s %s", e.UserID, e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed for user %q: %s %s", e.UserID, e.Field, e.Reason)
}

// EmbeddingFailure reports that no vector could be produced for a record.
// Embedding providers may return it with Index relative to their own input;
// the similarity engine rebases it onto the full record set.
type EmbeddingFailure struct {
	Err    error
	UserID string
	Index  int
}

func (e *EmbeddingFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("embedding failed for user %q, record %d", e.UserID, e.Index)
	}
	return fmt.Sprintf("embedding failed for user %q, record %d: %v", e.UserID, e.Index, e.Err)
}

func (e *EmbeddingFailure) Unwrap() error {
	return e.Err
}

// DataIntegrityError reports a violated internal invariant, such as a
// similarity matrix that is not square or not symmetric. It is a defect
// and is never recovered from automatically.
type DataIntegrityError struct {
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return "data integrity violation: " + e.Reason
}
