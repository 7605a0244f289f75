// Package models contains domain models for promptcluster.
package models

import (
	"strings"
	"time"
)

// PromptRecord is one occurrence of a generation prompt submitted by a user.
// Records are identified by their position in a batch, never by content:
// two records with identical text stay distinct (e.g. regenerated prompts).
type PromptRecord struct {
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	UserID     string    `json:"user_id" yaml:"user_id"`
	Text       string    `json:"text" yaml:"text"`
	PreviewRef string    `json:"preview_ref,omitempty" yaml:"preview_ref,omitempty"`
	Saved      bool      `json:"saved,omitempty" yaml:"saved,omitempty"`
}

// Validate checks the required fields of a single record.
// The returned error is a *ValidationError with Index set to -1.
func (r PromptRecord) Validate() error {
	return r.validateAt(-1)
}

func (r PromptRecord) validateAt(index int) error {
	if strings.TrimSpace(r.UserID) == "" {
		return &ValidationError{UserID: r.UserID, Index: index, Field: "user_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(r.Text) == "" {
		return &ValidationError{UserID: r.UserID, Index: index, Field: "text", Reason: "must not be empty"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{UserID: r.UserID, Index: index, Field: "timestamp", Reason: "must be set"}
	}
	return nil
}

// ValidateBatch validates every record of a single-user batch.
// All records must belong to userID; the first offending record is reported.
func ValidateBatch(userID string, records []PromptRecord) error {
	if strings.TrimSpace(userID) == "" {
		return &ValidationError{Index: -1, Field: "user_id", Reason: "must not be empty"}
	}
	for i, r := range records {
		if err := r.validateAt(i); err != nil {
			return err
		}
		if r.UserID != userID {
			return &ValidationError{
				UserID: userID,
				Index:  i,
				Field:  "user_id",
				Reason: "record belongs to user " + r.UserID,
			}
		}
	}
	return nil
}

// Texts returns the prompt text of every record, in input order.
func Texts(records []PromptRecord) []string {
	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}
	return texts
}
