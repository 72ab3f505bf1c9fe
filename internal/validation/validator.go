// Package validation defines the external validator capability consumed
// on every write, and a memoizing result cache keyed by normalized body
// shape so structurally identical records are validated once.
package validation

import (
	"context"

	recordstore "github.com/openclin/recordstore"
	"github.com/openclin/recordstore/pkg/document"
)

// Validator is the external validation capability. Implementations judge
// a record body against its type's structural rules.
type Validator interface {
	Validate(ctx context.Context, recordType string, body document.Document) (valid bool, issues []recordstore.Issue, err error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, recordType string, body document.Document) (bool, []recordstore.Issue, error)

func (f ValidatorFunc) Validate(ctx context.Context, recordType string, body document.Document) (bool, []recordstore.Issue, error) {
	return f(ctx, recordType, body)
}

// Basic returns a minimal structural validator used when no external
// validator is wired in: the body must be non-empty and any declared
// resourceType field must match the record type it is stored under.
func Basic() Validator {
	return ValidatorFunc(func(_ context.Context, recordType string, body document.Document) (bool, []recordstore.Issue, error) {
		var issues []recordstore.Issue
		if len(body) == 0 {
			issues = append(issues, recordstore.Issue{
				Severity: recordstore.SeverityError,
				Type:     recordstore.IssueTypeStructure,
				Message:  "record body is empty",
			})
		}
		if rt, ok := body["resourceType"].(string); ok && rt != recordType {
			issues = append(issues, recordstore.Issue{
				Severity: recordstore.SeverityError,
				Type:     recordstore.IssueTypeInvalid,
				Path:     "resourceType",
				Message:  "resourceType does not match record type " + recordType,
			})
		}
		return !recordstore.HasErrors(issues), issues, nil
	})
}
