package recordstore

// IssueSeverity is the severity of a validation issue.
type IssueSeverity string

const (
	// SeverityFatal indicates validation could not continue.
	SeverityFatal IssueSeverity = "fatal"
	// SeverityError indicates the record body is invalid.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a potential problem worth review.
	SeverityWarning IssueSeverity = "warning"
	// SeverityInformation indicates informational feedback.
	SeverityInformation IssueSeverity = "information"
)

// IssueType classifies a validation issue.
type IssueType string

const (
	// IssueTypeInvalid indicates content invalid against the record
	// type's definition.
	IssueTypeInvalid IssueType = "invalid"
	// IssueTypeStructure indicates a structural problem.
	IssueTypeStructure IssueType = "structure"
	// IssueTypeRequired indicates a missing required element.
	IssueTypeRequired IssueType = "required"
	// IssueTypeValue indicates an invalid element value.
	IssueTypeValue IssueType = "value"
	// IssueTypeProcessing indicates the validator itself failed.
	IssueTypeProcessing IssueType = "processing"
	// IssueTypeInformational indicates advisory content.
	IssueTypeInformational IssueType = "informational"
)

// Issue is one finding reported by the external validator.
type Issue struct {
	Severity IssueSeverity `json:"severity"`
	Type     IssueType     `json:"type"`
	// Path locates the offending element, in the walker's dotted
	// path convention.
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// HasErrors reports whether any issue is fatal or error severity.
func HasErrors(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityFatal || is.Severity == SeverityError {
			return true
		}
	}
	return false
}
