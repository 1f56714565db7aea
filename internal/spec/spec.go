package spec

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind identifies the record hierarchy level. It is a closed set; anything
// else is rejected by Validate.
type Kind string

const (
	Feature Kind = "feature"
	Story   Kind = "story"
	SubTask Kind = "subtask"
)

// Valid reports whether k is one of the recognized kinds.
func (k Kind) Valid() bool {
	switch k {
	case Feature, Story, SubTask:
		return true
	}
	return false
}

// RecordSpec describes one remote record to be provisioned.
//
// AcceptanceCriteria is always a distinct field from Description. The two are
// never concatenated; Validate rejects a description that embeds acceptance
// criteria text.
type RecordSpec struct {
	Kind               Kind
	Summary            string
	Description        string
	AcceptanceCriteria string

	// GroupKey ties the record to one logical migration unit (one feed or
	// one scenario). All tasks derived from a group form a single branch.
	GroupKey string

	// ParentRef is a logical reference, not a remote key. For a SubTask it
	// names the group whose story owns it (empty means its own group). For a
	// Story it names the group whose feature it links to when its own group
	// carries no feature.
	ParentRef string

	// EpicRef is the epic the feature is filed under. Only meaningful for
	// Kind == Feature.
	EpicRef string

	Labels []string
}

// ValidationError reports a malformed RecordSpec or missing plan settings.
// It is fatal to the whole run and surfaces before any remote call.
type ValidationError struct {
	GroupKey string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.GroupKey == "" {
		return fmt.Sprintf("invalid spec: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid spec in group %q: %s: %s", e.GroupKey, e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// acHeadingRE matches a line that opens an acceptance-criteria section inside
// free text, e.g. "Acceptance Criteria:" or "* acceptance criteria -".
var acHeadingRE = regexp.MustCompile(`(?im)^\s*(?:[*\-]\s*)?acceptance\s+criteria\b`)

// DescriptionEmbedsAC reports whether the description text smuggles in an
// acceptance-criteria section. Criteria must travel in their own field.
func DescriptionEmbedsAC(description string) bool {
	return acHeadingRE.MatchString(description)
}

// Validate checks the spec against the closed model. It does not mutate the
// spec; sanitization of outbound text happens in the API client.
func (s *RecordSpec) Validate() error {
	if !s.Kind.Valid() {
		return &ValidationError{GroupKey: s.GroupKey, Field: "kind", Reason: fmt.Sprintf("unrecognized kind %q", string(s.Kind))}
	}
	if s.GroupKey == "" {
		return &ValidationError{Field: "groupKey", Reason: "must not be empty"}
	}
	if CleanLine(s.Summary) == "" {
		return &ValidationError{GroupKey: s.GroupKey, Field: "summary", Reason: "must not be empty"}
	}
	if DescriptionEmbedsAC(s.Description) {
		return &ValidationError{
			GroupKey: s.GroupKey,
			Field:    "description",
			Reason:   "embeds acceptance criteria text; criteria belong in their own field",
		}
	}
	return nil
}
