package domain

import "errors"

// ErrRelayConflict reports that a versioned write to the pending-relay slot
// lost to a concurrent writer.
var ErrRelayConflict = errors.New("pending relay version conflict")

// Profile is a participant's attribute record used to personalize prompts.
// "name" and "tone" are the well-known fields; anything else is free-form.
// Mutated by field-level merge, never deleted.
type Profile map[string]string

// Name returns the identifying field. An empty name marks the profile as
// uninitialized regardless of document existence.
func (p Profile) Name() string {
	if p == nil {
		return ""
	}
	return p["name"]
}

// Merge returns a copy of p with the fields of partial written over it.
// Unspecified fields are untouched.
func (p Profile) Merge(partial Profile) Profile {
	out := make(Profile, len(p)+len(partial))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// PendingRelay is the single held relay text awaiting the subject's explicit
// confirmation. Version supports optimistic-concurrency writes: a write only
// succeeds when the stored version matches the one read.
type PendingRelay struct {
	Text    string
	Version int64
}

// DecisionResult is the structured decision extracted from a caregiver turn.
// An empty ReportText means nothing is relay-worthy; a non-empty ReportText
// with Discuss=false is relayed immediately; with Discuss=true it is held for
// the subject's confirmation. Reply is the conversational answer shown to the
// caregiver either way. Consumed once, never persisted.
type DecisionResult struct {
	Reply      string
	ReportText string
	Discuss    bool
}
