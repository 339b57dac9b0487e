package model

import (
	"regexp"
	"time"
)

// ApprovalFilter matches review approvals on a pull request. A positive
// Value matches approvals at or above it, a negative Value at or below it,
// zero matches exactly.
type ApprovalFilter struct {
	// Types restricts the approval type ("approved", "changes_requested",
	// "comment"); empty matches any
	Types []string

	// Value is the required review weight; nil matches any
	Value *int

	// Username restricts the reviewer login
	Username *regexp.Regexp

	// NewerThan / OlderThan constrain the approval's GrantedOn relative
	// to now
	NewerThan time.Duration
	OlderThan time.Duration
}

// Matches reports whether the approval satisfies every constraint.
func (f *ApprovalFilter) Matches(a Approval, now time.Time) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if a.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Value != nil {
		v := *f.Value
		switch {
		case v > 0:
			if a.Value < v {
				return false
			}
		case v < 0:
			if a.Value > v {
				return false
			}
		default:
			if a.Value != 0 {
				return false
			}
		}
	}
	if f.Username != nil && !f.Username.MatchString(a.Username) {
		return false
	}
	if f.NewerThan > 0 && now.Sub(a.GrantedOn) > f.NewerThan {
		return false
	}
	if f.OlderThan > 0 && now.Sub(a.GrantedOn) < f.OlderThan {
		return false
	}
	return true
}

// EventFilter decides whether a trigger event (paired with its fetched
// change) activates a pipeline. All configured constraints must hold.
type EventFilter struct {
	// Types matches TriggerEvent.Type
	Types []string

	// Actions matches TriggerEvent.Action
	Actions []string

	// Branches are anchored regexps against the change branch
	Branches []*regexp.Regexp

	// Refs are anchored regexps against ref-update names
	Refs []*regexp.Regexp

	// Comments match the comment body for comment events
	Comments []*regexp.Regexp

	// Labels match the label name for labeled/unlabeled events
	Labels []string

	// States match the review state for review events
	States []string

	// RequireStatuses are "user:context:state" strings the change's head
	// must carry
	RequireStatuses []string

	// RequireApprovals must each match at least one approval
	RequireApprovals []*ApprovalFilter

	// IgnoreDeletes skips ref updates whose newrev is all zeros
	IgnoreDeletes bool
}

// Matches reports whether the event/change pair passes the filter.
func (f *EventFilter) Matches(event *TriggerEvent, change Change) bool {
	if len(f.Types) > 0 && !containsString(f.Types, event.Type) {
		return false
	}
	if len(f.Actions) > 0 && !containsString(f.Actions, event.Action) {
		return false
	}
	if len(f.Comments) > 0 && !matchAnyRegexp(f.Comments, event.Comment) {
		return false
	}
	if len(f.Labels) > 0 && !containsString(f.Labels, event.Label) {
		return false
	}
	if len(f.States) > 0 && !containsString(f.States, event.State) {
		return false
	}
	switch c := change.(type) {
	case *PullRequest:
		if len(f.Branches) > 0 && !matchAnyRegexp(f.Branches, c.Branch) {
			return false
		}
		for _, s := range f.RequireStatuses {
			if !c.HasStatus(s) {
				return false
			}
		}
		now := time.Now()
		for _, af := range f.RequireApprovals {
			if !matchAnyApproval(af, c.Approvals, now) {
				return false
			}
		}
	case *Ref:
		if f.IgnoreDeletes && c.IsDelete() {
			return false
		}
		if len(f.Refs) > 0 && !matchAnyRegexp(f.Refs, c.Name) {
			return false
		}
		if len(f.Branches) > 0 && !matchAnyRegexp(f.Branches, c.Name) {
			return false
		}
	}
	return true
}

// RequireFilter expresses pipeline requirements evaluated against the
// change itself, independent of the triggering event.
type RequireFilter struct {
	// Statuses the head sha must carry, all of them
	Statuses []string

	// Approvals must each match at least one approval on the change
	Approvals []*ApprovalFilter

	// RejectApprovals must match no approval on the change
	RejectApprovals []*ApprovalFilter

	// Open, when set, requires the change's open state to equal it
	Open *bool

	// Merged, when set, requires the change's merged state to equal it
	Merged *bool
}

// Matches reports whether the change satisfies the requirements. Ref-like
// changes trivially satisfy approval and status requirements.
func (f *RequireFilter) Matches(change Change) bool {
	c, ok := change.(*PullRequest)
	if !ok {
		return len(f.Statuses) == 0 && len(f.Approvals) == 0
	}
	if f.Open != nil && c.Open != *f.Open {
		return false
	}
	if f.Merged != nil && c.Merged != *f.Merged {
		return false
	}
	for _, s := range f.Statuses {
		if !c.HasStatus(s) {
			return false
		}
	}
	now := time.Now()
	for _, af := range f.Approvals {
		if !matchAnyApproval(af, c.Approvals, now) {
			return false
		}
	}
	for _, af := range f.RejectApprovals {
		if matchAnyApproval(af, c.Approvals, now) {
			return false
		}
	}
	return true
}

func matchAnyApproval(f *ApprovalFilter, approvals []Approval, now time.Time) bool {
	for _, a := range approvals {
		if f.Matches(a, now) {
			return true
		}
	}
	return false
}

func matchAnyRegexp(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
