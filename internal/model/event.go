package model

// Trigger event types. Drivers normalise platform webhooks into these.
const (
	EventTypePullRequest = "pull_request"
	EventTypeReview      = "pull_request_review"
	EventTypePush        = "push"
	EventTypeStatus      = "status"
)

// Pull-request event actions.
const (
	ActionOpened    = "opened"
	ActionChanged   = "changed"
	ActionClosed    = "closed"
	ActionReopened  = "reopened"
	ActionLabeled   = "labeled"
	ActionUnlabeled = "unlabeled"
	ActionComment   = "comment"
	ActionSubmitted = "submitted"
)

// TriggerEvent is a normalised external change event. It is JSON-serialisable
// so the pending trigger queue can be snapshotted across a graceful exit.
type TriggerEvent struct {
	// ID is a ULID assigned by the receiving driver; time-ordered so a
	// snapshot replays in arrival order
	ID string `json:"id"`

	// Connection names the source connection that received the event
	Connection string `json:"connection"`

	// Type is one of the EventType constants
	Type string `json:"type"`

	// Action refines pull_request and review events
	Action string `json:"action,omitempty"`

	ProjectHostname string `json:"project_hostname"`
	ProjectName     string `json:"project_name"`

	ChangeNumber int    `json:"change_number,omitempty"`
	PatchsetID   string `json:"patchset_id,omitempty"`
	Branch       string `json:"branch,omitempty"`

	Ref    string `json:"ref,omitempty"`
	Oldrev string `json:"oldrev,omitempty"`
	Newrev string `json:"newrev,omitempty"`

	Comment string `json:"comment,omitempty"`
	Label   string `json:"label,omitempty"`

	// Status is "user:context:state" for commit-status events
	Status string `json:"status,omitempty"`

	// State is the review state for review events
	State string `json:"state,omitempty"`

	// Account is the login of the user who caused the event
	Account string `json:"account,omitempty"`

	// Merged is set on closed pull_request events that were merged
	Merged bool `json:"merged,omitempty"`
}

// IsPatchsetCreated reports whether the event introduces a new content
// snapshot of a pull request.
func (e *TriggerEvent) IsPatchsetCreated() bool {
	return e.Type == EventTypePullRequest &&
		(e.Action == ActionOpened || e.Action == ActionChanged || e.Action == ActionReopened)
}

// IsChangeAbandoned reports whether the event closes a change without
// merging it.
func (e *TriggerEvent) IsChangeAbandoned() bool {
	return e.Type == EventTypePullRequest && e.Action == ActionClosed && !e.Merged
}

// IsChangeMerged reports whether the event closes a change by merging it.
func (e *TriggerEvent) IsChangeMerged() bool {
	return e.Type == EventTypePullRequest && e.Action == ActionClosed && e.Merged
}

// Canonical returns the canonical project name the event refers to.
func (e *TriggerEvent) Canonical() string {
	return e.ProjectHostname + "/" + e.ProjectName
}
