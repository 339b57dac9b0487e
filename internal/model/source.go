package model

import "errors"

// ErrUnknownChange is returned by a source when an event does not resolve
// to a change it knows about (it may belong to a foreign connection).
var ErrUnknownChange = errors.New("unknown change")

// Source is the abstract API the scheduler calls on a code-review
// connection to fetch changes, compute related-change graphs and answer
// mergeability questions.
type Source interface {
	// Name returns the connection name.
	Name() string

	// Hostname returns the canonical hostname of the platform.
	Hostname() string

	// GetChange resolves a trigger event to a change snapshot. Returns
	// ErrUnknownChange when the event is not for this connection.
	GetChange(event *TriggerEvent) (Change, error)

	// GetChangeByURL resolves a Depends-On reference. Returns
	// ErrUnknownChange for URLs of foreign connections.
	GetChangeByURL(url string) (Change, error)

	// GetProject returns the named project.
	GetProject(name string) (*Project, error)

	// GetProjectBranches lists the project's branches.
	GetProjectBranches(project *Project) ([]string, error)

	// GetChangesDependingOn returns open changes that declare a
	// dependency on the given change.
	GetChangesDependingOn(change Change) ([]Change, error)

	// CanMerge reports whether the platform would accept a merge of the
	// change, ignoring missing statuses named in allowNeeds.
	CanMerge(change Change, allowNeeds map[string]bool) (bool, error)

	// MaintainCache trims cached change snapshots to the relevant set.
	MaintainCache(relevant []Change)
}

// Reporter is an action that communicates a pipeline outcome back to the
// source platform.
type Reporter interface {
	// Report delivers the message for the change. phase is one of
	// "start", "success", "failure", "merge-failure" or "disabled".
	Report(change Change, phase string, message string) error
}
