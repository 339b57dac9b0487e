package events

import "github.com/RevCBH/switchyard/internal/model"

// ResultEvent is an internal completion event from the executor, merger or
// node provisioner, drained by the scheduler before trigger events.
type ResultEvent interface {
	resultEvent()
}

// BuildStartedEvent reports that a remote worker began executing a build.
type BuildStartedEvent struct {
	Build      *model.Build
	WorkerName string
}

// BuildCompletedEvent reports a build's terminal result. A completed event
// may arrive without a preceding started event and must still produce a
// terminal state.
type BuildCompletedEvent struct {
	Build  *model.Build
	Result string

	// ResultData carries worker-side detail (log URL, etc.)
	ResultData map[string]any
}

// MergeCompletedEvent reports the outcome of a speculative merge request.
type MergeCompletedEvent struct {
	BuildSet *model.BuildSet
	Merged   bool
	Commit   string

	// Files holds merged contents of requested configuration files
	Files map[string]string

	// RepoState captures the branch tips the merge was computed against
	RepoState map[string]string
}

// NodesProvisionedEvent reports a node request outcome.
type NodesProvisionedEvent struct {
	Request *model.NodeRequest
	NodeSet *model.NodeSet
	Failed  bool
}

func (*BuildStartedEvent) resultEvent()   {}
func (*BuildCompletedEvent) resultEvent() {}
func (*MergeCompletedEvent) resultEvent() {}
func (*NodesProvisionedEvent) resultEvent() {}
