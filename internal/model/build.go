package model

import "time"

// Merge states of a BuildSet.
const (
	MergeStateNew = iota
	MergeStatePending
	MergeStateComplete
)

// Node request states.
const (
	NodeRequestRequested = "requested"
	NodeRequestFulfilled = "fulfilled"
	NodeRequestFailed    = "failed"
)

// Node is a single granted worker slot.
type Node struct {
	Name  string
	Label string
}

// NodeSet is a granted allocation. Nodes are owned by the BuildSet and must
// be returned exactly once on every discard path.
type NodeSet struct {
	Nodes    []Node
	Returned bool
}

// NodeRequest asks the provisioner for nodes matching a job's labels.
type NodeRequest struct {
	ID       string
	BuildSet *BuildSet
	JobName  string
	Labels   []string
	State    string
}

// BuildSet is the collection of builds produced for one speculative merge
// attempt of a queue item. Only the latest CurrentBuildSet of an item is
// live; results for prior build sets are ignored but logged.
type BuildSet struct {
	Item *QueueItem

	// Builds maps job name to the job's current build
	Builds map[string]*Build

	// NodeRequests and Nodesets map job name to outstanding requests and
	// granted allocations
	NodeRequests map[string]*NodeRequest
	Nodesets     map[string]*NodeSet

	// Merge-state output
	Commit        string
	Files         map[string]string
	RepoState     map[string]string
	MergeState    int
	UnableToMerge bool

	// ConfigError carries an in-repo configuration syntax error found
	// while preparing the item
	ConfigError string

	// Overlay holds jobs parsed from in-repo configuration carried by
	// the change itself, applied when freezing the item's job tree
	Overlay *ConfigOverlay
}

// ConfigOverlay is the in-repo configuration contributed by an unmerged
// change: job definitions plus pipeline attachments for its own project.
type ConfigOverlay struct {
	Jobs map[string]*Job

	// Attachments maps pipeline name to job names
	Attachments map[string][]string
}

// NewBuildSet returns an empty build set for the item.
func NewBuildSet(item *QueueItem) *BuildSet {
	return &BuildSet{
		Item:         item,
		Builds:       make(map[string]*Build),
		NodeRequests: make(map[string]*NodeRequest),
		Nodesets:     make(map[string]*NodeSet),
	}
}

// AddBuild records a dispatched build.
func (bs *BuildSet) AddBuild(b *Build) {
	bs.Builds[b.Job.Name] = b
	b.BuildSet = bs
}

// RemoveBuild forgets a build (retry path).
func (bs *BuildSet) RemoveBuild(jobName string) {
	delete(bs.Builds, jobName)
}

// GetBuild returns the build for a job name, or nil.
func (bs *BuildSet) GetBuild(jobName string) *Build {
	return bs.Builds[jobName]
}

// Build is one execution of a job on a remote worker.
type Build struct {
	Job      *Job
	BuildSet *BuildSet
	UUID     string

	// Result is one of the Result constants; empty while running
	Result     string
	ResultData map[string]any

	LaunchTime    time.Time
	StartTime     time.Time
	EndTime       time.Time
	EstimatedTime time.Duration

	WorkerName string
	NodeLabels []string
	NodeName   string

	// Canceled marks a best-effort stop was requested; the authoritative
	// terminal state is still the completion event
	Canceled bool

	// Retry marks the build as superseded by a re-dispatch
	Retry bool
}

// Completed reports whether the build reached a terminal result.
func (b *Build) Completed() bool {
	return b.Result != ""
}

// Duration returns the wall time between start and end, when both known.
func (b *Build) Duration() time.Duration {
	if b.StartTime.IsZero() || b.EndTime.IsZero() {
		return 0
	}
	return b.EndTime.Sub(b.StartTime)
}
