package model

import (
	"path/filepath"
	"regexp"
	"time"
)

// Build results. An unset result on a finished, retried build surfaces to
// reports as RETRY_LIMIT.
const (
	ResultSuccess       = "SUCCESS"
	ResultFailure       = "FAILURE"
	ResultPostFailure   = "POST_FAILURE"
	ResultTimedOut      = "TIMED_OUT"
	ResultMergerFailure = "MERGER_FAILURE"
	ResultUnreachable   = "UNREACHABLE"
	ResultAborted       = "ABORTED"
	ResultCanceled      = "CANCELED"
	ResultSkipped       = "SKIPPED"
	ResultRetryLimit    = "RETRY_LIMIT"
)

// DefaultAttempts is the retry budget for jobs that do not set one.
const DefaultAttempts = 3

// Job is a frozen unit of work dispatched to a remote worker.
type Job struct {
	Name string

	// Parent nests the job under another job in the tree; children are
	// dispatched only after the parent succeeds
	Parent string

	// Branches restricts the job to changes whose branch matches one of
	// these anchored regular expressions
	Branches []string

	// Files restricts the job to changes touching a matching file
	Files []string

	Voting bool

	// Mutex names a process-wide lock; at most one build bearing the
	// name runs at a time across all pipelines
	Mutex string

	// Labels are the node labels the job needs
	Labels []string

	Timeout time.Duration

	// Attempts caps how often a retryable failure is re-dispatched
	Attempts int
}

// Copy returns a shallow copy; slices are shared since frozen jobs are
// never mutated after layout construction.
func (j *Job) Copy() *Job {
	c := *j
	return &c
}

// MaxAttempts returns the retry budget, applying the default.
func (j *Job) MaxAttempts() int {
	if j.Attempts > 0 {
		return j.Attempts
	}
	return DefaultAttempts
}

// ChangeMatches reports whether the job applies to the change, honouring
// branch and file matchers.
func (j *Job) ChangeMatches(change Change) bool {
	switch c := change.(type) {
	case *PullRequest:
		if !matchAny(j.Branches, c.Branch) {
			return false
		}
		if len(j.Files) > 0 && !matchFiles(j.Files, c.Files) {
			return false
		}
		return true
	case *Ref:
		return matchAny(j.Branches, c.Name)
	}
	return false
}

func matchAny(patterns []string, s string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if re, err := regexp.Compile("^(?:" + p + ")$"); err == nil && re.MatchString(s) {
			return true
		}
	}
	return false
}

func matchFiles(patterns []string, files []string) bool {
	for _, p := range patterns {
		for _, f := range files {
			if ok, _ := filepath.Match(p, f); ok {
				return true
			}
			if re, err := regexp.Compile(p); err == nil && re.MatchString(f) {
				return true
			}
		}
	}
	return false
}

// JobTree nests jobs; children of a node run only after the node's job
// succeeds. The root node carries no job.
type JobTree struct {
	Job   *Job
	Trees []*JobTree
}

// NewJobTree returns an empty root.
func NewJobTree() *JobTree {
	return &JobTree{}
}

// AddJob inserts a job under its parent (or the root) and returns its node.
// Adding a name that already exists returns the existing node.
func (t *JobTree) AddJob(job *Job) *JobTree {
	if existing := t.Find(job.Name); existing != nil {
		return existing
	}
	parent := t
	if job.Parent != "" {
		if p := t.Find(job.Parent); p != nil {
			parent = p
		}
	}
	node := &JobTree{Job: job}
	parent.Trees = append(parent.Trees, node)
	return node
}

// Find returns the node holding the named job, or nil.
func (t *JobTree) Find(name string) *JobTree {
	for _, n := range t.Trees {
		if n.Job != nil && n.Job.Name == name {
			return n
		}
		if found := n.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// Jobs returns every job in the tree in depth-first order.
func (t *JobTree) Jobs() []*Job {
	var out []*Job
	for _, n := range t.Trees {
		if n.Job != nil {
			out = append(out, n.Job)
		}
		out = append(out, n.Jobs()...)
	}
	return out
}
