package model

import (
	"fmt"
	"strings"
	"time"
)

// Project is a repository known to a source connection. Projects are owned
// by the abide and replaced wholesale on reconfigure.
type Project struct {
	// Hostname is the canonical hostname of the hosting platform
	Hostname string

	// Name is the platform-side name, e.g. "org/project1"
	Name string

	// Source is the connection this project was loaded from
	Source Source
}

// CanonicalName uniquely identifies the project across connections.
func (p *Project) CanonicalName() string {
	return p.Hostname + "/" + p.Name
}

func (p *Project) String() string {
	return p.CanonicalName()
}

// Change is a unit of proposed modification tracked by a pipeline: either a
// pull-request-like snapshot or a ref update.
type Change interface {
	// Project returns the project the change belongs to
	Project() *Project

	// SetProject rebinds the change to a project object. Used during
	// reconfiguration when the abide (and its projects) is replaced.
	SetProject(p *Project)

	// Key uniquely identifies the change snapshot within its connection
	Key() string

	// URL is the user-facing link to the change
	URL() string

	// Equals reports whether other refers to the same snapshot
	Equals(other Change) bool

	// IsUpdateOf reports whether this change is a newer snapshot of other
	IsUpdateOf(other Change) bool

	String() string
}

// Approval is one user's latest review of a pull request.
type Approval struct {
	// Type is "approved", "changes_requested" or "comment"
	Type string

	// Value is the review weight in {-2, -1, 0, 1, 2}
	Value int

	// Username is the reviewer's login
	Username string

	// GrantedOn is when the review was submitted
	GrantedOn time.Time
}

// PullRequest is the pull-request-like change variant. PatchsetID (the head
// sha) uniquely identifies a content snapshot: re-emissions with the same
// PatchsetID refer to the same snapshot.
type PullRequest struct {
	Proj       *Project
	Number     int
	PatchsetID string
	Branch     string
	Refspec    string
	Link       string
	Title      string

	// Message is the PR body; it carries Depends-On footers
	Message string

	UpdatedAt time.Time
	Files     []string

	// Statuses holds the head sha's effective commit statuses as
	// "user:context:state" strings, deduplicated by (user, context)
	// keeping the newest
	Statuses []string

	// Approvals holds each user's latest review
	Approvals []Approval

	Open   bool
	Merged bool

	// DependsOn lists change URLs parsed from Depends-On footers
	DependsOn []string

	// SourceEvent is the trigger event this snapshot was fetched for
	SourceEvent *TriggerEvent
}

func (c *PullRequest) Project() *Project     { return c.Proj }
func (c *PullRequest) SetProject(p *Project) { c.Proj = p }
func (c *PullRequest) URL() string           { return c.Link }

func (c *PullRequest) Key() string {
	return fmt.Sprintf("%s/%d/%s", c.Proj.CanonicalName(), c.Number, c.PatchsetID)
}

func (c *PullRequest) Equals(other Change) bool {
	o, ok := other.(*PullRequest)
	if !ok {
		return false
	}
	return c.Proj.CanonicalName() == o.Proj.CanonicalName() &&
		c.Number == o.Number && c.PatchsetID == o.PatchsetID
}

// IsUpdateOf reports whether c is a different snapshot of the same pull
// request as other.
func (c *PullRequest) IsUpdateOf(other Change) bool {
	o, ok := other.(*PullRequest)
	if !ok {
		return false
	}
	return c.Proj.CanonicalName() == o.Proj.CanonicalName() &&
		c.Number == o.Number && c.PatchsetID != o.PatchsetID
}

func (c *PullRequest) String() string {
	return fmt.Sprintf("<PullRequest %s #%d %s>", c.Proj.CanonicalName(), c.Number, shortSHA(c.PatchsetID))
}

// HasStatus reports whether the head sha carries the given
// "user:context:state" status.
func (c *PullRequest) HasStatus(status string) bool {
	for _, s := range c.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// ApprovalBy returns the latest approval by the given user, if any.
func (c *PullRequest) ApprovalBy(username string) (Approval, bool) {
	for _, a := range c.Approvals {
		if a.Username == username {
			return a, true
		}
	}
	return Approval{}, false
}

// Ref is the ref-update change variant (branch pushes, tags).
type Ref struct {
	Proj   *Project
	Name   string
	Oldrev string
	Newrev string
	Link   string
}

func (c *Ref) Project() *Project     { return c.Proj }
func (c *Ref) SetProject(p *Project) { c.Proj = p }
func (c *Ref) URL() string           { return c.Link }

func (c *Ref) Key() string {
	return fmt.Sprintf("%s/%s/%s", c.Proj.CanonicalName(), c.Name, c.Newrev)
}

func (c *Ref) Equals(other Change) bool {
	o, ok := other.(*Ref)
	if !ok {
		return false
	}
	return c.Proj.CanonicalName() == o.Proj.CanonicalName() &&
		c.Name == o.Name && c.Newrev == o.Newrev
}

func (c *Ref) IsUpdateOf(other Change) bool { return false }

// IsDelete reports whether the update removes the ref.
func (c *Ref) IsDelete() bool {
	return isZeroSHA(c.Newrev)
}

func (c *Ref) String() string {
	return fmt.Sprintf("<Ref %s %s %s..%s>", c.Proj.CanonicalName(), c.Name, shortSHA(c.Oldrev), shortSHA(c.Newrev))
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func isZeroSHA(sha string) bool {
	return sha != "" && strings.Trim(sha, "0") == ""
}
