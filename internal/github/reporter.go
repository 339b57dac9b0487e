package github

import (
	"context"
	"fmt"

	"github.com/RevCBH/switchyard/internal/model"
)

// StatusReporter sets a commit status on the change's head sha. The status
// context is the pipeline name the reporter was built for.
type StatusReporter struct {
	Conn    *Connection
	Context string

	// BaseURL, when set, is linked as the status target
	BaseURL string
}

// Report implements model.Reporter.
func (r *StatusReporter) Report(change model.Change, phase string, message string) error {
	pr, ok := change.(*model.PullRequest)
	if !ok {
		return nil
	}
	var state string
	switch phase {
	case "start":
		state = "pending"
	case "success":
		state = "success"
	default:
		state = "failure"
	}
	err := r.Conn.client.createStatus(context.Background(),
		pr.Proj.Name, pr.PatchsetID, state, r.Context, r.BaseURL, message)
	if err != nil {
		return fmt.Errorf("setting status on %s#%d: %w", pr.Proj.Name, pr.Number, err)
	}
	return nil
}

// CommentReporter posts the report message as an issue comment.
type CommentReporter struct {
	Conn *Connection
}

// Report implements model.Reporter.
func (r *CommentReporter) Report(change model.Change, phase string, message string) error {
	pr, ok := change.(*model.PullRequest)
	if !ok || message == "" {
		return nil
	}
	err := r.Conn.client.createComment(context.Background(), pr.Proj.Name, pr.Number, message)
	if err != nil {
		return fmt.Errorf("commenting on %s#%d: %w", pr.Proj.Name, pr.Number, err)
	}
	return nil
}

// MergeReporter merges the pull request. Attached to the success action set
// of gating pipelines.
type MergeReporter struct {
	Conn *Connection
}

// Report implements model.Reporter.
func (r *MergeReporter) Report(change model.Change, phase string, message string) error {
	if phase != "success" {
		return nil
	}
	pr, ok := change.(*model.PullRequest)
	if !ok {
		return nil
	}
	err := r.Conn.client.mergePR(context.Background(), pr.Proj.Name, pr.Number)
	if err != nil {
		return fmt.Errorf("merging %s#%d: %w", pr.Proj.Name, pr.Number, err)
	}
	return nil
}
