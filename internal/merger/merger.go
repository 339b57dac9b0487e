// Package merger submits speculative merge work to remote workers and
// exposes the synchronous file-read path used by the configuration loader.
package merger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/model"
)

// MergeSpec describes one change in a merge sequence.
type MergeSpec struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
	Refspec string `json:"refspec"`
	Change  string `json:"change"`
}

type mergeRequest struct {
	Items     []MergeSpec       `json:"items"`
	Files     []string          `json:"files,omitempty"`
	RepoState map[string]string `json:"repo_state,omitempty"`
}

type mergeResult struct {
	Merged    bool              `json:"merged"`
	Commit    string            `json:"commit,omitempty"`
	Files     map[string]string `json:"files,omitempty"`
	RepoState map[string]string `json:"repo_state,omitempty"`
}

type catRequest struct {
	Project string   `json:"project"`
	Branch  string   `json:"branch"`
	Files   []string `json:"files"`
}

type catResult struct {
	Files map[string]string `json:"files"`
}

// Client routes merge work through the gateway. Completions flow back to
// the scheduler as MergeCompletedEvents.
type Client struct {
	log     *zap.SugaredLogger
	gw      *gateway.Gateway
	results *events.Queue[events.ResultEvent]

	// syncMu is the merger lock: it serialises synchronous file reads
	// issued from any goroutine
	syncMu sync.Mutex

	mu          sync.Mutex
	outstanding map[string]*model.BuildSet
}

// New wires a client to the gateway.
func New(log *zap.SugaredLogger, gw *gateway.Gateway, results *events.Queue[events.ResultEvent]) *Client {
	c := &Client{
		log:         log.Named("merger"),
		gw:          gw,
		results:     results,
		outstanding: make(map[string]*model.BuildSet),
	}
	gw.SetHandler("merge.completed", c.onCompleted)
	return c
}

// MergeChanges submits a speculative merge of the refspec sequence onto the
// branch tips captured in repoState. The outcome arrives asynchronously as
// a MergeCompletedEvent for the build set.
func (c *Client) MergeChanges(buildSet *model.BuildSet, items []MergeSpec, files []string, repoState map[string]string) {
	id := uuid.NewString()
	payload, _ := json.Marshal(mergeRequest{Items: items, Files: files, RepoState: repoState})

	c.mu.Lock()
	c.outstanding[id] = buildSet
	c.mu.Unlock()

	_, err := c.gw.Submit("merge", gateway.Message{Type: "merge", ID: id, Payload: payload})
	if err != nil {
		c.log.Errorw("merge submission failed", "error", err)
		c.mu.Lock()
		delete(c.outstanding, id)
		c.mu.Unlock()
		// Surface as a failed merge so the item resolves
		c.results.Put(&events.MergeCompletedEvent{BuildSet: buildSet, Merged: false})
	}
}

func (c *Client) onCompleted(msg gateway.Message) {
	c.mu.Lock()
	buildSet, ok := c.outstanding[msg.ID]
	delete(c.outstanding, msg.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Warnw("completion for unknown merge", "id", msg.ID)
		return
	}
	var res mergeResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		c.log.Errorw("malformed merge result", "id", msg.ID, "error", err)
	}
	c.results.Put(&events.MergeCompletedEvent{
		BuildSet:  buildSet,
		Merged:    res.Merged,
		Commit:    res.Commit,
		Files:     res.Files,
		RepoState: res.RepoState,
	})
}

// GetFiles reads files from a project branch tip, synchronously, under the
// merger lock.
func (c *Client) GetFiles(project, branch string, files []string) (map[string]string, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	payload, _ := json.Marshal(catRequest{Project: project, Branch: branch, Files: files})
	resp, err := c.gw.Request("cat", gateway.Message{
		Type:    "cat",
		ID:      uuid.NewString(),
		Payload: payload,
	}, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("reading files of %s@%s: %w", project, branch, err)
	}
	var res catResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		return nil, fmt.Errorf("decoding file contents: %w", err)
	}
	return res.Files, nil
}

// AreMergesOutstanding reports whether any merge work is in flight.
func (c *Client) AreMergesOutstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding) > 0
}
