// Package executor submits build work units to remote workers through the
// gateway and converts worker messages into result events.
package executor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/model"
)

// jobDescriptor is the execute work-unit payload.
type jobDescriptor struct {
	JobName   string            `json:"job_name"`
	Pipeline  string            `json:"pipeline"`
	Project   string            `json:"project"`
	Branch    string            `json:"branch"`
	Commit    string            `json:"commit"`
	Change    string            `json:"change,omitempty"`
	Refspecs  []string          `json:"refspecs,omitempty"`
	Labels    []string          `json:"labels,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
	RepoState map[string]string `json:"repo_state,omitempty"`
}

type completedPayload struct {
	Result string         `json:"result"`
	Data   map[string]any `json:"data,omitempty"`
}

// Client dispatches builds and receives their lifecycle messages.
type Client struct {
	log     *zap.SugaredLogger
	gw      *gateway.Gateway
	results *events.Queue[events.ResultEvent]

	mu     sync.Mutex
	builds map[string]*model.Build
}

// New wires a client to the gateway, registering its message handlers.
func New(log *zap.SugaredLogger, gw *gateway.Gateway, results *events.Queue[events.ResultEvent]) *Client {
	c := &Client{
		log:     log.Named("executor"),
		gw:      gw,
		results: results,
		builds:  make(map[string]*model.Build),
	}
	gw.SetHandler("build.started", c.onStarted)
	gw.SetHandler("build.completed", c.onCompleted)
	gw.SetHandler("worker.lost", c.onWorkerLost)
	return c
}

// Execute dispatches a build for the job and returns it in the Launching
// state. The eventual terminal state arrives as a BuildCompletedEvent.
func (c *Client) Execute(job *model.Job, item *model.QueueItem, pipelineName string) (*model.Build, error) {
	build := &model.Build{
		Job:        job,
		UUID:       uuid.NewString(),
		LaunchTime: time.Now(),
		NodeLabels: job.Labels,
	}
	bs := item.CurrentBuildSet
	desc := jobDescriptor{
		JobName:   job.Name,
		Pipeline:  pipelineName,
		Project:   item.Change.Project().CanonicalName(),
		Commit:    bs.Commit,
		Labels:    job.Labels,
		Timeout:   job.Timeout,
		RepoState: bs.RepoState,
	}
	if pr, ok := item.Change.(*model.PullRequest); ok {
		desc.Branch = pr.Branch
		desc.Change = pr.Key()
		for _, ancestor := range item.AheadChain() {
			if apr, ok := ancestor.Change.(*model.PullRequest); ok {
				desc.Refspecs = append(desc.Refspecs, apr.Refspec)
			}
		}
	}
	payload, _ := json.Marshal(desc)

	c.mu.Lock()
	c.builds[build.UUID] = build
	c.mu.Unlock()

	workerName, err := c.gw.Submit("execute", gateway.Message{
		Type:    "execute",
		ID:      build.UUID,
		Payload: payload,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.builds, build.UUID)
		c.mu.Unlock()
		return nil, err
	}
	build.WorkerName = workerName
	return build, nil
}

// Stop asks the assigned worker to abort the build, best-effort.
func (c *Client) Stop(buildUUID string) {
	if err := c.gw.Send(buildUUID, gateway.Message{Type: "stop", ID: buildUUID}); err != nil {
		c.log.Debugw("stop not delivered", "build", buildUUID, "error", err)
	}
}

// Cancel requests a best-effort stop. The authoritative terminal state is
// still the completion event; a build no worker holds is completed as
// ABORTED immediately so state converges.
func (c *Client) Cancel(build *model.Build) {
	build.Canceled = true
	c.mu.Lock()
	_, tracked := c.builds[build.UUID]
	c.mu.Unlock()
	if !tracked {
		return
	}
	if err := c.gw.Send(build.UUID, gateway.Message{Type: "stop", ID: build.UUID}); err != nil {
		c.finish(build.UUID, model.ResultAborted, nil)
	}
}

func (c *Client) onStarted(msg gateway.Message) {
	c.mu.Lock()
	build, ok := c.builds[msg.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Warnw("started message for unknown build", "build", msg.ID)
		return
	}
	c.results.Put(&events.BuildStartedEvent{Build: build, WorkerName: msg.Name})
}

func (c *Client) onCompleted(msg gateway.Message) {
	var payload completedPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.log.Errorw("malformed completion payload", "build", msg.ID, "error", err)
		payload.Result = model.ResultUnreachable
	}
	c.finish(msg.ID, payload.Result, payload.Data)
}

// onWorkerLost converts a lost work unit into an UNREACHABLE completion;
// the scheduler treats it as retryable.
func (c *Client) onWorkerLost(msg gateway.Message) {
	c.finish(msg.ID, model.ResultUnreachable, nil)
}

func (c *Client) finish(buildUUID, result string, data map[string]any) {
	c.mu.Lock()
	build, ok := c.builds[buildUUID]
	delete(c.builds, buildUUID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.results.Put(&events.BuildCompletedEvent{
		Build:      build,
		Result:     result,
		ResultData: data,
	})
}
