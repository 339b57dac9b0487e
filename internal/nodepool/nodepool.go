// Package nodepool provides the node-provisioner contract and a built-in
// static provisioner that grants nodes from configured label pools.
package nodepool

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/model"
)

// Provisioner grants and reclaims worker nodes. RequestNodes is
// asynchronous: fulfilment arrives as a NodesProvisionedEvent on the
// scheduler's result queue.
type Provisioner interface {
	RequestNodes(buildSet *model.BuildSet, job *model.Job) *model.NodeRequest
	AcceptNodes(request *model.NodeRequest) *model.NodeSet
	ReturnNodeSet(nodeset *model.NodeSet)
}

// Static is a provisioner that immediately fulfils every request from an
// unbounded pool of statically named nodes. It stands in for an external
// provisioning service in single-host deployments.
type Static struct {
	log     *zap.SugaredLogger
	results *events.Queue[events.ResultEvent]

	// granted tracks fulfilled requests by id until accepted
	granted map[string]*model.NodeSet
	serial  int
}

// NewStatic returns a static provisioner posting fulfilment events onto
// the given result queue.
func NewStatic(log *zap.SugaredLogger, results *events.Queue[events.ResultEvent]) *Static {
	return &Static{
		log:     log.Named("nodepool"),
		results: results,
		granted: make(map[string]*model.NodeSet),
	}
}

// RequestNodes registers a request and posts its fulfilment.
func (s *Static) RequestNodes(buildSet *model.BuildSet, job *model.Job) *model.NodeRequest {
	req := &model.NodeRequest{
		ID:       uuid.NewString(),
		BuildSet: buildSet,
		JobName:  job.Name,
		Labels:   job.Labels,
		State:    model.NodeRequestRequested,
	}
	ns := &model.NodeSet{}
	labels := job.Labels
	if len(labels) == 0 {
		labels = []string{"default"}
	}
	for _, label := range labels {
		s.serial++
		ns.Nodes = append(ns.Nodes, model.Node{
			Name:  nodeName(label, s.serial),
			Label: label,
		})
	}
	s.granted[req.ID] = ns
	s.results.Put(&events.NodesProvisionedEvent{Request: req, NodeSet: ns})
	return req
}

// AcceptNodes finalises a fulfilled request and hands over its nodes.
func (s *Static) AcceptNodes(request *model.NodeRequest) *model.NodeSet {
	ns, ok := s.granted[request.ID]
	if !ok {
		s.log.Errorw("accept for unknown node request", "request", request.ID)
		return nil
	}
	delete(s.granted, request.ID)
	request.State = model.NodeRequestFulfilled
	return ns
}

// ReturnNodeSet reclaims a granted allocation. Returning an allocation
// twice is an invariant violation and is logged, not acted on.
func (s *Static) ReturnNodeSet(nodeset *model.NodeSet) {
	if nodeset == nil {
		return
	}
	if nodeset.Returned {
		s.log.Errorw("nodeset returned twice")
		return
	}
	nodeset.Returned = true
}

func nodeName(label string, serial int) string {
	return fmt.Sprintf("%s-%d", label, serial)
}
