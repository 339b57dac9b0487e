package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/model"
)

// submit enqueues a management event and blocks until the scheduler
// processed it.
func (s *Server) submit(w http.ResponseWriter, ev events.ManagementEvent) {
	s.opts.Sched.AddManagementEvent(ev)
	if err := ev.Wait(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{\"status\":\"ok\"}\n"))
}

// decodeBody decodes an optional JSON request body into dst. A missing or
// empty body leaves dst zeroed.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Tenant string `json:"tenant"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Tenant != "" {
		s.submit(w, events.NewTenantReconfigureEvent(req.Tenant, ""))
		return
	}
	s.submit(w, events.NewReconfigureEvent())
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Tenant   string   `json:"tenant"`
		Pipeline string   `json:"pipeline"`
		Changes  []string `json:"changes"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Tenant == "" || req.Pipeline == "" || len(req.Changes) == 0 {
		http.Error(w, "tenant, pipeline and changes are required", http.StatusBadRequest)
		return
	}
	s.submit(w, events.NewPromoteEvent(req.Tenant, req.Pipeline, req.Changes))
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Tenant   string `json:"tenant"`
		Pipeline string `json:"pipeline"`
		Project  string `json:"project"`

		// Change is "<number>,<patchset>" for pull requests
		Change string `json:"change,omitempty"`

		// Ref/Oldrev/Newrev describe a ref update instead
		Ref    string `json:"ref,omitempty"`
		Oldrev string `json:"oldrev,omitempty"`
		Newrev string `json:"newrev,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Tenant == "" || req.Pipeline == "" || req.Project == "" {
		http.Error(w, "tenant, pipeline and project are required", http.StatusBadRequest)
		return
	}

	ev := &model.TriggerEvent{ProjectName: req.Project}
	switch {
	case req.Change != "":
		number, patchset, ok := strings.Cut(req.Change, ",")
		n, err := strconv.Atoi(number)
		if !ok || err != nil || patchset == "" {
			http.Error(w, "change must be formatted <number>,<patchset>", http.StatusBadRequest)
			return
		}
		ev.Type = model.EventTypePullRequest
		ev.ChangeNumber = n
		ev.PatchsetID = patchset
	case req.Ref != "":
		ev.Type = model.EventTypePush
		ev.Ref = req.Ref
		ev.Oldrev = req.Oldrev
		ev.Newrev = req.Newrev
	default:
		http.Error(w, "either change or ref is required", http.StatusBadRequest)
		return
	}
	s.submit(w, events.NewEnqueueEvent(req.Tenant, req.Pipeline, ev))
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.log.Infow("graceful exit requested")
	s.opts.Sched.Exit()
	writeOK(w)
}

// handleVerbose flips the process log level between debug and info.
func (s *Server) handleVerbose(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{
			"enabled": s.opts.Level.Enabled(zapcore.DebugLevel),
		})
		return
	}
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Enabled {
		s.opts.Level.SetLevel(zapcore.DebugLevel)
	} else {
		s.opts.Level.SetLevel(zapcore.InfoLevel)
	}
	s.log.Infow("log verbosity changed", "debug", req.Enabled)
	writeOK(w)
}
