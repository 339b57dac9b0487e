package github

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/RevCBH/switchyard/internal/model"
)

// WebhookHandler validates and normalises platform webhooks into trigger
// events. Signature validation is HMAC-SHA1 over the raw body with the
// connection's shared secret.
type WebhookHandler struct {
	conn *Connection
}

// NewWebhookHandler returns the ingress handler for a connection.
func NewWebhookHandler(conn *Connection) *WebhookHandler {
	return &WebhookHandler{conn: conn}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if secret := h.conn.webhookSecret; secret != "" {
		if !validSignature(body, r.Header.Get("X-Hub-Signature"), secret) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}
	event, err := h.parse(r.Header.Get("X-Github-Event"), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if event != nil {
		h.conn.log.Debugw("webhook event received",
			"type", event.Type, "action", event.Action, "project", event.ProjectName)
		h.conn.deliver(event)
	}
	w.WriteHeader(http.StatusOK)
}

func validSignature(body []byte, header, secret string) bool {
	sig, ok := strings.CutPrefix(header, "sha1=")
	if !ok {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

// parse normalises one webhook delivery. A nil event with nil error means
// the delivery is recognised but deliberately ignored.
func (h *WebhookHandler) parse(eventType string, body []byte) (*model.TriggerEvent, error) {
	switch eventType {
	case "push":
		return h.parsePush(body)
	case "pull_request":
		return h.parsePullRequest(body)
	case "issue_comment":
		return h.parseIssueComment(body)
	case "pull_request_review":
		return h.parseReview(body)
	case "status":
		return h.parseStatus(body)
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}

func (h *WebhookHandler) newEvent() *model.TriggerEvent {
	return &model.TriggerEvent{
		ID:              ulid.Make().String(),
		Connection:      h.conn.name,
		ProjectHostname: h.conn.hostname,
	}
}

func (h *WebhookHandler) parsePush(body []byte) (*model.TriggerEvent, error) {
	var payload struct {
		Ref        string `json:"ref"`
		Before     string `json:"before"`
		After      string `json:"after"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
		Sender struct {
			Login string `json:"login"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed push payload")
	}
	ev := h.newEvent()
	ev.Type = model.EventTypePush
	ev.ProjectName = payload.Repository.FullName
	ev.Ref = payload.Ref
	ev.Oldrev = payload.Before
	ev.Newrev = payload.After
	ev.Branch = strings.TrimPrefix(payload.Ref, "refs/heads/")
	ev.Account = payload.Sender.Login
	return ev, nil
}

func (h *WebhookHandler) parsePullRequest(body []byte) (*model.TriggerEvent, error) {
	var payload struct {
		Action      string `json:"action"`
		Number      int    `json:"number"`
		PullRequest struct {
			Merged bool `json:"merged"`
			Head   struct {
				SHA string `json:"sha"`
			} `json:"head"`
			Base struct {
				Ref string `json:"ref"`
			} `json:"base"`
		} `json:"pull_request"`
		Label struct {
			Name string `json:"name"`
		} `json:"label"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
		Sender struct {
			Login string `json:"login"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed pull_request payload")
	}
	ev := h.newEvent()
	ev.Type = model.EventTypePullRequest
	ev.ProjectName = payload.Repository.FullName
	ev.ChangeNumber = payload.Number
	ev.PatchsetID = payload.PullRequest.Head.SHA
	ev.Branch = payload.PullRequest.Base.Ref
	ev.Account = payload.Sender.Login
	switch payload.Action {
	case "opened":
		ev.Action = model.ActionOpened
	case "synchronize":
		ev.Action = model.ActionChanged
	case "closed":
		ev.Action = model.ActionClosed
		ev.Merged = payload.PullRequest.Merged
	case "reopened":
		ev.Action = model.ActionReopened
	case "labeled":
		ev.Action = model.ActionLabeled
		ev.Label = payload.Label.Name
	case "unlabeled":
		ev.Action = model.ActionUnlabeled
		ev.Label = payload.Label.Name
	default:
		return nil, fmt.Errorf("unknown pull_request action %q", payload.Action)
	}
	return ev, nil
}

func (h *WebhookHandler) parseIssueComment(body []byte) (*model.TriggerEvent, error) {
	var payload struct {
		Action string `json:"action"`
		Issue  struct {
			Number      int             `json:"number"`
			PullRequest json.RawMessage `json:"pull_request"`
		} `json:"issue"`
		Comment struct {
			Body string `json:"body"`
		} `json:"comment"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
		Sender struct {
			Login string `json:"login"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed issue_comment payload")
	}
	// Only freshly created comments on pull requests trigger
	if payload.Action != "created" || payload.Issue.PullRequest == nil {
		return nil, nil
	}
	ev := h.newEvent()
	ev.Type = model.EventTypePullRequest
	ev.Action = model.ActionComment
	ev.ProjectName = payload.Repository.FullName
	ev.ChangeNumber = payload.Issue.Number
	ev.Comment = payload.Comment.Body
	ev.Account = payload.Sender.Login
	return ev, nil
}

func (h *WebhookHandler) parseReview(body []byte) (*model.TriggerEvent, error) {
	var payload struct {
		Action string `json:"action"`
		Review struct {
			State string `json:"state"`
			User  struct {
				Login string `json:"login"`
			} `json:"user"`
		} `json:"review"`
		PullRequest struct {
			Number int `json:"number"`
			Head   struct {
				SHA string `json:"sha"`
			} `json:"head"`
		} `json:"pull_request"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed pull_request_review payload")
	}
	if payload.Action != "submitted" {
		return nil, nil
	}
	ev := h.newEvent()
	ev.Type = model.EventTypeReview
	ev.Action = model.ActionSubmitted
	ev.ProjectName = payload.Repository.FullName
	ev.ChangeNumber = payload.PullRequest.Number
	ev.PatchsetID = payload.PullRequest.Head.SHA
	ev.State = strings.ToLower(payload.Review.State)
	ev.Account = payload.Review.User.Login
	return ev, nil
}

func (h *WebhookHandler) parseStatus(body []byte) (*model.TriggerEvent, error) {
	var payload struct {
		SHA     string `json:"sha"`
		State   string `json:"state"`
		Context string `json:"context"`
		Sender  struct {
			Login string `json:"login"`
		} `json:"sender"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed status payload")
	}
	// Pending deliveries are recorded but statuses are always read live
	if payload.State == "pending" {
		return nil, nil
	}
	user := payload.Sender.Login
	if user == "" {
		user = "Unknown"
	}
	ev := h.newEvent()
	ev.Type = model.EventTypeStatus
	ev.ProjectName = payload.Repository.FullName
	ev.PatchsetID = payload.SHA
	ev.Status = fmt.Sprintf("%s:%s:%s", user, payload.Context, payload.State)
	ev.Account = user
	return ev, nil
}
