package github

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/model"
)

var dependsOnRE = regexp.MustCompile(`(?mi)^Depends-On:\s*(\S+)\s*$`)

// Connection is one configured GitHub endpoint. It implements
// model.Source: changes fetched here are cached by content snapshot so
// repeated trigger deliveries for one patchset hit the API once.
type Connection struct {
	name          string
	hostname      string
	webhookSecret string

	client *Client
	log    *zap.SugaredLogger

	// deliver hands normalised webhook events to the scheduler
	deliver func(*model.TriggerEvent)

	mu       sync.Mutex
	projects map[string]*model.Project

	// changes caches PullRequest snapshots by change key
	changes *gocache.Cache

	// branches caches project branch lists briefly
	branches *gocache.Cache

	// permissions caches collaborator permission lookups
	permissions *gocache.Cache
}

// NewConnection returns a connection against the given API base URL.
func NewConnection(name, hostname, baseURL, token, webhookSecret string, log *zap.SugaredLogger) *Connection {
	log = log.Named("github." + name)
	return &Connection{
		name:          name,
		hostname:      hostname,
		webhookSecret: webhookSecret,
		client:        NewClient(baseURL, token, log),
		log:           log,
		deliver:       func(*model.TriggerEvent) {},
		projects:      make(map[string]*model.Project),
		changes:       gocache.New(2*time.Hour, 10*time.Minute),
		branches:      gocache.New(5*time.Minute, 10*time.Minute),
		permissions:   gocache.New(time.Hour, 10*time.Minute),
	}
}

// OnEvent registers the callback receiving normalised webhook events.
func (c *Connection) OnEvent(fn func(*model.TriggerEvent)) {
	c.deliver = fn
}

// WebhookHandler returns the HTTP ingress for this connection.
func (c *Connection) WebhookHandler() *WebhookHandler {
	return NewWebhookHandler(c)
}

func (c *Connection) Name() string     { return c.name }
func (c *Connection) Hostname() string { return c.hostname }

// GetProject returns (and interns) the named project.
func (c *Connection) GetProject(name string) (*model.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.projects[name]; ok {
		return p, nil
	}
	p := &model.Project{Hostname: c.hostname, Name: name, Source: c}
	c.projects[name] = p
	return p, nil
}

// GetChange resolves a trigger event to a change snapshot.
func (c *Connection) GetChange(event *model.TriggerEvent) (model.Change, error) {
	if event.Connection != c.name {
		return nil, model.ErrUnknownChange
	}
	project, err := c.GetProject(event.ProjectName)
	if err != nil {
		return nil, err
	}
	if event.Type == model.EventTypePush {
		return &model.Ref{
			Proj:   project,
			Name:   event.Ref,
			Oldrev: event.Oldrev,
			Newrev: event.Newrev,
			Link:   fmt.Sprintf("https://%s/%s/commit/%s", c.hostname, event.ProjectName, event.Newrev),
		}, nil
	}
	if event.ChangeNumber == 0 {
		// Status events carry only a sha; resolve through open PRs
		if event.Type == model.EventTypeStatus && event.PatchsetID != "" {
			return c.getChangeBySHA(project, event.PatchsetID, event)
		}
		return nil, model.ErrUnknownChange
	}
	return c.getPullRequest(project, event.ChangeNumber, event)
}

// GetChangeByURL resolves a Depends-On reference like
// "https://github.example.com/org/project/pull/5".
func (c *Connection) GetChangeByURL(changeURL string) (model.Change, error) {
	u := strings.TrimPrefix(strings.TrimPrefix(changeURL, "https://"), "http://")
	parts := strings.Split(strings.TrimSuffix(u, "/"), "/")
	// host/org/repo/pull/number
	if len(parts) != 5 || parts[3] != "pull" || parts[0] != c.hostname {
		return nil, model.ErrUnknownChange
	}
	number, err := strconv.Atoi(parts[4])
	if err != nil {
		return nil, model.ErrUnknownChange
	}
	project, err := c.GetProject(parts[1] + "/" + parts[2])
	if err != nil {
		return nil, err
	}
	return c.getPullRequest(project, number, nil)
}

func (c *Connection) getChangeBySHA(project *model.Project, sha string, event *model.TriggerEvent) (model.Change, error) {
	for _, item := range c.changes.Items() {
		pr, ok := item.Object.(*model.PullRequest)
		if !ok || pr.PatchsetID != sha {
			continue
		}
		if pr.Proj.CanonicalName() != project.CanonicalName() {
			continue
		}
		// Statuses change without a new snapshot; refresh
		return c.getPullRequest(project, pr.Number, event)
	}
	res, err := c.client.searchOpenPRs(context.Background(),
		fmt.Sprintf("%s repo:%s type:pr state:open", sha, project.Name))
	if err != nil {
		return nil, err
	}
	for _, item := range res.Items {
		pr, err := c.getPullRequest(project, item.Number, event)
		if err != nil {
			continue
		}
		if p, ok := pr.(*model.PullRequest); ok && p.PatchsetID == sha {
			return pr, nil
		}
	}
	return nil, model.ErrUnknownChange
}

func (c *Connection) getPullRequest(project *model.Project, number int, event *model.TriggerEvent) (model.Change, error) {
	ctx := context.Background()
	data, err := c.client.getPR(ctx, project.Name, number)
	if err != nil {
		return nil, fmt.Errorf("fetching %s#%d: %w", project.Name, number, err)
	}
	key := fmt.Sprintf("%s/%d/%s", project.CanonicalName(), number, data.Head.SHA)
	if cached, ok := c.changes.Get(key); ok {
		pr := cached.(*model.PullRequest)
		// Statuses and approvals move independently of the snapshot
		c.refreshVolatile(ctx, project, pr)
		pr.SourceEvent = event
		return pr, nil
	}

	files, err := c.client.listFiles(ctx, project.Name, number)
	if err != nil {
		return nil, fmt.Errorf("fetching files of %s#%d: %w", project.Name, number, err)
	}
	pr := &model.PullRequest{
		Proj:        project,
		Number:      number,
		PatchsetID:  data.Head.SHA,
		Branch:      data.Base.Ref,
		Refspec:     fmt.Sprintf("refs/pull/%d/head", number),
		Link:        data.HTMLURL,
		Title:       data.Title,
		Message:     data.Body,
		UpdatedAt:   data.UpdatedAt,
		Files:       files,
		Open:        data.State == "open",
		Merged:      data.Merged,
		DependsOn:   parseDependsOn(data.Body),
		SourceEvent: event,
	}
	c.refreshVolatile(ctx, project, pr)
	c.changes.SetDefault(key, pr)
	return pr, nil
}

func (c *Connection) refreshVolatile(ctx context.Context, project *model.Project, pr *model.PullRequest) {
	if statuses, err := c.client.listStatuses(ctx, project.Name, pr.PatchsetID); err == nil {
		pr.Statuses = normaliseStatuses(statuses)
	} else {
		c.log.Warnw("fetching statuses failed", "change", pr.Number, "error", err)
	}
	if reviews, err := c.client.listReviews(ctx, project.Name, pr.Number); err == nil {
		pr.Approvals = c.mapApprovals(ctx, project, reviews)
	} else {
		c.log.Warnw("fetching reviews failed", "change", pr.Number, "error", err)
	}
}

// normaliseStatuses deduplicates by (user, context), keeping the newest.
func normaliseStatuses(statuses []statusData) []string {
	sort.SliceStable(statuses, func(i, j int) bool {
		return statuses[i].CreatedAt.After(statuses[j].CreatedAt)
	})
	seen := make(map[string]bool)
	var out []string
	for _, s := range statuses {
		user := s.Creator.Login
		if user == "" {
			user = "Unknown"
		}
		dedup := user + ":" + s.Context
		if seen[dedup] {
			continue
		}
		seen[dedup] = true
		out = append(out, fmt.Sprintf("%s:%s:%s", user, s.Context, s.State))
	}
	return out
}

// mapApprovals converts reviews to approvals: APPROVED counts +2 when the
// reviewer has write permission, +1 otherwise; CHANGES_REQUESTED likewise
// negative; anything else is a comment. Per user only the latest review by
// submission time is kept.
func (c *Connection) mapApprovals(ctx context.Context, project *model.Project, reviews []reviewData) []model.Approval {
	latest := make(map[string]reviewData)
	for _, r := range reviews {
		if prev, ok := latest[r.User.Login]; !ok || r.SubmittedAt.After(prev.SubmittedAt) {
			latest[r.User.Login] = r
		}
	}
	users := make([]string, 0, len(latest))
	for u := range latest {
		users = append(users, u)
	}
	sort.Strings(users)

	var out []model.Approval
	for _, user := range users {
		r := latest[user]
		a := model.Approval{Username: user, GrantedOn: r.SubmittedAt}
		weight := 1
		if c.hasWritePermission(ctx, project, user) {
			weight = 2
		}
		switch strings.ToUpper(r.State) {
		case "APPROVED":
			a.Type = "approved"
			a.Value = weight
		case "CHANGES_REQUESTED":
			a.Type = "changes_requested"
			a.Value = -weight
		default:
			a.Type = "comment"
			a.Value = 0
		}
		out = append(out, a)
	}
	return out
}

func (c *Connection) hasWritePermission(ctx context.Context, project *model.Project, login string) bool {
	key := project.Name + "/" + login
	if cached, ok := c.permissions.Get(key); ok {
		return cached.(bool)
	}
	perm, err := c.client.getPermission(ctx, project.Name, login)
	if err != nil {
		c.log.Warnw("permission lookup failed", "project", project.Name, "user", login, "error", err)
		return false
	}
	write := perm == "write" || perm == "admin"
	c.permissions.SetDefault(key, write)
	return write
}

// GetProjectBranches lists the project's branches, briefly cached.
func (c *Connection) GetProjectBranches(project *model.Project) ([]string, error) {
	if cached, ok := c.branches.Get(project.Name); ok {
		return cached.([]string), nil
	}
	branches, err := c.client.listBranches(context.Background(), project.Name)
	if err != nil {
		return nil, fmt.Errorf("listing branches of %s: %w", project.Name, err)
	}
	c.branches.SetDefault(project.Name, branches)
	return branches, nil
}

// GetChangesDependingOn searches open pull requests declaring a dependency
// on the change.
func (c *Connection) GetChangesDependingOn(change model.Change) ([]model.Change, error) {
	pr, ok := change.(*model.PullRequest)
	if !ok {
		return nil, nil
	}
	res, err := c.client.searchOpenPRs(context.Background(),
		fmt.Sprintf("%q type:pr state:open in:body", "Depends-On: "+pr.URL()))
	if err != nil {
		return nil, err
	}
	var out []model.Change
	for _, item := range res.Items {
		name := projectFromRepositoryURL(item.RepositoryURL)
		if name == "" {
			continue
		}
		project, err := c.GetProject(name)
		if err != nil {
			continue
		}
		dep, err := c.getPullRequest(project, item.Number, nil)
		if err != nil {
			c.log.Warnw("fetching dependent change failed", "project", name, "number", item.Number, "error", err)
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

// CanMerge reports whether the platform would accept a merge, ignoring
// missing statuses whose contexts appear in allowNeeds.
func (c *Connection) CanMerge(change model.Change, allowNeeds map[string]bool) (bool, error) {
	pr, ok := change.(*model.PullRequest)
	if !ok {
		return true, nil
	}
	data, err := c.client.getPR(context.Background(), pr.Proj.Name, pr.Number)
	if err != nil {
		return false, err
	}
	if data.State != "open" {
		return false, nil
	}
	if data.Mergeable != nil && !*data.Mergeable {
		return false, nil
	}
	// Failed required statuses block unless the pipeline sets them itself
	for _, s := range pr.Statuses {
		parts := strings.SplitN(s, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[2] == "failure" || parts[2] == "error" {
			if !allowNeeds[parts[1]] {
				return false, nil
			}
		}
	}
	return true, nil
}

// MaintainCache trims cached change snapshots to the relevant set.
func (c *Connection) MaintainCache(relevant []model.Change) {
	keep := make(map[string]bool, len(relevant))
	for _, change := range relevant {
		keep[change.Key()] = true
	}
	for key := range c.changes.Items() {
		if !keep[key] {
			c.changes.Delete(key)
		}
	}
}

func parseDependsOn(body string) []string {
	var out []string
	for _, m := range dependsOnRE.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

func projectFromRepositoryURL(repoURL string) string {
	// .../repos/<org>/<repo>
	idx := strings.Index(repoURL, "/repos/")
	if idx < 0 {
		return ""
	}
	return repoURL[idx+len("/repos/"):]
}
