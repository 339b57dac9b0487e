package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is a minimal GitHub REST v3 client. Requests pass through a
// token-bucket limiter and are retried on throttling and server errors.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewClient returns a client for the given API base URL (e.g.
// "https://api.github.com").
func NewClient(baseURL, token string, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		// GitHub's secondary limits sit near 5000/h; stay well below
		limiter: rate.NewLimiter(rate.Limit(1), 5),
		log:     log,
	}
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.status, e.body)
}

func retryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	var he *httpError
	if errors.As(err, &he) {
		// 403 covers throttling; GitHub reports secondary limits there
		return he.status == http.StatusForbidden || he.status >= 500
	}
	return true
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	return retry.Do(
		func() error { return c.doOnce(ctx, method, path, body, out) },
		retry.Attempts(4),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(retryable),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return retry.Unrecoverable(err)
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &httpError{status: resp.StatusCode, body: truncate(string(data), 200)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decoding %s %s: %w", method, path, err))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Wire types for the subset of the REST API the driver consumes.

type prData struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Merged    bool      `json:"merged"`
	Mergeable *bool     `json:"mergeable"`
	HTMLURL   string    `json:"html_url"`
	UpdatedAt time.Time `json:"updated_at"`
	Head      struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref  string `json:"ref"`
		Repo struct {
			FullName string `json:"full_name"`
		} `json:"repo"`
	} `json:"base"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
}

type statusData struct {
	State     string    `json:"state"`
	Context   string    `json:"context"`
	CreatedAt time.Time `json:"created_at"`
	Creator   struct {
		Login string `json:"login"`
	} `json:"creator"`
}

type reviewData struct {
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	User        struct {
		Login string `json:"login"`
	} `json:"user"`
}

type fileData struct {
	Filename string `json:"filename"`
}

type branchData struct {
	Name string `json:"name"`
}

type permissionData struct {
	Permission string `json:"permission"`
}

type searchResult struct {
	Items []struct {
		Number        int    `json:"number"`
		RepositoryURL string `json:"repository_url"`
	} `json:"items"`
}

func (c *Client) getPR(ctx context.Context, project string, number int) (*prData, error) {
	var pr prData
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", project, number), nil, &pr)
	return &pr, err
}

func (c *Client) listFiles(ctx context.Context, project string, number int) ([]string, error) {
	var files []fileData
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=100", project, number), nil, &files)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Filename)
	}
	return out, nil
}

func (c *Client) listStatuses(ctx context.Context, project, sha string) ([]statusData, error) {
	var statuses []statusData
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/commits/%s/statuses?per_page=100", project, sha), nil, &statuses)
	return statuses, err
}

func (c *Client) listReviews(ctx context.Context, project string, number int) ([]reviewData, error) {
	var reviews []reviewData
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d/reviews?per_page=100", project, number), nil, &reviews)
	return reviews, err
}

func (c *Client) listBranches(ctx context.Context, project string) ([]string, error) {
	var branches []branchData
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/branches?per_page=100", project), nil, &branches)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(branches))
	for _, b := range branches {
		out = append(out, b.Name)
	}
	return out, nil
}

func (c *Client) getPermission(ctx context.Context, project, login string) (string, error) {
	var perm permissionData
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/collaborators/%s/permission", project, url.PathEscape(login)), nil, &perm)
	if err != nil {
		return "", err
	}
	return perm.Permission, nil
}

func (c *Client) createStatus(ctx context.Context, project, sha, state, statusContext, targetURL, description string) error {
	body := map[string]string{
		"state":       state,
		"context":     statusContext,
		"description": truncate(description, 140),
	}
	if targetURL != "" {
		body["target_url"] = targetURL
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/statuses/%s", project, sha), body, nil)
}

func (c *Client) createComment(ctx context.Context, project string, number int, text string) error {
	body := map[string]string{"body": text}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", project, number), body, nil)
}

func (c *Client) mergePR(ctx context.Context, project string, number int) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/merge", project, number), map[string]string{}, nil)
}

func (c *Client) searchOpenPRs(ctx context.Context, query string) (*searchResult, error) {
	var res searchResult
	err := c.do(ctx, http.MethodGet, "/search/issues?q="+url.QueryEscape(query), nil, &res)
	return &res, err
}
