package boardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"boardsync/internal/domain"
)

// Client is a minimal boardsync HTTP API client. It satisfies the board
// session's Persistence and Fetcher contracts and the event-log source used
// by the polling feed.
type Client struct {
	BaseURL string
	// BasePath is the API prefix; empty means /v1.
	BasePath    string
	ProjectID   string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Status is the per-column item count of a project.
type Status struct {
	ProjectID string         `json:"project_id"`
	Name      string         `json:"name"`
	Columns   map[string]int `json:"columns"`
	Total     int            `json:"total"`
}

// APIKey is returned once on creation with its plain secret.
type APIKey struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

// ItemInput carries the writable fields of an item. Nil fields are left
// untouched on update.
type ItemInput struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	IssueType   *string   `json:"issue_type,omitempty"`
	Priority    *string   `json:"priority,omitempty"`
	AssigneeID  *string   `json:"assignee_id,omitempty"`
	StartDate   *string   `json:"start_date,omitempty"`
	DueDate     *string   `json:"due_date,omitempty"`
	Attachments *[]string `json:"attachments,omitempty"`
}

// ListItems fetches every item of projectID matching filter.
func (c *Client) ListItems(ctx context.Context, projectID string, filter domain.ItemFilter) ([]domain.Item, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.AssigneeID != "" {
		q.Set("assignee", filter.AssigneeID)
	}
	if filter.Search != "" {
		q.Set("q", filter.Search)
	}
	endpoint := c.pathFor(projectID, "items")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []domain.Item `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// MoveItem writes a column change. The server derives completed_by from the
// caller's role, so completedBy is not sent.
func (c *Client) MoveItem(ctx context.Context, id string, status domain.Status, rank int, completedBy *string) (domain.Item, error) {
	body := map[string]any{
		"status": string(status),
		"rank":   rank,
	}
	var resp domain.Item
	err := c.do(ctx, http.MethodPatch, c.projectPath(fmt.Sprintf("items/%s/move", url.PathEscape(id))), body, &resp)
	return resp, err
}

// GetItem fetches one item.
func (c *Client) GetItem(ctx context.Context, id string) (domain.Item, error) {
	var resp domain.Item
	err := c.do(ctx, http.MethodGet, c.projectPath("items/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CreateItem adds an item to the backlog.
func (c *Client) CreateItem(ctx context.Context, in ItemInput) (domain.Item, error) {
	var resp domain.Item
	err := c.do(ctx, http.MethodPost, c.projectPath("items"), in, &resp)
	return resp, err
}

// UpdateItem edits non-column fields.
func (c *Client) UpdateItem(ctx context.Context, id string, in ItemInput) (domain.Item, error) {
	var resp domain.Item
	err := c.do(ctx, http.MethodPatch, c.projectPath("items/"+url.PathEscape(id)), in, &resp)
	return resp, err
}

// DeleteItem removes an item.
func (c *Client) DeleteItem(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("items/"+url.PathEscape(id)), nil, nil)
}

// ListMembers returns the project members with their profiles.
func (c *Client) ListMembers(ctx context.Context) ([]domain.Member, error) {
	var resp struct {
		Members []domain.Member `json:"members"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("members"), nil, &resp)
	return resp.Members, err
}

// UpsertMember adds or updates a member.
func (c *Client) UpsertMember(ctx context.Context, m domain.Member) (domain.Member, error) {
	body := map[string]any{
		"name":       m.Name,
		"email":      m.Email,
		"avatar_url": m.AvatarURL,
	}
	if m.Role != "" {
		body["role"] = string(m.Role)
	}
	var resp domain.Member
	err := c.do(ctx, http.MethodPut, c.projectPath("members/"+url.PathEscape(m.ActorID)), body, &resp)
	return resp, err
}

// Status returns column counts.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// CreateAPIKey issues a key for actorID, or for the caller when empty.
func (c *Client) CreateAPIKey(ctx context.Context, actorID, name string) (APIKey, error) {
	body := map[string]any{}
	if actorID != "" {
		body["actor_id"] = actorID
	}
	if name != "" {
		body["name"] = name
	}
	var resp APIKey
	err := c.do(ctx, http.MethodPost, c.projectPath("api-keys"), body, &resp)
	return resp, err
}

// DevLogin mints a development token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, c.apiPath("auth/dev/login"), map[string]any{"actor_id": actorID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// EventsPage returns a paginated event listing after cursor.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, after int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	endpoint := c.pathFor(projectID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsAfter returns up to limit log entries newer than afterID.
func (c *Client) EventsAfter(ctx context.Context, limit int, afterID int64, projectID string) ([]domain.Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, afterID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(page.Items))
	for _, e := range page.Items {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode event %d payload: %w", e.ID, err)
		}
		out = append(out, domain.Event{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			ProjectID:  e.ProjectID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    string(payload),
		})
	}
	return out, nil
}

// LatestEventID returns the newest log id of projectID.
func (c *Client) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	err := c.do(ctx, http.MethodGet, c.pathFor(projectID, "events/latest"), nil, &resp)
	return resp.ID, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	return c.pathFor(c.ProjectID, p)
}

func (c *Client) pathFor(projectID, p string) string {
	if projectID == "" {
		projectID = c.ProjectID
	}
	return c.apiPath(fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/")))
}

func (c *Client) apiPath(p string) string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		basePath = "v1"
	}
	return basePath + "/" + p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
