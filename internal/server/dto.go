package server

import (
	"encoding/json"

	"boardsync/internal/domain"
)

// Request payloads

type ItemCreateRequest struct {
	ID          *string  `json:"id,omitempty"`
	Title       string   `json:"title" minLength:"1"`
	Description *string  `json:"description,omitempty"`
	IssueType   *string  `json:"issue_type,omitempty"`
	Priority    *string  `json:"priority,omitempty"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	StartDate   *string  `json:"start_date,omitempty" format:"date"`
	DueDate     *string  `json:"due_date,omitempty" format:"date"`
	Attachments []string `json:"attachments,omitempty"`
}

// ItemMoveRequest carries only the destination. completed_by is derived
// server-side from the mover's role.
type ItemMoveRequest struct {
	Status string `json:"status" enum:"backlog,in_progress,review,completed,blocked"`
	Rank   *int   `json:"rank,omitempty" minimum:"0"`
}

type ItemUpdateRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	IssueType   *string `json:"issue_type,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	// AssigneeID "" or null unassigns.
	AssigneeID  *string  `json:"assignee_id,omitempty" nullable:"true"`
	StartDate   *string  `json:"start_date,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

type MemberUpsertRequest struct {
	Name      *string `json:"name,omitempty"`
	Email     *string `json:"email,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
	Role      string  `json:"role,omitempty" enum:"leader,member"`
}

type APIKeyCreateRequest struct {
	ActorID *string `json:"actor_id,omitempty"`
	Name    *string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Responses

type ItemListResponse struct {
	Items []domain.Item `json:"items"`
}

type MemberListResponse struct {
	Members []domain.Member `json:"members"`
}

type StatusResponse struct {
	ProjectID string         `json:"project_id"`
	Name      string         `json:"name"`
	Columns   map[string]int `json:"columns"`
	Total     int            `json:"total"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type LatestEventResponse struct {
	ID int64 `json:"id"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	// Key is only returned on creation.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Path inputs and output envelopes

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type itemPath struct {
	ProjectID string `path:"project_id"`
	ID        string `path:"id"`
}

type itemOutput struct {
	Body domain.Item `json:"body"`
}

type itemListOutput struct {
	Body ItemListResponse `json:"body"`
}

type memberOutput struct {
	Body domain.Member `json:"body"`
}

type memberListOutput struct {
	Body MemberListResponse `json:"body"`
}

type statusOutput struct {
	Body StatusResponse `json:"body"`
}

type eventsOutput struct {
	Body paginatedEvents `json:"body"`
}

type latestEventOutput struct {
	Body LatestEventResponse `json:"body"`
}

type apiKeyOutput struct {
	Body APIKeyResponse `json:"body"`
}

type devLoginOutput struct {
	Body DevLoginResponse `json:"body"`
}

// Conversion helpers

func statusResponse(p domain.Project, counts map[domain.Status]int) StatusResponse {
	resp := StatusResponse{ProjectID: p.ID, Name: p.Name, Columns: map[string]int{}}
	for _, st := range domain.Statuses {
		resp.Columns[string(st)] = counts[st]
		resp.Total += counts[st]
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey, secret string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ProjectID: k.ProjectID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Key:       secret,
		CreatedAt: k.CreatedAt,
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
