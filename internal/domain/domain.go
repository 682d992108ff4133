package domain

import (
	"errors"
	"fmt"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Status is the board column an item sits in.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// Statuses lists every column in board order.
var Statuses = []Status{StatusBacklog, StatusInProgress, StatusReview, StatusCompleted, StatusBlocked}

var ErrInvalidStatus = errors.New("invalid status")

// ParseStatus accepts only the five board columns.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusBacklog, StatusInProgress, StatusReview, StatusCompleted, StatusBlocked:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w %q", ErrInvalidStatus, s)
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidStatus, string(s))
	}
	return []byte(s), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Role is a member's standing within a project.
type Role string

const (
	RoleLeader Role = "leader"
	RoleMember Role = "member"
)

// NormalizeRole maps unknown roles to member.
func NormalizeRole(role string) Role {
	if Role(role) == RoleLeader {
		return RoleLeader
	}
	return RoleMember
}

// Profile is the lightweight person record embedded in items.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Member struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      Role   `json:"role" enum:"leader,member"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func (m Member) Profile() Profile {
	return Profile{ID: m.ActorID, Name: m.Name, Email: m.Email, AvatarURL: m.AvatarURL}
}

type Item struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Sequence    int      `json:"sequence"`
	Status      Status   `json:"status"`
	Rank        int      `json:"rank"`
	Assignee    Assignee `json:"assignee,omitzero"`
	CompletedBy *string  `json:"completed_by,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	IssueType   string   `json:"issue_type,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	StartDate   *string  `json:"start_date,omitempty" format:"date"`
	DueDate     *string  `json:"due_date,omitempty" format:"date"`
	Attachments []string `json:"attachments,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt   string   `json:"updated_at,omitempty" format:"date-time"`
}

// Clone returns a copy that shares no pointers with the receiver.
func (it Item) Clone() Item {
	out := it
	out.CompletedBy = cloneString(it.CompletedBy)
	out.StartDate = cloneString(it.StartDate)
	out.DueDate = cloneString(it.DueDate)
	if it.Attachments != nil {
		out.Attachments = append([]string(nil), it.Attachments...)
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ItemFilter narrows a full item fetch.
type ItemFilter struct {
	Status     Status
	AssigneeID string
	Search     string
}

// EventKind is the mutation carried by a push event.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

var ErrMalformedEvent = errors.New("malformed event")

// ItemEvent is one pushed mutation of a work item.
type ItemEvent struct {
	Kind      EventKind `json:"kind"`
	ProjectID string    `json:"project_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Item      *Item     `json:"item,omitempty"`
}

// TargetID is the id of the mutated item.
func (e ItemEvent) TargetID() string {
	if e.Item != nil && e.Item.ID != "" {
		return e.Item.ID
	}
	return e.ItemID
}

// Validate rejects events that cannot be applied.
func (e ItemEvent) Validate() error {
	if e.ProjectID == "" {
		return fmt.Errorf("%w: missing project id", ErrMalformedEvent)
	}
	switch e.Kind {
	case EventCreate, EventUpdate:
		if e.Item == nil || e.Item.ID == "" {
			return fmt.Errorf("%w: %s without record", ErrMalformedEvent, e.Kind)
		}
		if !e.Item.Status.Valid() {
			return fmt.Errorf("%w: record status %q", ErrMalformedEvent, e.Item.Status)
		}
	case EventDelete:
		if e.TargetID() == "" {
			return fmt.Errorf("%w: delete without id", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// Event is one row of the append-only log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey binds a hashed secret to a project member.
type APIKey struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
