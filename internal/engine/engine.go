package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"boardsync/internal/board"
	"boardsync/internal/config"
	"boardsync/internal/domain"
	"boardsync/internal/engine/auth"
	"boardsync/internal/events"
	"boardsync/internal/repo"
)

var ErrTransitionRejected = errors.New("transition rejected")

// TransitionError carries the state machine's reason for a refused move.
type TransitionError struct {
	Decision board.Decision
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s rejected: %s", e.Decision.From, e.Decision.To, e.Decision.Reason)
}

func (e TransitionError) Unwrap() error { return ErrTransitionRejected }

// Publisher announces committed item mutations to live sessions.
type Publisher interface {
	Publish(ctx context.Context, evt domain.ItemEvent) error
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Auth      auth.Service
	Config    *config.Config
	Publisher Publisher
	Logger    *log.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// InitProject creates a project and makes actorID its first leader.
func (e Engine) InitProject(ctx context.Context, projectID, name, description, actorID string) (domain.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	if actorID == "" {
		return domain.Project{}, errors.New("actor_id required")
	}
	if name == "" {
		name = projectID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	p := domain.Project{ID: projectID, Name: name, Description: description, CreatedAt: now}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := e.Config
	if cfg == nil || cfg.Project.ID != projectID {
		cfg = config.Default(projectID)
	}
	cfg.Project.Name = name
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	leader := domain.Member{ProjectID: p.ID, ActorID: actorID, Name: actorID, Role: domain.RoleLeader, CreatedAt: now}
	if err := e.Repo.UpsertMemberTx(ctx, tx, leader); err != nil {
		return domain.Project{}, fmt.Errorf("insert leader: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, events.EntityProject, p.ID, actorID, p); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

type MemberOptions struct {
	ProjectID string
	ActorID   string
	Name      string
	Email     string
	AvatarURL string
	Role      string
	By        string
}

// UpsertMember adds or updates a member. Only leaders manage membership.
func (e Engine) UpsertMember(ctx context.Context, opts MemberOptions) (domain.Member, error) {
	if opts.ActorID == "" {
		return domain.Member{}, errors.New("member actor_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if _, err := e.Auth.Require(ctx, tx, opts.ProjectID, opts.By, auth.ActionManageMembers); err != nil {
		return domain.Member{}, err
	}
	m := domain.Member{
		ProjectID: opts.ProjectID,
		ActorID:   opts.ActorID,
		Name:      opts.Name,
		Email:     opts.Email,
		AvatarURL: opts.AvatarURL,
		Role:      domain.NormalizeRole(opts.Role),
		CreatedAt: e.timestamp(),
	}
	if m.Name == "" {
		m.Name = m.ActorID
	}
	if existing, err := e.Repo.GetMemberTx(ctx, tx, opts.ProjectID, opts.ActorID); err == nil {
		m.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Member{}, err
	}
	if err := e.Repo.UpsertMemberTx(ctx, tx, m); err != nil {
		return domain.Member{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeMemberUpserted, m.ProjectID, events.EntityMember, m.ActorID, opts.By, m); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return m, nil
}

func (e Engine) ListMembers(ctx context.Context, projectID string) ([]domain.Member, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListMembers(ctx, projectID)
}

type ItemCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	IssueType   string
	Priority    string
	AssigneeID  string
	StartDate   *string
	DueDate     *string
	Attachments []string
	ActorID     string
}

// CreateItem adds an item to the backlog.
func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.Item, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Item{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Item{}, errors.New("project is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	if _, err := e.Auth.Require(ctx, tx, opts.ProjectID, opts.ActorID, auth.ActionCreateItem); err != nil {
		return domain.Item{}, err
	}
	if err := e.ensureAssignable(ctx, tx, opts.ProjectID, opts.AssigneeID); err != nil {
		return domain.Item{}, err
	}
	seq, err := e.Repo.NextSequenceTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Item{}, err
	}
	now := e.timestamp()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	it := domain.Item{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Sequence:    seq,
		Status:      domain.StatusBacklog,
		Rank:        0,
		Assignee:    domain.AssigneeReference(opts.AssigneeID),
		Title:       opts.Title,
		Description: opts.Description,
		IssueType:   opts.IssueType,
		Priority:    opts.Priority,
		StartDate:   opts.StartDate,
		DueDate:     opts.DueDate,
		Attachments: opts.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertItemTx(ctx, tx, it); err != nil {
		return domain.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return e.commitItem(ctx, tx, it.ID, events.TypeItemCreated, domain.EventCreate, opts.ActorID)
}

type MoveOptions struct {
	ID      string
	Status  domain.Status
	Rank    *int
	ActorID string
}

// MoveItem changes an item's column after re-checking the transition
// against the stored item and the actor's role. completedBy is always
// derived here, never taken from the caller.
func (e Engine) MoveItem(ctx context.Context, opts MoveOptions) (domain.Item, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	it, err := e.Repo.GetItemTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Item{}, err
	}
	actor, err := e.Auth.Require(ctx, tx, it.ProjectID, opts.ActorID, auth.ActionMoveItem)
	if err != nil {
		return domain.Item{}, err
	}
	decision := board.Evaluate(actor, it, opts.Status)
	if !decision.Approved {
		return domain.Item{}, TransitionError{Decision: decision}
	}
	rank := 0
	if opts.Rank != nil {
		rank = *opts.Rank
	} else {
		counts, err := e.countInColumnTx(ctx, tx, it.ProjectID, opts.Status)
		if err != nil {
			return domain.Item{}, err
		}
		rank = counts
	}
	if rank < 0 {
		return domain.Item{}, errors.New("rank must not be negative")
	}
	it.Status = opts.Status
	it.Rank = rank
	it.CompletedBy = decision.CompletedBy
	it.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	return e.commitItem(ctx, tx, it.ID, events.TypeItemMoved, domain.EventUpdate, actor.ID)
}

type ItemUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	IssueType   *string
	Priority    *string
	// AssigneeID set to "" unassigns.
	AssigneeID  *string
	StartDate   *string
	DueDate     *string
	Attachments *[]string
	ActorID     string
}

// UpdateItem edits fields other than the column.
func (e Engine) UpdateItem(ctx context.Context, opts ItemUpdateOptions) (domain.Item, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	it, err := e.Repo.GetItemTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Item{}, err
	}
	if _, err := e.Auth.Require(ctx, tx, it.ProjectID, opts.ActorID, auth.ActionEditItem); err != nil {
		return domain.Item{}, err
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return domain.Item{}, errors.New("title is required")
		}
		it.Title = *opts.Title
	}
	if opts.Description != nil {
		it.Description = *opts.Description
	}
	if opts.IssueType != nil {
		it.IssueType = *opts.IssueType
	}
	if opts.Priority != nil {
		it.Priority = *opts.Priority
	}
	if opts.AssigneeID != nil {
		if err := e.ensureAssignable(ctx, tx, it.ProjectID, *opts.AssigneeID); err != nil {
			return domain.Item{}, err
		}
		it.Assignee = domain.AssigneeReference(*opts.AssigneeID)
	}
	if opts.StartDate != nil {
		it.StartDate = optionalString(*opts.StartDate)
	}
	if opts.DueDate != nil {
		it.DueDate = optionalString(*opts.DueDate)
	}
	if opts.Attachments != nil {
		it.Attachments = *opts.Attachments
	}
	it.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	return e.commitItem(ctx, tx, it.ID, events.TypeItemUpdated, domain.EventUpdate, opts.ActorID)
}

// DeleteItem removes an item. Only leaders delete.
func (e Engine) DeleteItem(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	it, err := e.Repo.GetItemTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := e.Auth.Require(ctx, tx, it.ProjectID, actorID, auth.ActionDeleteItem); err != nil {
		return err
	}
	if err := e.Repo.DeleteItemTx(ctx, tx, id); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeItemDeleted, it.ProjectID, events.EntityItem, id, actorID, events.EventPayload{"id": id}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(ctx, domain.ItemEvent{Kind: domain.EventDelete, ProjectID: it.ProjectID, ItemID: id})
	return nil
}

func (e Engine) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return e.Repo.GetItem(ctx, id)
}

// ListItems returns the project's items, narrowed by filter.
func (e Engine) ListItems(ctx context.Context, projectID string, filter domain.ItemFilter) ([]domain.Item, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListItems(ctx, repo.ItemFilters{
		ProjectID:  projectID,
		Status:     string(filter.Status),
		AssigneeID: filter.AssigneeID,
		Search:     filter.Search,
	})
}

// EventLog pages through the project's log after a cursor.
func (e Engine) EventLog(ctx context.Context, projectID string, after int64, limit int) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, limit, after, projectID)
}

// CreateAPIKey issues a key for a member. The plain secret is only
// returned here.
func (e Engine) CreateAPIKey(ctx context.Context, projectID, actorID, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetMember(ctx, projectID, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "bsk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// commitItem logs the item as stored, commits, and publishes it.
func (e Engine) commitItem(ctx context.Context, tx *sql.Tx, id, evtType string, kind domain.EventKind, actorID string) (domain.Item, error) {
	stored, err := e.Repo.GetItemTx(ctx, tx, id)
	if err != nil {
		return domain.Item{}, err
	}
	if _, err := e.Events.Append(ctx, tx, evtType, stored.ProjectID, events.EntityItem, stored.ID, actorID, stored); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	published := stored.Clone()
	e.publish(ctx, domain.ItemEvent{Kind: kind, ProjectID: stored.ProjectID, ItemID: stored.ID, Item: &published})
	return stored, nil
}

func (e Engine) publish(ctx context.Context, evt domain.ItemEvent) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(ctx, evt); err != nil {
		e.logf("engine: publish %s %s failed: %v", evt.Kind, evt.TargetID(), err)
	}
}

func (e Engine) ensureAssignable(ctx context.Context, tx *sql.Tx, projectID, assigneeID string) error {
	if assigneeID == "" {
		return nil
	}
	if _, err := e.Repo.GetMemberTx(ctx, tx, projectID, assigneeID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("assignee %s is not a project member", assigneeID)
		}
		return err
	}
	return nil
}

func (e Engine) countInColumnTx(ctx context.Context, tx *sql.Tx, projectID string, status domain.Status) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE project_id=? AND status=?`, projectID, string(status)).Scan(&n)
	return n, err
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
