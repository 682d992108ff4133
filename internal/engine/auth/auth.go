package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"boardsync/internal/board"
	"boardsync/internal/domain"
	"boardsync/internal/repo"
)

// Action is something an actor may attempt on a project.
type Action string

const (
	ActionRead          Action = "project.read"
	ActionCreateItem    Action = "item.create"
	ActionEditItem      Action = "item.edit"
	ActionMoveItem      Action = "item.move"
	ActionDeleteItem    Action = "item.delete"
	ActionManageMembers Action = "member.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Action Action
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Action)
}

// Can reports whether a role may perform action. Column moves are gated
// further by the board state machine.
func Can(role domain.Role, action Action) bool {
	switch role {
	case domain.RoleLeader:
		return true
	case domain.RoleMember:
		switch action {
		case ActionRead, ActionCreateItem, ActionEditItem, ActionMoveItem:
			return true
		}
	}
	return false
}

// Service resolves actors against project membership.
type Service struct {
	Repo repo.Repo
}

// Actor loads the member behind actorID as a board actor.
func (s Service) Actor(ctx context.Context, tx *sql.Tx, projectID, actorID string) (board.Actor, error) {
	if actorID == "" {
		return board.Actor{}, errors.New("actor_id required")
	}
	role, err := s.Repo.MemberRole(ctx, tx, projectID, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return board.Actor{}, ForbiddenError{Action: ActionRead}
	}
	if err != nil {
		return board.Actor{}, err
	}
	return board.Actor{ID: actorID, Role: role}, nil
}

// Require loads the actor and checks action.
func (s Service) Require(ctx context.Context, tx *sql.Tx, projectID, actorID string, action Action) (board.Actor, error) {
	actor, err := s.Actor(ctx, tx, projectID, actorID)
	if err != nil {
		return board.Actor{}, err
	}
	if !Can(actor.Role, action) {
		return board.Actor{}, ForbiddenError{Action: action}
	}
	return actor, nil
}
