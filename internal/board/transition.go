package board

import (
	"boardsync/internal/domain"
)

// Reason explains a rejected move. It is never surfaced to the user.
type Reason string

const (
	ReasonSameColumn     Reason = "same_column"
	ReasonInvalidStatus  Reason = "invalid_status"
	ReasonBacklogReentry Reason = "backlog_reentry"
	ReasonTerminal       Reason = "terminal"
	ReasonNoEdge         Reason = "no_edge"
	ReasonLeaderOnly     Reason = "leader_only"
	ReasonNotOwner       Reason = "not_owner"
)

// Decision is the state machine's verdict on a proposed move.
type Decision struct {
	Approved    bool
	From        domain.Status
	To          domain.Status
	CompletedBy *string
	Reason      Reason
}

type gate int

const (
	gateOwner gate = iota
	gateLeader
)

var transitions = map[domain.Status]map[domain.Status]gate{
	domain.StatusBacklog: {
		domain.StatusInProgress: gateOwner,
	},
	domain.StatusInProgress: {
		domain.StatusReview: gateOwner,
	},
	domain.StatusReview: {
		domain.StatusCompleted: gateLeader,
		domain.StatusBlocked:   gateLeader,
	},
	domain.StatusBlocked: {
		domain.StatusInProgress: gateOwner,
		domain.StatusReview:     gateOwner,
	},
	domain.StatusCompleted: {},
}

// Evaluate decides whether actor may move item into column to.
func Evaluate(actor Actor, item domain.Item, to domain.Status) Decision {
	d := Decision{From: item.Status, To: to}
	if !to.Valid() || !item.Status.Valid() {
		d.Reason = ReasonInvalidStatus
		return d
	}
	if to == item.Status {
		d.Reason = ReasonSameColumn
		return d
	}
	if to == domain.StatusBacklog {
		d.Reason = ReasonBacklogReentry
		return d
	}
	edges := transitions[item.Status]
	if len(edges) == 0 {
		d.Reason = ReasonTerminal
		return d
	}
	g, ok := edges[to]
	if !ok {
		d.Reason = ReasonNoEdge
		return d
	}
	switch g {
	case gateLeader:
		if !actor.IsLeader() {
			d.Reason = ReasonLeaderOnly
			return d
		}
	case gateOwner:
		if !owns(actor, item) {
			d.Reason = ReasonNotOwner
			return d
		}
	}
	d.Approved = true
	if to == domain.StatusCompleted && actor.IsLeader() {
		id := actor.ID
		d.CompletedBy = &id
	}
	return d
}

// AllowedTargets lists the columns actor may currently drop item into.
func AllowedTargets(actor Actor, item domain.Item) []domain.Status {
	var out []domain.Status
	for _, s := range domain.Statuses {
		if Evaluate(actor, item, s).Approved {
			out = append(out, s)
		}
	}
	return out
}

func owns(actor Actor, item domain.Item) bool {
	if actor.IsLeader() {
		return true
	}
	if actor.ID == "" {
		return false
	}
	switch item.Assignee.Kind() {
	case domain.AssigneeRef, domain.AssigneeResolved:
		return item.Assignee.ID() == actor.ID
	case domain.AssigneeNone:
		return false
	}
	return false
}
