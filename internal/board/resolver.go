package board

import (
	"strings"

	"boardsync/internal/domain"
)

// ResolveAssignee enriches a bare reference, or a profile without a usable
// name, from lookup. When nothing is found the input comes back unchanged.
func ResolveAssignee(a domain.Assignee, lookup ProfileLookup) domain.Assignee {
	if lookup == nil {
		return a
	}
	switch a.Kind() {
	case domain.AssigneeNone:
		return a
	case domain.AssigneeRef:
		if p, ok := lookup.Profile(a.ID()); ok {
			return domain.AssigneeProfile(withID(p, a.ID()))
		}
		return a
	case domain.AssigneeResolved:
		current, _ := a.Profile()
		if strings.TrimSpace(current.Name) != "" {
			return a
		}
		if p, ok := lookup.Profile(current.ID); ok && strings.TrimSpace(p.Name) != "" {
			return domain.AssigneeProfile(withID(p, current.ID))
		}
		return a
	}
	return a
}

// Resolve returns item with its assignee enriched.
func Resolve(item domain.Item, lookup ProfileLookup) domain.Item {
	item.Assignee = ResolveAssignee(item.Assignee, lookup)
	return item
}

func withID(p domain.Profile, id string) domain.Profile {
	if p.ID == "" {
		p.ID = id
	}
	return p
}

// mergeAssignee keeps an already resolved profile when the incoming record
// carries less about the same person. With authoritative set, an empty
// assignee means the item was unassigned; otherwise it means the record
// left the assignee out.
func mergeAssignee(prev, next domain.Assignee, authoritative bool) domain.Assignee {
	prevProfile, prevResolved := prev.Profile()
	if !prevResolved {
		return next
	}
	switch next.Kind() {
	case domain.AssigneeNone:
		if authoritative {
			return next
		}
		return prev
	case domain.AssigneeRef:
		if next.ID() == prevProfile.ID {
			return prev
		}
		return next
	case domain.AssigneeResolved:
		p, _ := next.Profile()
		if p.ID == prevProfile.ID && strings.TrimSpace(p.Name) == "" {
			return prev
		}
		return next
	}
	return next
}
