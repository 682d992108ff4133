package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AssigneeKind tags which shape an Assignee holds.
type AssigneeKind int

const (
	AssigneeNone AssigneeKind = iota
	AssigneeRef
	AssigneeResolved
)

func (k AssigneeKind) String() string {
	switch k {
	case AssigneeNone:
		return "none"
	case AssigneeRef:
		return "reference"
	case AssigneeResolved:
		return "resolved"
	}
	return fmt.Sprintf("AssigneeKind(%d)", int(k))
}

// Assignee is either absent, a bare profile id, or an embedded profile.
// On the wire these are null, "id" and {"id":...,"name":...} respectively.
type Assignee struct {
	kind    AssigneeKind
	ref     string
	profile Profile
}

func Unassigned() Assignee { return Assignee{} }

// AssigneeReference returns a bare id pointer; an empty id means unassigned.
func AssigneeReference(id string) Assignee {
	if id == "" {
		return Assignee{}
	}
	return Assignee{kind: AssigneeRef, ref: id}
}

// AssigneeProfile embeds p; a profile without an id means unassigned.
func AssigneeProfile(p Profile) Assignee {
	if p.ID == "" {
		return Assignee{}
	}
	return Assignee{kind: AssigneeResolved, profile: p}
}

func (a Assignee) Kind() AssigneeKind { return a.kind }

func (a Assignee) IsZero() bool { return a.kind == AssigneeNone }

// ID returns the identifier the assignee points at, or "" when unassigned.
func (a Assignee) ID() string {
	switch a.kind {
	case AssigneeRef:
		return a.ref
	case AssigneeResolved:
		return a.profile.ID
	default:
		return ""
	}
}

func (a Assignee) Profile() (Profile, bool) {
	if a.kind != AssigneeResolved {
		return Profile{}, false
	}
	return a.profile, true
}

// DisplayName is the profile name, falling back to the raw id.
func (a Assignee) DisplayName() string {
	switch a.kind {
	case AssigneeResolved:
		if a.profile.Name != "" {
			return a.profile.Name
		}
		return a.profile.ID
	case AssigneeRef:
		return a.ref
	default:
		return ""
	}
}

func (a Assignee) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case AssigneeRef:
		return json.Marshal(a.ref)
	case AssigneeResolved:
		return json.Marshal(a.profile)
	default:
		return []byte("null"), nil
	}
}

func (a *Assignee) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = Unassigned()
		return nil
	}
	switch data[0] {
	case '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*a = AssigneeReference(id)
		return nil
	case '{':
		var p Profile
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*a = AssigneeProfile(p)
		return nil
	}
	return fmt.Errorf("assignee: unsupported JSON %s", string(data))
}
