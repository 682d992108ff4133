package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeProjectCreated = "project.created"
	TypeMemberUpserted = "member.upserted"
	TypeItemCreated    = "item.created"
	TypeItemUpdated    = "item.updated"
	TypeItemMoved      = "item.moved"
	TypeItemDeleted    = "item.deleted"
)

const (
	EntityProject = "project"
	EntityMember  = "member"
	EntityItem    = "item"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one log row inside tx. payload is stored as JSON; nil
// becomes an empty object.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload any) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// IsItemType reports whether evtType mutates an item.
func IsItemType(evtType string) bool {
	switch evtType {
	case TypeItemCreated, TypeItemUpdated, TypeItemMoved, TypeItemDeleted:
		return true
	}
	return false
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
