package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Writer appends activity events. Events are recorded after the owning
// mutation commits; a failed append is logged and never rolls the
// mutation back.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event row.
func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Record is Append for callers that treat activity as fire-and-forget.
func (w Writer) Record(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) {
	if err := w.Append(ctx, evtType, entityKind, entityID, actorID, payload); err != nil {
		log.Printf("events: record %s for %s/%s failed: %v", evtType, entityKind, entityID, err)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
