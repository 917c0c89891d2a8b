package server

import (
	"encoding/json"

	"intakeline/internal/domain"
)

// Request payloads

type CreateRequestBody struct {
	Title            string  `json:"title"`
	Description      *string `json:"description,omitempty"`
	Type             string  `json:"type,omitempty" enum:"bug,feature,enhancement,change_request,support,other"`
	Priority         string  `json:"priority,omitempty" enum:"low,medium,high,critical"`
	ClientID         *string `json:"client_id,omitempty"`
	RelatedProjectID *string `json:"related_project_id,omitempty"`
	RequesterID      *string `json:"requester_id,omitempty"`
}

type UpdateRequestBody struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Type        *string `json:"type,omitempty" enum:"bug,feature,enhancement,change_request,support,other"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	ClientID    *string `json:"client_id,omitempty"`
}

type TransitionBody struct {
	To     string `json:"to" enum:"in_treatment,on_hold,estimation,ready"`
	Reason string `json:"reason,omitempty"`
}

type HoldBody struct {
	Reason string `json:"reason"`
}

type EstimateBody struct {
	StoryPoints int    `json:"story_points"`
	Confidence  string `json:"confidence,omitempty" enum:"low,medium,high"`
	Notes       string `json:"notes,omitempty"`
}

type AssignBody struct {
	AssignedPMID *string `json:"assigned_pm_id,omitempty"`
	EstimatorID  *string `json:"estimator_id,omitempty"`
}

type CancelBody struct {
	Reason string `json:"reason,omitempty"`
}

type ConvertBody struct {
	Destination string  `json:"destination,omitempty" enum:"project,ticket"`
	ProjectID   *string `json:"project_id,omitempty"`
}

type BulkTransitionBody struct {
	IDs    []string `json:"ids"`
	To     string   `json:"to" enum:"in_treatment,on_hold,estimation,ready"`
	Reason string   `json:"reason,omitempty"`
}

type BulkAssignBody struct {
	IDs          []string `json:"ids"`
	AssignedPMID *string  `json:"assigned_pm_id,omitempty"`
}

type CreateClientBody struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Response payloads

type ConvertResponse struct {
	Request      domain.Request `json:"request"`
	Destination  string         `json:"destination" enum:"project,ticket"`
	EntityID     string         `json:"entity_id"`
	EntityNumber string         `json:"entity_number"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedRequests struct {
	Items      []domain.Request `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
