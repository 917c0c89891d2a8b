package domain

import "intakeline/internal/stage"

type Request struct {
	ID             string            `json:"id"`
	RequestNumber  string            `json:"request_number"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Type           stage.RequestType `json:"type" enum:"bug,feature,enhancement,change_request,support,other"`
	Priority       stage.Priority    `json:"priority" enum:"low,medium,high,critical"`
	Stage          stage.Stage       `json:"stage" enum:"in_treatment,on_hold,estimation,ready"`
	StageEnteredAt string            `json:"stage_entered_at" format:"date-time"`

	ClientID         *string `json:"client_id,omitempty"`
	RelatedProjectID *string `json:"related_project_id,omitempty"`
	RequesterID      string  `json:"requester_id"`
	AssignedPMID     *string `json:"assigned_pm_id,omitempty"`
	EstimatorID      *string `json:"estimator_id,omitempty"`

	StoryPoints     *int              `json:"story_points,omitempty"`
	Confidence      *stage.Confidence `json:"confidence,omitempty" enum:"low,medium,high"`
	EstimationNotes *string           `json:"estimation_notes,omitempty"`
	EstimatedAt     *string           `json:"estimated_at,omitempty" format:"date-time"`

	HoldReason    *string `json:"hold_reason,omitempty"`
	HoldStartedAt *string `json:"hold_started_at,omitempty" format:"date-time"`

	IsConverted   bool    `json:"is_converted"`
	ConvertedType *string `json:"converted_type,omitempty" enum:"project,ticket"`
	ConvertedID   *string `json:"converted_id,omitempty"`
	ConvertedAt   *string `json:"converted_at,omitempty" format:"date-time"`

	IsCancelled     bool    `json:"is_cancelled"`
	CancelledReason *string `json:"cancelled_reason,omitempty"`
	CancelledAt     *string `json:"cancelled_at,omitempty" format:"date-time"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the request left the pipeline.
func (r Request) Terminal() bool { return r.IsConverted || r.IsCancelled }

type Client struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID            string  `json:"id"`
	ProjectNumber string  `json:"project_number"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	Status        string  `json:"status"`
	Priority      string  `json:"priority"`
	ClientID      string  `json:"client_id"`
	OwnerID       string  `json:"owner_id"`
	FromRequestID *string `json:"from_request_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Ticket struct {
	ID            string  `json:"id"`
	TicketNumber  string  `json:"ticket_number"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Priority      string  `json:"priority"`
	ClientID      *string `json:"client_id,omitempty"`
	ProjectID     *string `json:"project_id,omitempty"`
	StoryPoints   *int    `json:"story_points,omitempty"`
	CreatedByID   string  `json:"created_by_id"`
	FromRequestID *string `json:"from_request_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// BulkFailure attributes a bulk-operation failure to one request.
type BulkFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult reports the per-item outcome of a bulk operation. It is
// returned to the caller and never persisted.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}
