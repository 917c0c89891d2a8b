// Package pipeline implements the intake request lifecycle: stage
// transitions, estimation, bulk coordination and one-shot conversion
// into downstream projects or tickets.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"intakeline/internal/config"
	"intakeline/internal/domain"
	"intakeline/internal/events"
	"intakeline/internal/repo"
	"intakeline/internal/stage"
)

// Engine owns every request mutation. Reads go through Repo directly;
// writes come here so transitions, terminal guards and event emission
// stay in one place.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events *events.Writer
	Config config.Config

	// EntityCreator overrides how conversion builds the downstream
	// entity. Nil means the local project/ticket tables.
	EntityCreator EntityCreator

	// Now is injectable for tests.
	Now func() time.Time
}

func New(db *sql.DB, cfg config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: &events.Writer{DB: db, Now: time.Now},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// getActive loads the request and rejects terminal ones. Every mutation
// starts here: converted and cancelled requests are read-only.
func (e *Engine) getActive(ctx context.Context, id string) (domain.Request, error) {
	r, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if r.IsConverted {
		return domain.Request{}, &AlreadyConvertedError{ID: id}
	}
	if r.IsCancelled {
		return domain.Request{}, &AlreadyCancelledError{ID: id}
	}
	return r, nil
}

type CreateOptions struct {
	Title            string
	Description      string
	Type             stage.RequestType
	Priority         stage.Priority
	ClientID         *string
	RelatedProjectID *string
	RequesterID      string
	ActorID          string
}

func (e *Engine) CreateRequest(ctx context.Context, opts CreateOptions) (domain.Request, error) {
	if opts.Title == "" {
		return domain.Request{}, &ValidationError{Reason: "title is required"}
	}
	if opts.Type == "" {
		opts.Type = stage.TypeOther
	}
	if opts.Priority == "" {
		opts.Priority = stage.PriorityMedium
	}
	if opts.ClientID != nil {
		if _, err := e.Repo.GetClient(ctx, *opts.ClientID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Request{}, fmt.Errorf("client %s: %w", *opts.ClientID, err)
			}
			return domain.Request{}, err
		}
	}
	if opts.RelatedProjectID != nil {
		if _, err := e.Repo.GetProject(ctx, *opts.RelatedProjectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Request{}, fmt.Errorf("project %s: %w", *opts.RelatedProjectID, err)
			}
			return domain.Request{}, err
		}
	}

	if opts.RequesterID == "" {
		opts.RequesterID = opts.ActorID
	}

	now := e.now()
	req := domain.Request{
		ID:               uuid.NewString(),
		Title:            opts.Title,
		Description:      opts.Description,
		Type:             opts.Type,
		Priority:         opts.Priority,
		Stage:            stage.InTreatment,
		StageEnteredAt:   now,
		ClientID:         opts.ClientID,
		RelatedProjectID: opts.RelatedProjectID,
		RequesterID:      opts.RequesterID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req.RequestNumber, err = e.Repo.NextRequestNumber(ctx, tx)
	if err != nil {
		return domain.Request{}, err
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}

	e.Events.Record(ctx, "request.created", "request", req.ID, opts.ActorID, map[string]any{
		"request_number": req.RequestNumber,
		"type":           string(req.Type),
		"priority":       string(req.Priority),
	})
	return req, nil
}

type TransitionOptions struct {
	ID      string
	To      stage.Stage
	Reason  string
	ActorID string
}

// Transition moves a request along one legal edge. The write is
// conditioned on the stage that was read, so a concurrent transition on
// the same request loses cleanly instead of clobbering.
func (e *Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Request, error) {
	r, err := e.getActive(ctx, opts.ID)
	if err != nil {
		return domain.Request{}, err
	}
	from := r.Stage
	if !stage.CanTransition(from, opts.To) {
		return domain.Request{}, &InvalidTransitionError{From: from, To: opts.To}
	}
	if opts.To == stage.Ready && r.StoryPoints == nil {
		return domain.Request{}, &MissingEstimationError{ID: r.ID}
	}
	if opts.To == stage.OnHold && opts.Reason == "" {
		return domain.Request{}, &ValidationError{Reason: "a reason is required to put a request on hold"}
	}

	now := e.now()
	r.Stage = opts.To
	r.StageEnteredAt = now
	r.UpdatedAt = now

	switch {
	case opts.To == stage.OnHold:
		r.HoldReason = &opts.Reason
		r.HoldStartedAt = &now
	case from == stage.OnHold:
		r.HoldReason = nil
		r.HoldStartedAt = nil
	}
	if from == stage.Ready && opts.To == stage.Estimation {
		// Re-opening estimation invalidates the previous estimate.
		r.StoryPoints = nil
		r.Confidence = nil
		r.EstimationNotes = nil
		r.EstimatedAt = nil
	}

	if err := e.writeFromStage(ctx, r, from); err != nil {
		return domain.Request{}, err
	}

	payload := map[string]any{"from": string(from), "to": string(opts.To)}
	if opts.Reason != "" {
		payload["reason"] = opts.Reason
	}
	e.Events.Record(ctx, "request.stage_changed", "request", r.ID, opts.ActorID, payload)
	return r, nil
}

// Hold and Resume are the two hold edges spelled out. Resume always
// lands in in_treatment; the caller can transition onward to
// estimation if that is where the request was.
func (e *Engine) Hold(ctx context.Context, id, reason, actorID string) (domain.Request, error) {
	return e.Transition(ctx, TransitionOptions{ID: id, To: stage.OnHold, Reason: reason, ActorID: actorID})
}

func (e *Engine) Resume(ctx context.Context, id, actorID string) (domain.Request, error) {
	return e.Transition(ctx, TransitionOptions{ID: id, To: stage.InTreatment, ActorID: actorID})
}

type EstimateOptions struct {
	ID          string
	StoryPoints int
	Confidence  stage.Confidence
	Notes       string
	ActorID     string
}

// SubmitEstimate records an estimate on a request sitting in the
// estimation stage. It never advances the stage; moving to ready is a
// separate, explicit transition.
func (e *Engine) SubmitEstimate(ctx context.Context, opts EstimateOptions) (domain.Request, error) {
	if opts.StoryPoints < 0 {
		return domain.Request{}, &InvalidEstimateError{Reason: "story points must not be negative"}
	}
	if opts.Confidence != "" {
		if _, err := stage.ParseConfidence(string(opts.Confidence)); err != nil {
			return domain.Request{}, &InvalidEstimateError{Reason: err.Error()}
		}
	}
	r, err := e.getActive(ctx, opts.ID)
	if err != nil {
		return domain.Request{}, err
	}
	if r.Stage != stage.Estimation {
		return domain.Request{}, &WrongStageError{ID: r.ID, Got: r.Stage, Want: stage.Estimation}
	}

	now := e.now()
	points := opts.StoryPoints
	r.StoryPoints = &points
	if opts.Confidence != "" {
		c := opts.Confidence
		r.Confidence = &c
	}
	if opts.Notes != "" {
		r.EstimationNotes = &opts.Notes
	}
	r.EstimatedAt = &now
	if opts.ActorID != "" {
		r.EstimatorID = &opts.ActorID
	}
	r.UpdatedAt = now

	if err := e.writeFromStage(ctx, r, stage.Estimation); err != nil {
		return domain.Request{}, err
	}

	e.Events.Record(ctx, "request.estimated", "request", r.ID, opts.ActorID, map[string]any{
		"story_points": opts.StoryPoints,
		"confidence":   string(opts.Confidence),
	})
	return r, nil
}

type UpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Type        *stage.RequestType
	Priority    *stage.Priority
	ClientID    *string
	ActorID     string
}

// UpdateRequest patches descriptive fields. Lifecycle fields (stage,
// estimate, hold, terminal flags) are only reachable through their
// dedicated operations.
func (e *Engine) UpdateRequest(ctx context.Context, opts UpdateOptions) (domain.Request, error) {
	r, err := e.getActive(ctx, opts.ID)
	if err != nil {
		return domain.Request{}, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return domain.Request{}, &ValidationError{Reason: "title is required"}
		}
		r.Title = *opts.Title
	}
	if opts.Description != nil {
		r.Description = *opts.Description
	}
	if opts.Type != nil {
		r.Type = *opts.Type
	}
	if opts.Priority != nil {
		r.Priority = *opts.Priority
	}
	if opts.ClientID != nil {
		if *opts.ClientID == "" {
			r.ClientID = nil
		} else {
			if _, err := e.Repo.GetClient(ctx, *opts.ClientID); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return domain.Request{}, fmt.Errorf("client %s: %w", *opts.ClientID, err)
				}
				return domain.Request{}, err
			}
			r.ClientID = opts.ClientID
		}
	}
	r.UpdatedAt = e.now()

	if err := e.write(ctx, r); err != nil {
		return domain.Request{}, err
	}
	e.Events.Record(ctx, "request.updated", "request", r.ID, opts.ActorID, nil)
	return r, nil
}

// AssignPM sets or clears the assigned project manager.
func (e *Engine) AssignPM(ctx context.Context, id string, pmID *string, actorID string) (domain.Request, error) {
	r, err := e.getActive(ctx, id)
	if err != nil {
		return domain.Request{}, err
	}
	r.AssignedPMID = pmID
	r.UpdatedAt = e.now()
	if err := e.write(ctx, r); err != nil {
		return domain.Request{}, err
	}
	payload := map[string]any{}
	if pmID != nil {
		payload["assigned_pm_id"] = *pmID
	}
	e.Events.Record(ctx, "request.assigned", "request", r.ID, actorID, payload)
	return r, nil
}

// AssignEstimator sets or clears the estimator.
func (e *Engine) AssignEstimator(ctx context.Context, id string, estimatorID *string, actorID string) (domain.Request, error) {
	r, err := e.getActive(ctx, id)
	if err != nil {
		return domain.Request{}, err
	}
	r.EstimatorID = estimatorID
	r.UpdatedAt = e.now()
	if err := e.write(ctx, r); err != nil {
		return domain.Request{}, err
	}
	payload := map[string]any{}
	if estimatorID != nil {
		payload["estimator_id"] = *estimatorID
	}
	e.Events.Record(ctx, "request.estimator_assigned", "request", r.ID, actorID, payload)
	return r, nil
}

// Cancel marks a request cancelled. The update is conditional on the
// request still being live, so cancel and convert can never both win.
func (e *Engine) Cancel(ctx context.Context, id, reason, actorID string) (domain.Request, error) {
	if _, err := e.getActive(ctx, id); err != nil {
		return domain.Request{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.MarkCancelled(ctx, tx, id, reason, e.now()); err != nil {
		if errors.Is(err, repo.ErrConditionFailed) {
			tx.Rollback()
			return domain.Request{}, e.classifyTerminal(ctx, id)
		}
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}

	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	e.Events.Record(ctx, "request.cancelled", "request", id, actorID, payload)
	return e.Repo.GetRequest(ctx, id)
}

// classifyTerminal re-reads a request after a conditional update lost,
// and names the winner.
func (e *Engine) classifyTerminal(ctx context.Context, id string) error {
	r, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if r.IsConverted {
		return &AlreadyConvertedError{ID: id}
	}
	if r.IsCancelled {
		return &AlreadyCancelledError{ID: id}
	}
	return repo.ErrConditionFailed
}

func (e *Engine) write(ctx context.Context, r domain.Request) error {
	return e.writeFromStage(ctx, r, "")
}

func (e *Engine) writeFromStage(ctx context.Context, r domain.Request, from stage.Stage) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if from != "" {
		err = e.Repo.UpdateRequestFromStage(ctx, tx, r, from)
	} else {
		err = e.Repo.UpdateRequest(ctx, tx, r)
	}
	if err != nil {
		if errors.Is(err, repo.ErrConditionFailed) {
			tx.Rollback()
			if terr := e.classifyTerminal(ctx, r.ID); terr != nil && !errors.Is(terr, repo.ErrConditionFailed) {
				return terr
			}
			cur, gerr := e.Repo.GetRequest(ctx, r.ID)
			if gerr != nil {
				return gerr
			}
			return &InvalidTransitionError{From: cur.Stage, To: r.Stage}
		}
		return err
	}
	return tx.Commit()
}
