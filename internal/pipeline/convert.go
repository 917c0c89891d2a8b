package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"intakeline/internal/domain"
	"intakeline/internal/repo"
	"intakeline/internal/stage"
)

// ConvertResult names the entity a conversion produced.
type ConvertResult struct {
	Request     domain.Request
	Destination stage.Destination
	EntityID    string
	EntityNum   string
}

type ConvertOptions struct {
	ID string
	// Destination overrides the routing rule when set.
	Destination stage.Destination
	// ProjectID attaches a converted ticket to an existing project.
	ProjectID *string
	ActorID   string
}

// route picks the destination for a ready request: change requests and
// small estimates become tickets, everything else becomes a project.
func (e *Engine) route(r domain.Request) stage.Destination {
	if r.Type == stage.TypeChangeRequest {
		return stage.DestinationTicket
	}
	if r.StoryPoints != nil && *r.StoryPoints <= e.Config.Routing.TicketMaxPoints {
		return stage.DestinationTicket
	}
	return stage.DestinationProject
}

// EntityCreator builds the downstream entity inside the conversion
// transaction. Swappable so conversion targets outside the local tables
// can be plugged in.
type EntityCreator interface {
	CreateProject(ctx context.Context, tx *sql.Tx, req domain.Request, actorID string) (id, number string, err error)
	CreateTicket(ctx context.Context, tx *sql.Tx, req domain.Request, projectID *string, actorID string) (id, number string, err error)
}

type repoCreator struct {
	repo repo.Repo
	now  func() string
}

func (c repoCreator) CreateProject(ctx context.Context, tx *sql.Tx, req domain.Request, actorID string) (string, string, error) {
	num, err := c.repo.NextProjectNumber(ctx, tx)
	if err != nil {
		return "", "", err
	}
	id := req.ID
	p := domain.Project{
		ID:            uuid.NewString(),
		ProjectNumber: num,
		Name:          req.Title,
		Description:   req.Description,
		Status:        "planning",
		Priority:      string(req.Priority),
		ClientID:      *req.ClientID,
		OwnerID:       actorID,
		FromRequestID: &id,
		CreatedAt:     c.now(),
	}
	if req.AssignedPMID != nil {
		p.OwnerID = *req.AssignedPMID
	}
	if err := c.repo.InsertProject(ctx, tx, p); err != nil {
		return "", "", err
	}
	return p.ID, p.ProjectNumber, nil
}

func (c repoCreator) CreateTicket(ctx context.Context, tx *sql.Tx, req domain.Request, projectID *string, actorID string) (string, string, error) {
	num, err := c.repo.NextTicketNumber(ctx, tx)
	if err != nil {
		return "", "", err
	}
	id := req.ID
	if projectID == nil {
		projectID = req.RelatedProjectID
	}
	t := domain.Ticket{
		ID:            uuid.NewString(),
		TicketNumber:  num,
		Title:         req.Title,
		Description:   req.Description,
		Type:          string(req.Type),
		Status:        "open",
		Priority:      string(req.Priority),
		ClientID:      req.ClientID,
		ProjectID:     projectID,
		StoryPoints:   req.StoryPoints,
		CreatedByID:   actorID,
		FromRequestID: &id,
		CreatedAt:     c.now(),
	}
	if err := c.repo.InsertTicket(ctx, tx, t); err != nil {
		return "", "", err
	}
	return t.ID, t.TicketNumber, nil
}

// Convert turns a ready request into exactly one project or ticket.
// Entity creation and the terminal flag flip share one transaction, and
// the flip is conditional on the request still being live, so a request
// converts at most once no matter how many callers race.
func (e *Engine) Convert(ctx context.Context, opts ConvertOptions) (ConvertResult, error) {
	r, err := e.getActive(ctx, opts.ID)
	if err != nil {
		return ConvertResult{}, err
	}
	if r.Stage != stage.Ready {
		return ConvertResult{}, &WrongStageError{ID: r.ID, Got: r.Stage, Want: stage.Ready}
	}
	if r.StoryPoints == nil {
		return ConvertResult{}, &MissingEstimationError{ID: r.ID}
	}

	dest := opts.Destination
	if dest == "" {
		dest = e.route(r)
	}
	if dest == stage.DestinationProject && r.ClientID == nil {
		return ConvertResult{}, &MissingClientError{ID: r.ID}
	}

	creator := e.creator()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ConvertResult{}, err
	}
	defer tx.Rollback()

	var entityID, entityNum string
	switch dest {
	case stage.DestinationProject:
		entityID, entityNum, err = creator.CreateProject(ctx, tx, r, opts.ActorID)
	case stage.DestinationTicket:
		entityID, entityNum, err = creator.CreateTicket(ctx, tx, r, opts.ProjectID, opts.ActorID)
	default:
		return ConvertResult{}, fmt.Errorf("unknown destination %q", dest)
	}
	if err != nil {
		return ConvertResult{}, err
	}

	if err := e.Repo.MarkConverted(ctx, tx, r.ID, string(dest), entityID, e.now()); err != nil {
		if errors.Is(err, repo.ErrConditionFailed) {
			tx.Rollback()
			return ConvertResult{}, e.classifyTerminal(ctx, r.ID)
		}
		return ConvertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ConvertResult{}, err
	}

	e.Events.Record(ctx, "request.converted", "request", r.ID, opts.ActorID, map[string]any{
		"destination": string(dest),
		"entity_id":   entityID,
		"entity_num":  entityNum,
	})

	out, err := e.Repo.GetRequest(ctx, r.ID)
	if err != nil {
		return ConvertResult{}, err
	}
	return ConvertResult{Request: out, Destination: dest, EntityID: entityID, EntityNum: entityNum}, nil
}

func (e *Engine) creator() EntityCreator {
	if e.EntityCreator != nil {
		return e.EntityCreator
	}
	return repoCreator{repo: e.Repo, now: e.now}
}
