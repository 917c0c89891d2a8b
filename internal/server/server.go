package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"intakeline/internal/domain"
	"intakeline/internal/pipeline"
	"intakeline/internal/repo"
	"intakeline/internal/stage"

	"github.com/google/uuid"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *pipeline.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot transition from ready to on_hold"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"ready\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the intake API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation errors read as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	// Liveness endpoint sits outside the API base path, so the auth
	// middleware lets it through.
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"ok"}`)
	})
	hcfg := huma.DefaultConfig("Intakeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerRequests(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerBulk(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerClients(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var it *pipeline.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": string(it.From), "to": string(it.To)})
	}
	var me *pipeline.MissingEstimationError
	if errors.As(err, &me) {
		return newAPIError(http.StatusUnprocessableEntity, "missing_estimation", err.Error(), map[string]any{"id": me.ID})
	}
	var ws *pipeline.WrongStageError
	if errors.As(err, &ws) {
		return newAPIError(http.StatusConflict, "wrong_stage", err.Error(), map[string]any{"stage": string(ws.Got), "want": string(ws.Want)})
	}
	var ie *pipeline.InvalidEstimateError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "invalid_estimate", err.Error(), nil)
	}
	var ac *pipeline.AlreadyConvertedError
	if errors.As(err, &ac) {
		return newAPIError(http.StatusConflict, "already_converted", err.Error(), map[string]any{"id": ac.ID})
	}
	var an *pipeline.AlreadyCancelledError
	if errors.As(err, &an) {
		return newAPIError(http.StatusConflict, "already_cancelled", err.Error(), map[string]any{"id": an.ID})
	}
	var mc *pipeline.MissingClientError
	if errors.As(err, &mc) {
		return newAPIError(http.StatusUnprocessableEntity, "missing_client", err.Error(), map[string]any{"id": mc.ID})
	}
	var pe *stage.ParseError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ve *pipeline.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Intakeline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerRequests(api huma.API, e *pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := pipeline.CreateOptions{
			Title:            input.Body.Title,
			Description:      stringOrEmpty(input.Body.Description),
			ClientID:         input.Body.ClientID,
			RelatedProjectID: input.Body.RelatedProjectID,
			RequesterID:      stringOrEmpty(input.Body.RequesterID),
			ActorID:          actorID,
		}
		if input.Body.Type != "" {
			t, err := stage.ParseRequestType(input.Body.Type)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Type = t
		}
		if input.Body.Priority != "" {
			p, err := stage.ParsePriority(input.Body.Priority)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Priority = p
		}
		req, err := e.CreateRequest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage        string `query:"stage" enum:"in_treatment,on_hold,estimation,ready"`
		Type         string `query:"type"`
		Priority     string `query:"priority"`
		ClientID     string `query:"client_id"`
		AssignedPMID string `query:"assigned_pm_id"`
		Converted    string `query:"converted" enum:"true,false"`
		Cancelled    string `query:"cancelled" enum:"true,false"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.RequestFilters{
			Stage:           input.Stage,
			Type:            input.Type,
			Priority:        input.Priority,
			ClientID:        input.ClientID,
			AssignedPMID:    input.AssignedPMID,
			Converted:       parseBoolFlag(input.Converted),
			Cancelled:       parseBoolFlag(input.Cancelled),
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		items, err := e.Repo.ListRequests(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{Items: []domain.Request{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stale-requests",
		Method:      http.MethodGet,
		Path:        "/requests/stale",
		Summary:     "Requests past their stage aging threshold",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []pipeline.StaleRequest `json:"body"`
	}, error) {
		items, err := e.StaleRequests(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []pipeline.StaleRequest{}
		}
		return &struct {
			Body []pipeline.StaleRequest `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		req, err := e.Repo.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-request",
		Method:      http.MethodPatch,
		Path:        "/requests/{id}",
		Summary:     "Update request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateRequestBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := pipeline.UpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ClientID:    input.Body.ClientID,
			ActorID:     actorID,
		}
		if input.Body.Type != nil {
			t, err := stage.ParseRequestType(*input.Body.Type)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Type = &t
		}
		if input.Body.Priority != nil {
			p, err := stage.ParsePriority(*input.Body.Priority)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Priority = &p
		}
		req, err := e.UpdateRequest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-history",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/history",
		Summary:     "Request audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRequest(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		events, err := e.Repo.RequestHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

func registerLifecycle(api huma.API, e *pipeline.Engine) {
	lifecycleErrors := []int{
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
	}

	huma.Register(api, huma.Operation{
		OperationID: "transition-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/transition",
		Summary:     "Transition request stage",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body TransitionBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		to, err := stage.Parse(input.Body.To)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.Transition(ctx, pipeline.TransitionOptions{
			ID:      input.ID,
			To:      to,
			Reason:  input.Body.Reason,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hold-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/hold",
		Summary:     "Put request on hold",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string   `path:"id"`
		Body HoldBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Hold(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/resume",
		Summary:     "Resume a held request",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Resume(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "estimate-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/estimate",
		Summary:     "Submit estimate",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body EstimateBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.SubmitEstimate(ctx, pipeline.EstimateOptions{
			ID:          input.ID,
			StoryPoints: input.Body.StoryPoints,
			Confidence:  stage.Confidence(input.Body.Confidence),
			Notes:       input.Body.Notes,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/assign",
		Summary:     "Assign PM or estimator",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body AssignBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.AssignedPMID == nil && input.Body.EstimatorID == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "assigned_pm_id or estimator_id is required", nil)
		}
		var req domain.Request
		var err error
		if input.Body.AssignedPMID != nil {
			req, err = e.AssignPM(ctx, input.ID, input.Body.AssignedPMID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.EstimatorID != nil {
			req, err = e.AssignEstimator(ctx, input.ID, input.Body.EstimatorID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/cancel",
		Summary:     "Cancel request",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body CancelBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Cancel(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "convert-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/convert",
		Summary:     "Convert request to project or ticket",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body ConvertBody `json:"body"`
	}) (*struct {
		Body ConvertResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := pipeline.ConvertOptions{
			ID:        input.ID,
			ProjectID: input.Body.ProjectID,
			ActorID:   actorID,
		}
		if input.Body.Destination != "" {
			dest, err := stage.ParseDestination(input.Body.Destination)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Destination = dest
		}
		res, err := e.Convert(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConvertResponse `json:"body"`
		}{Body: ConvertResponse{
			Request:      res.Request,
			Destination:  string(res.Destination),
			EntityID:     res.EntityID,
			EntityNumber: res.EntityNum,
		}}, nil
	})
}

func registerBulk(api huma.API, e *pipeline.Engine) {
	// Bulk endpoints always answer 200: partial failure is data.
	huma.Register(api, huma.Operation{
		OperationID: "bulk-transition",
		Method:      http.MethodPost,
		Path:        "/requests/bulk/transition",
		Summary:     "Transition many requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BulkTransitionBody `json:"body"`
	}) (*struct {
		Body domain.BulkResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.IDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ids is required", nil)
		}
		to, err := stage.Parse(input.Body.To)
		if err != nil {
			return nil, handleError(err)
		}
		res := e.BulkTransition(ctx, pipeline.BulkTransitionOptions{
			IDs:     input.Body.IDs,
			To:      to,
			Reason:  input.Body.Reason,
			ActorID: actorID,
		})
		return &struct {
			Body domain.BulkResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-assign",
		Method:      http.MethodPost,
		Path:        "/requests/bulk/assign",
		Summary:     "Assign many requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BulkAssignBody `json:"body"`
	}) (*struct {
		Body domain.BulkResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.IDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ids is required", nil)
		}
		res := e.BulkAssign(ctx, pipeline.BulkAssignOptions{
			IDs:          input.Body.IDs,
			AssignedPMID: input.Body.AssignedPMID,
			ActorID:      actorID,
		})
		return &struct {
			Body domain.BulkResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerStats(api huma.API, e *pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pipeline-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Active pipeline counts per stage",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountRequestsByStage(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"pipeline":     e.Config.Pipeline.Name,
			"stage_counts": counts,
		}}, nil
	})
}

func registerEvents(api huma.API, e *pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest activity events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		events, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

func registerClients(api huma.API, e *pipeline.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-client",
		Method:        http.MethodPost,
		Path:          "/clients",
		Summary:       "Create client",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateClientBody `json:"body"`
	}) (*struct {
		Body domain.Client `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		c := domain.Client{
			ID:        uuid.NewString(),
			Name:      input.Body.Name,
			Email:     input.Body.Email,
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertClient(ctx, c); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Client `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-clients",
		Method:      http.MethodGet,
		Path:        "/clients",
		Summary:     "List clients",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Client `json:"body"`
	}, error) {
		items, err := e.Repo.ListClients(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Client{}
		}
		return &struct {
			Body []domain.Client `json:"body"`
		}{Body: items}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func parseBoolFlag(v string) *bool {
	switch v {
	case "true":
		b := true
		return &b
	case "false":
		b := false
		return &b
	}
	return nil
}
