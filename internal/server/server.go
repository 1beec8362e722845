package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/sengac/fspec-sub012/internal/app"
	"github.com/sengac/fspec-sub012/internal/checkpoint"
	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/engine"
	"github.com/sengac/fspec-sub012/internal/logging"
	"github.com/sengac/fspec-sub012/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Workspace *app.Workspace
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"cannot move AUTH-001 from backlog to implementing"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestIDKey struct{}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// service holds what handlers share.
type service struct {
	ws *app.Workspace
	// serialises operations that snapshot or rewrite the working tree
	treeMu sync.Mutex
}

// New returns an HTTP handler exposing the fspec API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Workspace == nil || cfg.Workspace.Engine == nil {
		return nil, errors.New("server: workspace required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Workspace.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are reported as 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("fspec API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := &service{ws: cfg.Workspace}
	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkUnits(group, s)
	registerTransitions(group, s)
	registerVirtualHooks(group, s)
	registerCheckpoints(group, s)
	registerEvents(group, s)
	router.Get(path.Join(basePath, "checkpoint-counts", "stream"), s.streamCheckpointCounts)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = logging.NewInvocationID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// engineFor returns a copy of the workspace engine whose journal entries and logs
// carry the caller and request id.
func (s *service) engineFor(ctx context.Context) (*engine.Engine, huma.StatusError) {
	actor, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	e := *s.ws.Engine
	reqID := requestIDFromContext(ctx)
	e.Events.ActorID = actor
	e.Events.Invocation = reqID
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e.Logger = logger.With("request_id", reqID, "actor", actor)
	return &e, nil
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

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound, domain.KindCheckpointNotFound:
		return http.StatusNotFound
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindIllegalTransition, domain.KindConflict, domain.KindNoChanges:
		return http.StatusConflict
	case domain.KindTemporalOrderingViolation, domain.KindHookBlocked:
		return http.StatusUnprocessableEntity
	case domain.KindCheckpointFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind == domain.KindInternal {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	var details map[string]any
	if len(de.Violations) > 0 {
		details = map[string]any{"violations": de.Violations}
	}
	if de.Hook != nil {
		if details == nil {
			details = map[string]any{}
		}
		details["hook"] = de.Hook
	}
	return newAPIError(statusForKind(de.Kind), string(de.Kind), de.Error(), details)
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>fspec API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type workUnitPath struct {
	ID string `path:"id" example:"AUTH-001"`
}

type workUnitOutput struct {
	Body domain.WorkUnit `json:"body"`
}

func registerWorkUnits(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work-units",
		Method:      http.MethodGet,
		Path:        "/work-units",
		Summary:     "List work units",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []domain.WorkUnit `json:"body"`
	}, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		units, err := e.ListWorkUnits(domain.Status(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkUnit `json:"body"`
		}{Body: nonNilSlice(units)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-work-unit",
		Method:        http.MethodPost,
		Path:          "/work-units",
		Summary:       "Create work unit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkUnitRequest
	}) (*workUnitOutput, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkUnit(ctx, engine.CreateOptions{
			Prefix:      input.Body.Prefix,
			Title:       input.Body.Title,
			Type:        domain.WorkUnitType(input.Body.Type),
			Description: input.Body.Description,
			Epic:        input.Body.Epic,
			Estimate:    input.Body.Estimate,
			Tags:        input.Body.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &workUnitOutput{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-unit",
		Method:      http.MethodGet,
		Path:        "/work-units/{id}",
		Summary:     "Get work unit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workUnitPath) (*workUnitOutput, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.GetWorkUnit(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workUnitOutput{Body: w}, nil
	})
}

func registerTransitions(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-work-unit",
		Method:      http.MethodPost,
		Path:        "/work-units/{id}/transitions",
		Summary:     "Move a work unit to another status",
		Description: "Runs temporal validation, pre hooks, the automatic checkpoint, the status change and post hooks. " +
			"A failed post hook is reported in postHookFailure; the status change stands.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TransitionRequest
	}) (*struct {
		Body engine.TransitionResult `json:"body"`
	}, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := domain.Status(input.Body.To)
		if !target.Valid() {
			return nil, newAPIError(http.StatusBadRequest, string(domain.KindInvalidInput), fmt.Sprintf("unknown status %q", input.Body.To), nil)
		}
		s.treeMu.Lock()
		res, err := e.Transition(ctx, input.ID, target, engine.TransitionFlags{
			SkipTemporalValidation: input.Body.SkipTemporalValidation,
			Revert:                 input.Body.Revert,
			Reason:                 input.Body.Reason,
		})
		s.treeMu.Unlock()
		if err != nil {
			apiErr := handleError(err).(*apiError)
			if apiErr.Body.Details == nil {
				apiErr.Body.Details = map[string]any{}
			}
			apiErr.Body.Details["result"] = res
			return nil, apiErr
		}
		return &struct {
			Body engine.TransitionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerVirtualHooks(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-virtual-hooks",
		Method:      http.MethodGet,
		Path:        "/work-units/{id}/virtual-hooks",
		Summary:     "List virtual hooks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workUnitPath) (*struct {
		Body VirtualHooksResponse `json:"body"`
	}, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		hs, err := e.ListVirtualHooks(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VirtualHooksResponse `json:"body"`
		}{Body: VirtualHooksResponse{WorkUnitID: input.ID, Hooks: nonNilSlice(hs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-virtual-hook",
		Method:        http.MethodPost,
		Path:          "/work-units/{id}/virtual-hooks",
		Summary:       "Attach a virtual hook",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AddVirtualHookRequest
	}) (*struct {
		Body domain.HookBinding `json:"body"`
	}, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.AddVirtualHook(ctx, input.ID, domain.HookBinding{
			Name:           input.Body.Name,
			Event:          input.Body.Event,
			Command:        input.Body.Command,
			Blocking:       input.Body.Blocking,
			TimeoutSeconds: input.Body.TimeoutSeconds,
			Condition:      input.Body.Condition,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HookBinding `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-virtual-hook",
		Method:        http.MethodDelete,
		Path:          "/work-units/{id}/virtual-hooks/{name}",
		Summary:       "Remove a virtual hook",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Name string `path:"name"`
	}) (*struct{}, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveVirtualHook(ctx, input.ID, input.Name); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-virtual-hooks",
		Method:      http.MethodDelete,
		Path:        "/work-units/{id}/virtual-hooks",
		Summary:     "Remove every virtual hook of a work unit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workUnitPath) (*struct {
		Body ClearVirtualHooksResponse `json:"body"`
	}, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.ClearVirtualHooks(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClearVirtualHooksResponse `json:"body"`
		}{Body: ClearVirtualHooksResponse{WorkUnitID: input.ID, Removed: n}}, nil
	})
}

func registerCheckpoints(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/work-units/{id}/checkpoints",
		Summary:     "List checkpoints of a work unit",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *workUnitPath) (*struct {
		Body CheckpointsResponse `json:"body"`
	}, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cps, err := e.ListCheckpoints(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckpointsResponse `json:"body"`
		}{Body: CheckpointsResponse{WorkUnitID: input.ID, Checkpoints: nonNilSlice(cps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-checkpoint",
		Method:        http.MethodPost,
		Path:          "/work-units/{id}/checkpoints",
		Summary:       "Create a manual checkpoint",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreateCheckpointRequest
	}) (*struct {
		Body domain.CheckpointRecord `json:"body"`
	}, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s.treeMu.Lock()
		rec, err := e.CreateCheckpoint(ctx, input.ID, input.Body.Name, input.Body.Message)
		s.treeMu.Unlock()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CheckpointRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-checkpoint",
		Method:      http.MethodPost,
		Path:        "/work-units/{id}/checkpoints/{name}/restore",
		Summary:     "Restore a checkpoint into the working tree",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Name string `path:"name"`
	}) (*struct {
		Body checkpoint.RestoreResult `json:"body"`
	}, error) {
		e, authErr := s.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s.treeMu.Lock()
		res, err := e.RestoreCheckpoint(ctx, input.ID, input.Name)
		s.treeMu.Unlock()
		if err != nil {
			return nil, handleError(err)
		}
		res.Files = nonNilSlice(res.Files)
		return &struct {
			Body checkpoint.RestoreResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "checkpoint-counts",
		Method:      http.MethodGet,
		Path:        "/checkpoint-counts",
		Summary:     "Manual and automatic checkpoint totals across all work units",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CheckpointCountsResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		counter, err := s.ws.CheckpointCounter()
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, string(domain.KindCheckpointFailure), err.Error(), nil)
		}
		c, err := counter.CountAll()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckpointCountsResponse `json:"body"`
		}{Body: CheckpointCountsResponse{Manual: c.Manual, Auto: c.Auto, Display: checkpoint.FormatCounts(c)}}, nil
	})
}

func registerEvents(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent journal events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		WorkUnitID string `query:"work_unit_id"`
		Invocation string `query:"invocation_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := s.ws.Journal.LatestEvents(ctx, limit+1, repo.EventFilters{
			Type:       input.Type,
			WorkUnitID: input.WorkUnitID,
			Invocation: input.Invocation,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// next page starts strictly before the last item returned
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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
