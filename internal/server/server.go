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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"villagebrain/internal/apperr"
	"villagebrain/internal/engine"
	"villagebrain/internal/identity"
	"villagebrain/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Auth     *identity.Authenticator
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"rank_insufficient"`
	Message string         `json:"message" example:"rank insufficient"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the village mission API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Village Brain API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerMissions(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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

// handleError maps the shared error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, apperr.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, apperr.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, apperr.ErrUnauthenticated):
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	case errors.Is(err, apperr.ErrInvalidToken):
		return newAPIError(http.StatusUnauthorized, "invalid_token", err.Error(), nil)
	case errors.Is(err, apperr.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, apperr.ErrDataCorruption):
		return newAPIError(http.StatusInternalServerError, "data_corruption", err.Error(), nil)
	case errors.Is(err, apperr.ErrStorageUnavailable):
		return newAPIError(http.StatusInternalServerError, "storage_unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Rank   string `query:"rank" required:"false"`
		Status string `query:"status" required:"false"`
		Page   int    `query:"page" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*struct {
		Body MissionListResponse `json:"body"`
	}, error) {
		if _, err := callerFromContext(ctx); err != nil {
			return nil, handleError(err)
		}
		f := store.MissionFilters{
			RankRequirement: input.Rank,
			Status:          input.Status,
			Page:            input.Page,
			Limit:           input.Limit,
		}
		if f.Page < 1 {
			f.Page = 1
		}
		if f.Limit < 1 {
			f.Limit = 20
		}
		if f.Limit > 100 {
			f.Limit = 100
		}
		page, err := e.ListMissions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionListResponse `json:"body"`
		}{Body: MissionListResponse{
			Total: page.Total,
			Page:  f.Page,
			Limit: f.Limit,
			Data:  page.Items,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-mission",
		Method:      http.MethodPatch,
		Path:        "/missions/{mission_id}/accept",
		Summary:     "Accept an open mission",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionActionResponse `json:"body"`
	}, error) {
		caller, err := callerFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.AcceptMission(ctx, input.MissionID, caller.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionActionResponse `json:"body"`
		}{Body: MissionActionResponse{Message: "mission accepted", Mission: &m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/report",
		Summary:     "Submit a completion report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string        `path:"mission_id"`
		Body      ReportRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		caller, err := callerFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, xp, err := e.SubmitReport(ctx, engine.ReportOptions{
			MissionID:   input.MissionID,
			NinjaID:     caller.ID,
			ReportText:  input.Body.ReportText,
			EvidenceURL: input.Body.EvidenceImageURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: ReportResponse{
			Message:          "mission completed",
			ExperienceGained: xp,
			Mission:          &m,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-mission",
		Method:      http.MethodDelete,
		Path:        "/missions/{mission_id}/abandon",
		Summary:     "Abandon an in-progress mission",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionActionResponse `json:"body"`
	}, error) {
		caller, err := callerFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.AbandonMission(ctx, input.MissionID, caller.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionActionResponse `json:"body"`
		}{Body: MissionActionResponse{Message: "mission abandoned", Mission: &m}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-stats",
		Method:      http.MethodGet,
		Path:        "/ninjas/me/stats",
		Summary:     "Profile and assignment stats for the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		caller, err := callerFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		n, st, err := e.Profile(ctx, caller.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Profile: n, Stats: st}}, nil
	})
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
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if isPublicPath(route, basePath) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func isPublicPath(route, basePath string) bool {
	for _, p := range []string{"health", "auth/register", "auth/login"} {
		full := path.Join(basePath, p)
		if !strings.HasPrefix(full, "/") {
			full = "/" + full
		}
		if route == full {
			return true
		}
	}
	return false
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Village Brain API Docs</title>
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
  </body>
</html>`, specURL)
}
