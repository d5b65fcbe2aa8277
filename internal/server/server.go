package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/conditional"
	"github.com/go-chi/chi/v5"

	"onboardgate/internal/engine"
	"onboardgate/internal/repo"
	"onboardgate/internal/snapshot"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Guard    GuardConfig
	// ProtectedPrefix is mounted behind RequireOnboarding, e.g. /app.
	ProtectedPrefix string
	// App serves the protected prefix. Defaults to a handler echoing the caller.
	App    http.Handler
	Logger *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"snapshot path is empty"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"user..verified\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the onboarding gate API and the guarded
// application prefix.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.DB == nil {
		return nil, errors.New("engine not configured")
	}
	if err := cfg.Engine.Flow().Validate(); err != nil {
		return nil, fmt.Errorf("onboarding flow: %w", err)
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	if cfg.Guard.Logger == nil {
		cfg.Guard.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.ProtectedPrefix, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Onboarding Gate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerGate(group, cfg.Engine)
	registerFlow(group, cfg.Engine)
	registerSnapshot(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)
	registerProtected(router, cfg)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidInput) || errors.Is(err, snapshot.ErrEmptyPath) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusNotModified:
		return "not_modified"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
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

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Onboarding Gate API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key (plus X-Org-Id).
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

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and onboarding state",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.Gate(ctx, principal.UserID, principal.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			UserID:     principal.UserID,
			OrgID:      principal.OrgID,
			Roles:      nonNilSlice(principal.Roles),
			Source:     principal.Source,
			Onboarding: gateResponse(st),
		}}, nil
	})
}

type gateOutput struct {
	Status       int
	ETag         string `header:"ETag"`
	CacheControl string `header:"Cache-Control"`
	ContentType  string `header:"Content-Type"`
	Body         []byte
}

func registerGate(api huma.API, e engine.Engine) {
	gateSchema := api.OpenAPI().Components.Schemas.Schema(reflect.TypeOf(GateResponse{}), true, "GateResponse")
	huma.Register(api, huma.Operation{
		OperationID: "onboarding-gate",
		Method:      http.MethodGet,
		Path:        "/onboarding/gate",
		Summary:     "Onboarding completion state",
		Description: "Returns the cached or freshly computed verdict. The ETag is the snapshot fingerprint; a matching If-None-Match yields 304.",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Gate state",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: gateSchema},
				},
			},
			"304": {Description: "Not modified"},
		},
	}, func(ctx context.Context, input *struct {
		conditional.Params
	}) (*gateOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.Gate(ctx, principal.UserID, principal.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &gateOutput{
			Status:       http.StatusOK,
			ETag:         `"` + st.Fingerprint + `"`,
			CacheControl: "private, no-cache",
		}
		if input.HasConditionalParams() {
			if perr := input.PreconditionFailed(st.Fingerprint, st.ComputedAt); perr != nil {
				if perr.GetStatus() != http.StatusNotModified {
					return nil, perr
				}
				out.Status = http.StatusNotModified
				return out, nil
			}
		}
		body, err := json.Marshal(gateResponse(st))
		if err != nil {
			return nil, handleError(err)
		}
		out.ContentType = "application/json"
		out.Body = body
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "onboarding-gate-explain",
		Method:      http.MethodGet,
		Path:        "/onboarding/gate/explain",
		Summary:     "Evaluate without the cache and show the visited steps",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExplainResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		verdict, etag, err := e.Explain(ctx, principal.UserID, principal.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExplainResponse `json:"body"`
		}{Body: explainResponse(verdict, etag)}, nil
	})
}

func registerFlow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "onboarding-flow",
		Method:      http.MethodGet,
		Path:        "/onboarding/flow",
		Summary:     "Onboarding steps and their requirements",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StepResponse `json:"body"`
	}, error) {
		return &struct {
			Body []StepResponse `json:"body"`
		}{Body: flowResponse(e.Flow())}, nil
	})
}

func registerSnapshot(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/onboarding/snapshot",
		Summary:     "Facts recorded for the caller",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Snapshot(ctx, principal.UserID, principal.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := snapshotResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-snapshot",
		Method:      http.MethodPatch,
		Path:        "/onboarding/snapshot",
		Summary:     "Set facts by dotted path",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body PatchSnapshotRequest `json:"body"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Fields) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "fields required", nil)
		}
		rec, err := e.SetFacts(ctx, principal.UserID, principal.OrgID, principal.UserID, input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := snapshotResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-snapshot",
		Method:      http.MethodPut,
		Path:        "/onboarding/snapshot",
		Summary:     "Replace all facts",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body ReplaceSnapshotRequest `json:"body"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := snapshot.FromAny(input.Body.Doc)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		doc, _ := v.(snapshot.Object)
		rec, err := e.ReplaceSnapshot(ctx, principal.UserID, principal.OrgID, principal.UserID, doc)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := snapshotResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/onboarding/events",
		Summary:     "Recent changes to the caller's facts",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, principal.OrgID, input.Type, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/auth/api-keys",
		Summary:     "Issue an API key for the caller",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plaintext, key, err := e.CreateAPIKey(ctx, principal.UserID, principal.OrgID, strings.TrimSpace(input.Body.Name))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			Key:       plaintext,
			Name:      key.Name,
			OrgID:     key.OrgID,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/auth/api-keys/{id}",
		Summary:       "Revoke one of the caller's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, principal.UserID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, user, strings.TrimSpace(input.Body.OrgID), input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerProtected(r chi.Router, cfg Config) {
	prefix := strings.TrimSuffix(cfg.ProtectedPrefix, "/")
	if prefix == "" {
		return
	}
	app := cfg.App
	if app == nil {
		app = http.HandlerFunc(defaultApp)
	}
	guarded := r.With(RequireOnboarding(cfg.Engine, cfg.Guard))
	guarded.Handle(prefix, app)
	guarded.Handle(prefix+"/*", app)
}

func defaultApp(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"user_id": principal.UserID,
		"org_id":  principal.OrgID,
		"path":    r.URL.Path,
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
