package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"caseline/internal/engine"
	"caseline/internal/engine/auth"
	"caseline/internal/external"
	"caseline/internal/lock"
	"caseline/internal/logger"
	"caseline/internal/repo"
)

const defaultBasePath = "/v1"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *logger.Logger
}

// errorDetail is the inner object of the {"error":{...}} envelope.
type errorDetail struct {
	Code    string         `json:"code" example:"not_deployable"`
	Message string         `json:"message" example:"work item is stale, not completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type errorEnvelope struct {
	status int
	Body   errorDetail `json:"error"`
}

func (e *errorEnvelope) GetStatus() int { return e.status }
func (e *errorEnvelope) Error() string  { return e.Body.Message }

type rawBodyKey struct{}

// statusCodes holds the fallback code for statuses raised by huma itself.
var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_failed",
	http.StatusInternalServerError: "internal_error",
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = statusCodes[status]
	}
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &errorEnvelope{status: status, Body: errorDetail{Code: code, Message: message, Details: details}}
}

// New returns an HTTP handler exposing the Caseline API.
func New(cfg Config) (http.Handler, error) {
	base := "/" + strings.Trim(cfg.BasePath, "/")
	if base == "/" {
		base = defaultBasePath
	}
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = cfg.Log
	}
	installErrorEnvelope()

	router := chi.NewRouter()
	router.Use(captureBody)
	router.Use(newAuthMiddleware(base, cfg.Auth, cfg.Engine.Repo))

	hc := huma.DefaultConfig("Caseline API", "0.3.0")
	hc.OpenAPIPath = ""
	hc.DocsPath = ""
	api := humachi.New(router, hc)
	v1 := huma.NewGroup(api, base)

	registerHealth(v1)
	h := handlers{e: cfg.Engine, log: cfg.Log}
	for _, register := range []func(huma.API){
		h.registerMe,
		h.registerSync,
		h.registerCatalog,
		h.registerSettings,
		h.registerLocalProjects,
		h.registerJobs,
		h.registerWorkItems,
		h.registerEvents,
	} {
		register(v1)
	}
	mountDocs(router, api, base)
	return router, nil
}

// installErrorEnvelope routes huma's own errors (decode, schema validation)
// through the same envelope as engine errors. Schema failures surface as 400.
func installErrorEnvelope() {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, _ ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
		}
		return newAPIError(status, "", msg, details)
	}
}

// captureBody buffers the request body so handlers can tell an absent body
// from an empty JSON object.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw []byte
		if r.Body != nil {
			raw, _ = io.ReadAll(r.Body)
			_ = r.Body.Close()
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), rawBodyKey{}, raw)))
	})
}

func bodyBytes(ctx context.Context) []byte {
	raw, _ := ctx.Value(rawBodyKey{}).([]byte)
	return raw
}

// handleError maps engine errors onto HTTP statuses and stable codes.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		se         huma.StatusError
		denied     auth.AccessDeniedError
		invalid    engine.ValidationError
		inProgress *engine.InProgressError
		gate       *engine.DeployGateError
		syncErr    *engine.SyncError
		deployErr  *engine.DeployError
	)
	unauthorized := errors.Is(err, external.ErrUnauthorized)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &denied):
		details := map[string]any{"resource_id": denied.ResourceID}
		if denied.ProjectID != "" {
			details["project_id"] = denied.ProjectID
		}
		return newAPIError(http.StatusForbidden, "access_denied", err.Error(), details)
	case errors.As(err, &invalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": invalid.Field, "reason": invalid.Reason})
	case errors.As(err, &inProgress):
		return newAPIError(http.StatusConflict, "generation_in_progress", err.Error(), map[string]any{"external_ids": inProgress.ExternalIDs})
	case errors.Is(err, engine.ErrGenerationInProgress):
		return newAPIError(http.StatusConflict, "generation_in_progress", err.Error(), nil)
	case errors.As(err, &gate):
		return newAPIError(http.StatusConflict, "not_deployable", err.Error(), map[string]any{"work_item_id": gate.WorkItemID, "status": string(gate.Status)})
	case errors.Is(err, engine.ErrNotReviewable):
		return newAPIError(http.StatusConflict, "not_reviewable", err.Error(), nil)
	case errors.Is(err, lock.ErrNotAcquired):
		return newAPIError(http.StatusConflict, "sync_in_progress", "another operation holds the lock; retry later", nil)
	case errors.As(err, &syncErr):
		details := map[string]any{"stage": syncErr.Stage}
		if unauthorized {
			return newAPIError(http.StatusUnauthorized, "external_auth", err.Error(), details)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return newAPIError(http.StatusNotFound, "not_found", err.Error(), details)
		}
		return newAPIError(http.StatusBadGateway, "sync_failed", err.Error(), details)
	case errors.As(err, &deployErr):
		details := map[string]any{"work_item_id": deployErr.WorkItemID}
		if unauthorized {
			return newAPIError(http.StatusUnauthorized, "external_auth", err.Error(), details)
		}
		return newAPIError(http.StatusBadGateway, "deploy_failed", err.Error(), details)
	case unauthorized:
		return newAPIError(http.StatusUnauthorized, "external_auth", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness probe",
		Tags:        []string{"meta"},
	}, func(context.Context, *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func normalizeLimit(in int) int {
	switch {
	case in <= 0:
		return 50
	case in > 200:
		return 200
	}
	return in
}

// Keyset cursors for jobs and work items are "<timestamp>|<id>".
func parseCompositeCursor(cursor string) (ts, id string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	ts, id, ok := strings.Cut(cursor, "|")
	if !ok || ts == "" || id == "" {
		return "", "", fmt.Errorf("invalid cursor %q", cursor)
	}
	return ts, id, nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func parseEventCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	return strconv.ParseInt(cursor, 10, 64)
}
