package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"

	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/projector"
	"traceline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    *engine.Engine
	Projector *projector.Projector
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"status_downgrade"`
	Message string         `json:"message" example:"status downgrade completed -> running rejected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Traceline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Traceline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSessions(group, cfg.Engine, cfg.Projector)
	registerCorrelations(group, cfg.Engine)
	registerLive(group, cfg.Projector)

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

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid"
	default:
		return "internal_error"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "rejected", ve.Reason, nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "correlation_conflict", ce.Reason, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	// Storage failures are retryable; say so.
	return newAPIError(http.StatusInternalServerError, "storage_error", err.Error(), map[string]any{"retryable": true})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			}
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Engine status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statusResponse
	}, error) {
		sessions, err := e.Repo.ListSessions(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		rev, err := e.Repo.LatestUpdateID(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body statusResponse
		}{}
		resp.Body.Revision = rev
		for _, s := range sessions {
			if s.Status == domain.SessionActive {
				resp.Body.ActiveSessions++
			}
		}
		resp.Body.Sessions = len(sessions)
		return resp, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Ingest or merge an activity event",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body putRequest
	}) (*struct {
		Body domain.Event
	}, error) {
		opts := input.Body.options()
		if opts.Agent == "" {
			if p, ok := principalFromContext(ctx); ok {
				opts.Agent = p.AgentID
			}
		}
		evt, err := e.Put(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event
		}{Body: evt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{id}",
		Summary:     "Fetch one event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Event
	}, error) {
		evt, err := e.Repo.GetEvent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event
		}{Body: evt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-children",
		Method:      http.MethodGet,
		Path:        "/events/{id}/children",
		Summary:     "List direct children of an event",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body eventList
	}, error) {
		items, err := e.Repo.Children(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventList
		}{Body: eventList{Items: orEmpty(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-descendants",
		Method:      http.MethodGet,
		Path:        "/events/{id}/descendants",
		Summary:     "List the subtree below an event, parent before child",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body eventList
	}, error) {
		items, err := e.Repo.Descendants(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventList
		}{Body: eventList{Items: orEmpty(items)}}, nil
	})
}

func registerSessions(api huma.API, e *engine.Engine, p *projector.Projector) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,ended"`
	}) (*struct {
		Body sessionList
	}, error) {
		items, err := e.Repo.ListSessions(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Session{}
		}
		return &struct {
			Body sessionList
		}{Body: sessionList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/end",
		Summary:     "End a session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Session
	}, error) {
		s, err := e.EndSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adopt-orphans",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/adopt-orphans",
		Summary:     "Re-attribute unattributed events to this session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body adoptResponse
	}, error) {
		moved, err := e.AdoptOrphans(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body adoptResponse
		}{Body: adoptResponse{Adopted: moved}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-tree",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/tree",
		Summary:     "Full current tree snapshot tagged with its revision",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body projector.Snapshot
	}, error) {
		snap, err := p.TakeSnapshot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if snap.Roots == nil {
			snap.Roots = []*domain.TreeNode{}
		}
		return &struct {
			Body projector.Snapshot
		}{Body: snap}, nil
	})
}

func registerCorrelations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-external",
		Method:      http.MethodPost,
		Path:        "/correlations",
		Summary:     "Record an externally sourced task identifier",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body correlationRequest
	}) (*struct {
		Body domain.Correlation
	}, error) {
		c, err := e.RecordExternal(ctx, input.Body.ExternalID, input.Body.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Correlation
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lookup-by-external",
		Method:      http.MethodGet,
		Path:        "/correlations/external/{external_id}",
		Summary:     "Resolve an external id to its event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExternalID string `path:"external_id"`
	}) (*struct {
		Body domain.Correlation
	}, error) {
		c, err := e.LookupByExternal(ctx, input.ExternalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Correlation
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lookup-by-event",
		Method:      http.MethodGet,
		Path:        "/correlations/event/{event_id}",
		Summary:     "Resolve an event id to its external id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body domain.Correlation
	}, error) {
		c, err := e.LookupByInternal(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Correlation
		}{Body: c}, nil
	})
}

func registerLive(api huma.API, p *projector.Projector) {
	sse.Register(api, huma.Operation{
		OperationID: "session-live",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/live",
		Summary:     "Live tree-update feed, resumable from a revision",
	}, map[string]any{
		"tree-update": projector.Notification{},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		From int64  `query:"from"`
	}, send sse.Sender) {
		sub := p.Subscribe(input.ID, input.From)
		defer p.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-sub.C:
				if !ok {
					return
				}
				if err := send.Data(n); err != nil {
					return
				}
			}
		}
	})
}

func orEmpty(items []domain.Event) []domain.Event {
	if items == nil {
		return []domain.Event{}
	}
	return items
}
