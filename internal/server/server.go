// Package server is the local operator console: a small HTTP API over a
// running garage, with a websocket feed of bus events.
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"garagectl/internal/domain"
	"garagectl/internal/events"
	"garagectl/internal/garage"
	"garagectl/internal/metrics"
	"garagectl/internal/repo"
	"garagectl/internal/ticket"
)

// Config for the HTTP API handler.
type Config struct {
	System   *garage.System
	Metrics  *metrics.Metrics
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"ticket_rejected"`
	Message string         `json:"message" example:"ticket 42 rejected: not_found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reason\":\"not_found\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the console API.
func New(cfg Config) (http.Handler, error) {
	if cfg.System == nil {
		return nil, errors.New("server: nil system")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
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
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(cfg.Metrics.Middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Garage Console API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{sys: cfg.System, log: cfg.Logger}
	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, h)
	registerTickets(group, h)
	registerLanes(group, h)
	registerJournal(group, h)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())
	router.Get(path.Join(basePath, "events/stream"), h.stream)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	return router, nil
}

type handlers struct {
	sys *garage.System
	log *slog.Logger
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
	var rejected *ticket.RejectedError
	switch {
	case errors.As(err, &rejected):
		return newAPIError(http.StatusConflict, "ticket_rejected", err.Error(), map[string]any{"reason": string(rejected.Reason)})
	case errors.Is(err, ticket.ErrCapacityFull):
		return newAPIError(http.StatusConflict, "capacity_full", err.Error(), nil)
	case errors.Is(err, ticket.ErrState):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, garage.ErrUnknownLane):
		return newAPIError(http.StatusNotFound, "unknown_lane", err.Error(), nil)
	case errors.Is(err, garage.ErrNotStarted), errors.Is(err, events.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.Is(err, events.ErrBackpressure), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "busy", err.Error(), nil)
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas)
			}
			spec, _ = json.Marshal(oas)
		}
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

// applyAuthSecurity marks the mutating operations as bearer-protected.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
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
    <title>Garage Console API</title>
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

func registerStatus(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Capacity and lane status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Status `json:"body"`
	}, error) {
		return &struct {
			Body domain.Status `json:"body"`
		}{Body: h.sys.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-capacity",
		Method:      http.MethodPut,
		Path:        "/capacity",
		Summary:     "Change the number of parking slots",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SetCapacityRequest `json:"body"`
	}) (*struct {
		Body domain.Capacity `json:"body"`
	}, error) {
		c, err := h.sys.Tickets().SetCapacity(ctx, input.Body.Max)
		if err != nil {
			return nil, newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"max": input.Body.Max})
		}
		h.log.Info("capacity changed", "max", c.Max, "operator", operator(ctx))
		return &struct {
			Body domain.Capacity `json:"body"`
		}{Body: c}, nil
	})
}

func registerTickets(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List tickets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:"issued,validated,rejected"`
		Lane  string `query:"lane"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body TicketList `json:"body"`
	}, error) {
		items, err := h.sys.Tickets().List(ctx, ticket.Filter{
			State: domain.TicketState(input.State),
			Lane:  input.Lane,
			Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketList `json:"body"`
		}{Body: TicketList{Items: nonNilTickets(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}",
		Summary:     "Get ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := h.sys.Tickets().Get(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/pay",
		Summary:     "Mark a ticket paid",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		t, err := h.sys.Tickets().Pay(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		h.log.Info("ticket paid at console", "ticket_id", t.ID, "operator", operator(ctx))
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})
}

func registerLanes(api huma.API, h handlers) {
	type accepted struct {
		Body EventResponse `json:"body"`
	}
	laneErrors := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable}

	huma.Register(api, huma.Operation{
		OperationID:   "publish-lane-event",
		Method:        http.MethodPost,
		Path:          "/lanes/{lane}/events",
		Summary:       "Inject an event as if a lane sensor raised it",
		DefaultStatus: http.StatusAccepted,
		Errors:        laneErrors,
	}, func(ctx context.Context, input *struct {
		Lane string `path:"lane"`
		Body LaneEventRequest `json:"body"`
	}) (*accepted, error) {
		kind, err := events.ParseKind(input.Body.Kind)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"kind": input.Body.Kind})
		}
		ev := events.Event{
			Kind:     kind,
			Lane:     input.Lane,
			TicketID: strings.TrimSpace(input.Body.TicketID),
			Value:    input.Body.Value,
			Reason:   input.Body.Reason,
		}
		if err := h.publish(ctx, ev); err != nil {
			return nil, err
		}
		return &accepted{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "insert-ticket",
		Method:        http.MethodPost,
		Path:          "/lanes/{lane}/tickets",
		Summary:       "Present a ticket at an exit lane",
		DefaultStatus: http.StatusAccepted,
		Errors:        laneErrors,
	}, func(ctx context.Context, input *struct {
		Lane string `path:"lane"`
		Body InsertTicketRequest `json:"body"`
	}) (*accepted, error) {
		c, ok := h.sys.Lane(input.Lane)
		if !ok {
			return nil, handleError(fmt.Errorf("%w: %s", garage.ErrUnknownLane, input.Lane))
		}
		if c.Kind() != domain.LaneExit {
			return nil, newAPIError(http.StatusConflict, "not_exit_lane", "tickets are inserted at exit lanes", map[string]any{"lane": input.Lane})
		}
		ev := events.Event{Kind: events.TicketInserted, Lane: input.Lane, TicketID: strings.TrimSpace(input.Body.TicketID)}
		if err := h.publish(ctx, ev); err != nil {
			return nil, err
		}
		return &accepted{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reset-lane",
		Method:        http.MethodPost,
		Path:          "/lanes/{lane}/reset",
		Summary:       "Clear a faulted gate",
		DefaultStatus: http.StatusAccepted,
		Errors:        laneErrors,
	}, func(ctx context.Context, input *struct {
		Lane string `path:"lane"`
	}) (*accepted, error) {
		ev := events.Event{Kind: events.GateReset, Lane: input.Lane}
		if err := h.publish(ctx, ev); err != nil {
			return nil, err
		}
		return &accepted{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lane-inputs",
		Method:      http.MethodGet,
		Path:        "/lanes/{lane}/inputs",
		Summary:     "Read the lane's input pins",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Lane string `path:"lane"`
	}) (*struct {
		Body domain.LaneInputs `json:"body"`
	}, error) {
		in, err := h.sys.Inputs(input.Lane)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LaneInputs `json:"body"`
		}{Body: in}, nil
	})
}

func (h handlers) publish(ctx context.Context, ev events.Event) huma.StatusError {
	if err := h.sys.Publish(ctx, ev); err != nil {
		return handleError(err)
	}
	h.log.Info("console event", "kind", ev.Kind.String(), "lane", ev.Lane, "ticket_id", ev.TicketID, "operator", operator(ctx))
	return nil
}

func registerJournal(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List journaled events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotImplemented},
	}, func(ctx context.Context, input *struct {
		Lane     string `query:"lane"`
		Kind     string `query:"kind"`
		TicketID string `query:"ticket_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body JournalPage `json:"body"`
	}, error) {
		journal := h.sys.Journal()
		if journal == nil {
			return nil, newAPIError(http.StatusNotImplemented, "journal_unavailable", "the journal needs sqlite storage", nil)
		}
		if input.Kind != "" {
			if _, err := events.ParseKind(input.Kind); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"kind": input.Kind})
			}
		}
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := journal.LatestEvents(ctx, repo.EventFilter{
			Lane:     input.Lane,
			Kind:     input.Kind,
			TicketID: input.TicketID,
			Before:   before,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := JournalPage{Items: []domain.JournalEntry{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body JournalPage `json:"body"`
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
