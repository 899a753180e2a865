package chart

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/charting/internal/platform/auth"
	"github.com/ehr/charting/internal/platform/events"
	"github.com/ehr/charting/pkg/pagination"
)

type Handler struct {
	svc       *Service
	bulk      *Coordinator
	publisher events.Publisher
	logger    zerolog.Logger
}

func NewHandler(svc *Service, bulk *Coordinator, publisher events.Publisher, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, bulk: bulk, publisher: publisher, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse, registrar
	readGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleRegistrar))
	readGroup.GET("/charts", h.ListRecords)
	readGroup.GET("/charts/compliance", h.ComplianceReport)
	readGroup.POST("/charts/compliance", h.ComputeCompliance)
	readGroup.GET("/charts/:id", h.GetRecord)
	readGroup.GET("/charts/:id/addenda", h.ListAddenda)
	readGroup.GET("/charts/:id/audit", h.AuditTrail)
	readGroup.GET("/charts/:id/audit/verify", h.VerifyAuditTrail)

	// Content endpoints – admin, physician, nurse
	contentGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	contentGroup.POST("/charts", h.CreateDraft)
	contentGroup.PUT("/charts/:id/content", h.SaveContent)

	// Lifecycle endpoints – admin, physician
	lifecycle := api.Group("", auth.RequireRole(auth.RolePhysician))
	lifecycle.POST("/charts/bulk/sign", h.BulkSign)
	lifecycle.POST("/charts/bulk/close", h.BulkClose)
	lifecycle.POST("/charts/:id/preliminary", h.MarkPreliminary)
	lifecycle.POST("/charts/:id/sign", h.Sign)
	lifecycle.POST("/charts/:id/close", h.Close)
	lifecycle.POST("/charts/:id/addenda", h.AddAddendum)
	lifecycle.POST("/charts/:id/unlock", h.Unlock)
	lifecycle.POST("/charts/:id/document", h.RegenerateDocument)

	// Cosign – admin, physician, supervisor
	api.POST("/charts/:id/cosign", h.Cosign, auth.RequireRole(auth.RolePhysician, auth.RoleSupervisor))
}

// errorBody is the shape of every rejected request.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// fail maps a domain error onto an HTTP response.
func (h *Handler) fail(c echo.Context, err error) error {
	// Left to the timeout middleware.
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case CodeNotFound:
		status = http.StatusNotFound
	case CodeValidation:
		status = http.StatusBadRequest
	case CodeInvalidTransition:
		status = http.StatusUnprocessableEntity
	case CodeRecordLocked:
		status = http.StatusLocked
	case CodeConcurrencyConflict:
		status = http.StatusConflict
		c.Response().Header().Set("Retry-After", "1")
	case CodeRendererUnavailable:
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("chart request failed")
		msg = "internal error"
	}
	return c.JSON(status, errorBody{Code: code, Message: msg, Retryable: Retryable(err)})
}

func badRequest(c echo.Context, field, reason string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Code: CodeValidation, Message: field + ": " + reason})
}

func parseID(c echo.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	return id, err == nil
}

func actorOf(c echo.Context) Actor {
	return Actor(auth.ActorFromContext(c))
}

func tenantOf(c echo.Context) string {
	tid, _ := c.Get("tenant_id").(string)
	return tid
}

// publish fans committed entries out to subscribers. Delivery is best
// effort; the transition is already durable.
func (h *Handler) publish(c echo.Context, entries []*AuditEntry) {
	if h.publisher == nil {
		return
	}
	ctx := c.Request().Context()
	for _, e := range entries {
		evt := events.Event{
			Type:       events.TypeLifecycle,
			TenantID:   tenantOf(c),
			RecordID:   e.RecordID,
			EntryID:    e.ID,
			Action:     string(e.Action),
			ActorName:  e.ActorName,
			ActorRole:  e.ActorRole,
			FromState:  string(e.FromState),
			ToState:    string(e.ToState),
			OccurredAt: e.OccurredAt,
		}
		if err := h.publisher.Publish(ctx, evt); err != nil {
			h.logger.Warn().Err(err).Str("record_id", e.RecordID.String()).Str("action", evt.Action).Msg("lifecycle event not published")
		}
	}
}

type lifecycleFunc func(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error)

func (h *Handler) transition(c echo.Context, fn lifecycleFunc) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "id", "invalid id")
	}
	res, err := fn(c.Request().Context(), id, actorOf(c))
	if err != nil {
		return h.fail(c, err)
	}
	h.publish(c, res.Audit)
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Sign(c echo.Context) error {
	return h.transition(c, h.svc.Sign)
}

func (h *Handler) Close(c echo.Context) error {
	return h.transition(c, h.svc.Close)
}

func (h *Handler) Cosign(c echo.Context) error {
	return h.transition(c, h.svc.Cosign)
}

func (h *Handler) MarkPreliminary(c echo.Context) error {
	return h.transition(c, h.svc.MarkPreliminary)
}

func (h *Handler) RegenerateDocument(c echo.Context) error {
	return h.transition(c, h.svc.RegenerateDocument)
}

func (h *Handler) AddAddendum(c echo.Context) error {
	var in AddendumInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "body", err.Error())
	}
	return h.transition(c, func(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error) {
		return h.svc.AddAddendum(ctx, id, actor, in)
	})
}

type unlockRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Unlock(c echo.Context) error {
	var req unlockRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", err.Error())
	}
	return h.transition(c, func(ctx context.Context, id uuid.UUID, actor Actor) (*Result, error) {
		return h.svc.Unlock(ctx, id, actor, req.Reason)
	})
}

type bulkRequest struct {
	RecordIDs []uuid.UUID `json:"record_ids"`
}

func (h *Handler) BulkSign(c echo.Context) error  { return h.runBulk(c, h.bulk.BulkSign) }
func (h *Handler) BulkClose(c echo.Context) error { return h.runBulk(c, h.bulk.BulkClose) }

func (h *Handler) runBulk(c echo.Context, fn func(context.Context, []uuid.UUID, Actor) (*BulkResult, error)) error {
	var req bulkRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", err.Error())
	}
	res, err := fn(c.Request().Context(), req.RecordIDs, actorOf(c))
	if err != nil {
		return h.fail(c, err)
	}
	for _, item := range res.Results {
		h.publish(c, item.Audit)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CreateDraft(c echo.Context) error {
	var in DraftInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "body", err.Error())
	}
	rec, err := h.svc.CreateDraft(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) SaveContent(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "id", "invalid id")
	}
	var in ContentInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "body", err.Error())
	}
	rec, err := h.svc.SaveContent(c.Request().Context(), id, in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "id", "invalid id")
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func filterFrom(c echo.Context) (RecordFilter, error) {
	var f RecordFilter
	if v := c.QueryParam("owner_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, &ValidationError{Field: "owner_id", Reason: "invalid id"}
		}
		f.OwnerID = &id
	}
	if v := c.QueryParam("subject_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, &ValidationError{Field: "subject_id", Reason: "invalid id"}
		}
		f.SubjectID = &id
	}
	if v := c.QueryParam("state"); v != "" {
		st, err := ParseState(v)
		if err != nil {
			return f, err
		}
		f.State = &st
	}
	return f, nil
}

func (h *Handler) ListRecords(c echo.Context) error {
	f, err := filterFrom(c)
	if err != nil {
		return h.fail(c, err)
	}
	pg := pagination.FromContext(c)
	recs, total, err := h.svc.ListRecords(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(recs, total, pg))
}

func (h *Handler) ListAddenda(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "id", "invalid id")
	}
	adds, err := h.svc.ListAddenda(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, adds)
}

func (h *Handler) AuditTrail(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "id", "invalid id")
	}
	entries, err := h.svc.AuditTrail(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) VerifyAuditTrail(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "id", "invalid id")
	}
	report, err := h.svc.VerifyAuditTrail(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ComplianceReport(c echo.Context) error {
	f, err := filterFrom(c)
	if err != nil {
		return h.fail(c, err)
	}
	m, err := h.svc.ComplianceReport(c.Request().Context(), f)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

type complianceRequest struct {
	Records []*Record  `json:"records"`
	Now     *time.Time `json:"now,omitempty"`
}

// ComputeCompliance evaluates caller-supplied records without touching the
// store.
func (h *Handler) ComputeCompliance(c echo.Context) error {
	var req complianceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", err.Error())
	}
	for i, rec := range req.Records {
		field := fmt.Sprintf("records[%d]", i)
		if rec == nil {
			return badRequest(c, field, "record is null")
		}
		if !rec.State.Valid() {
			return badRequest(c, field+".state", fmt.Sprintf("unknown state %q", rec.State))
		}
	}
	now := h.svc.clock()
	if req.Now != nil {
		now = req.Now.UTC()
	}
	return c.JSON(http.StatusOK, ComputeMetrics(req.Records, now))
}
