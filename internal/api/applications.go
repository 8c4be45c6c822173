package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/lifecycle"
	"github.com/lalith-99/admitflow/internal/middleware"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/payment"
	"go.uber.org/zap"
)

// ApplicationHandler exposes the application lifecycle. Every mutation
// answers with the authoritative record as committed.
type ApplicationHandler struct {
	svc      *lifecycle.Service
	payments *payment.Reconciler
	logger   *zap.Logger
}

func NewApplicationHandler(svc *lifecycle.Service, payments *payment.Reconciler, logger *zap.Logger) *ApplicationHandler {
	return &ApplicationHandler{svc: svc, payments: payments, logger: logger}
}

// Get handles GET /v1/applications/:id
func (h *ApplicationHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	app, err := h.svc.Get(c.Request.Context(), id, middleware.GetPrincipal(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

// Timeline handles GET /v1/applications/:id/timeline
func (h *ApplicationHandler) Timeline(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	tl, err := h.svc.Timeline(c.Request.Context(), id, middleware.GetPrincipal(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, tl)
}

type transitionRequest struct {
	Status models.ApplicationStatus `json:"status" binding:"required"`
	Note   string                   `json:"note"`
}

// Transition handles POST /v1/applications/:id/status
func (h *ApplicationHandler) Transition(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, bindError(err))
		return
	}

	app, err := h.svc.Transition(c.Request.Context(), id, middleware.GetPrincipal(c), req.Status, req.Note)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

type assignReviewerRequest struct {
	ReviewerID uuid.UUID `json:"reviewer_id" binding:"required"`
}

// AssignReviewer handles POST /v1/applications/:id/reviewer
func (h *ApplicationHandler) AssignReviewer(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var req assignReviewerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, bindError(err))
		return
	}

	app, err := h.svc.AssignReviewer(c.Request.Context(), id, middleware.GetPrincipal(c), req.ReviewerID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

type bulkAssignRequest struct {
	ApplicationIDs []uuid.UUID `json:"application_ids" binding:"required,min=1,max=500"`
	ReviewerID     uuid.UUID   `json:"reviewer_id" binding:"required"`
}

// BulkAssignReviewer handles POST /v1/bulk/reviewer-assignments. Per-item
// failures are reported in the body; the request itself still answers 200.
func (h *ApplicationHandler) BulkAssignReviewer(c *gin.Context) {
	var req bulkAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, bindError(err))
		return
	}

	result, err := h.svc.BulkAssignReviewer(c.Request.Context(), req.ApplicationIDs, middleware.GetPrincipal(c), req.ReviewerID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type addNoteRequest struct {
	Text       string `json:"text" binding:"required"`
	IsInternal bool   `json:"is_internal"`
}

// AddNote handles POST /v1/applications/:id/notes
func (h *ApplicationHandler) AddNote(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var req addNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, bindError(err))
		return
	}

	note, err := h.svc.AddNote(c.Request.Context(), id, middleware.GetPrincipal(c), req.Text, req.IsInternal)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

type documentStatusRequest struct {
	Status          models.DocumentStatus `json:"status" binding:"required"`
	RejectionReason string                `json:"rejection_reason"`
}

// SetDocumentStatus handles POST /v1/applications/:id/documents/:docId/status
func (h *ApplicationHandler) SetDocumentStatus(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var req documentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, bindError(err))
		return
	}

	app, err := h.svc.SetDocumentStatus(c.Request.Context(), id, c.Param("docId"), middleware.GetPrincipal(c), req.Status, req.RejectionReason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

type checkoutRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// Checkout handles POST /v1/applications/:id/checkout
func (h *ApplicationHandler) Checkout(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, bindError(err))
		return
	}
	provider, err := parseProvider(req.Provider)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	result, err := h.payments.BeginCheckout(c.Request.Context(), middleware.GetPrincipal(c), id, provider)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// parseProvider accepts provider names in any case ("stripe", "MONCASH").
func parseProvider(raw string) (models.PaymentProvider, error) {
	p := models.PaymentProvider(strings.ToUpper(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", apperr.New(apperr.KindInvalidArgument, "api.parseProvider", "unknown payment provider "+raw)
	}
	return p, nil
}
