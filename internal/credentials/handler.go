package credentials

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"courier/internal/logger"
	"courier/pkg/errors"
)

type renewRequest struct {
	SecretRef string    `json:"secret_ref" binding:"required"`
	ExpiresAt time.Time `json:"expires_at" binding:"required"`
}

// Handler exposes the credential lifecycle over HTTP for the lifecycle
// service itself: renewal is operated against the service that also owns
// the scanner and the drain loop.
type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		creds := v1.Group("/credentials")
		{
			creds.GET("", h.List)
			creds.GET("/:identityId", h.Get)
			creds.POST("/:identityId/renew", h.Renew)
		}
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

func (h *Handler) List(c *gin.Context) {
	records, err := h.service.List(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) Get(c *gin.Context) {
	record, err := h.service.Get(c.Request.Context(), c.Param("identityId"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) Renew(c *gin.Context) {
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	record, result, err := h.service.Renew(c.Request.Context(), c.Param("identityId"), req.SecretRef, req.ExpiresAt)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"credential": record,
		"drain": gin.H{
			"processed": result.Processed,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		},
	})
}
