package management

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"courier/internal/logger"
	"courier/internal/retryqueue"
	"courier/pkg/errors"
)

type BaseHandler struct {
	Service *Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		rules := v1.Group("/rules/routing")
		{
			rules.GET("", h.ListRules)
			rules.POST("", h.CreateRule)
			rules.GET("/:id", h.GetRule)
			rules.PUT("/:id", h.UpdateRule)
			rules.DELETE("/:id", h.DeleteRule)
		}

		queues := v1.Group("/queues")
		{
			queues.POST("/drain", h.DrainAll)
			queues.GET("/:identityId/messages", h.ListQueuedMessages)
			queues.GET("/:identityId/messages/:messageId", h.GetQueuedMessage)
			queues.DELETE("/:identityId/messages/:messageId", h.CancelQueuedMessage)
			queues.POST("/:identityId/drain", h.DrainIdentity)
		}

		creds := v1.Group("/credentials")
		{
			creds.GET("", h.ListCredentials)
			creds.POST("", h.RegisterCredential)
			creds.GET("/:identityId", h.GetCredential)
			creds.POST("/:identityId/renew", h.RenewCredential)
		}
	}
}

// changedBy identifies the operator behind a mutation for change events.
func changedBy(c *gin.Context) string {
	if actor := c.GetHeader("X-Changed-By"); actor != "" {
		return actor
	}
	return "api"
}

func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.Service.ListRules(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	rule, err := h.Service.CreateRule(c.Request.Context(), req, changedBy(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.Service.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

func (h *Handler) UpdateRule(c *gin.Context) {
	var req UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	rule, err := h.Service.UpdateRule(c.Request.Context(), c.Param("id"), req, changedBy(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.Service.DeleteRule(c.Request.Context(), c.Param("id"), changedBy(c)); err != nil {
		h.HandleError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) ListQueuedMessages(c *gin.Context) {
	identityID := c.Param("identityId")

	status := retryqueue.Status(c.Query("status"))
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(
				errors.ErrValidation.WithDetail("message", "limit must be a positive integer")))
			return
		}
		limit = parsed
	}

	messages, err := h.Service.ListQueue(c.Request.Context(), identityID, status, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, messages)
}

func (h *Handler) GetQueuedMessage(c *gin.Context) {
	msg, err := h.Service.GetQueuedMessage(c.Request.Context(), c.Param("identityId"), c.Param("messageId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, msg)
}

func (h *Handler) CancelQueuedMessage(c *gin.Context) {
	if err := h.Service.CancelQueuedMessage(c.Request.Context(), c.Param("identityId"), c.Param("messageId")); err != nil {
		h.HandleError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) DrainIdentity(c *gin.Context) {
	identityID := c.Param("identityId")

	result, err := h.Service.DrainIdentity(c.Request.Context(), identityID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, DrainResponse{
		IdentityID: identityID,
		Processed:  result.Processed,
		Succeeded:  result.Succeeded,
		Failed:     result.Failed,
	})
}

func (h *Handler) DrainAll(c *gin.Context) {
	result, err := h.Service.DrainAll(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, DrainResponse{
		Processed: result.Processed,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
	})
}

func (h *Handler) ListCredentials(c *gin.Context) {
	records, err := h.Service.ListCredentials(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) RegisterCredential(c *gin.Context) {
	var req RegisterCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	record, err := h.Service.RegisterCredential(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (h *Handler) GetCredential(c *gin.Context) {
	record, err := h.Service.GetCredential(c.Request.Context(), c.Param("identityId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (h *Handler) RenewCredential(c *gin.Context) {
	var req RenewCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	record, result, err := h.Service.RenewCredential(c.Request.Context(), c.Param("identityId"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"credential": record,
		"drain": DrainResponse{
			IdentityID: record.IdentityID,
			Processed:  result.Processed,
			Succeeded:  result.Succeeded,
			Failed:     result.Failed,
		},
	})
}
