package router

import (
	"context"
	"encoding/json"

	"courier/internal/broker"
	"courier/internal/logger"
	"courier/internal/rules"
	"courier/pkg/models"
)

// ConfigHandler applies rule change events to the local rule cache, so rule
// edits made through the management API take effect before the cache TTL
// would expire them.
type ConfigHandler struct {
	cache  *rules.CachedRepository
	logger logger.Logger
}

func NewConfigHandler(cache *rules.CachedRepository, log logger.Logger) *ConfigHandler {
	return &ConfigHandler{
		cache:  cache,
		logger: log,
	}
}

func (h *ConfigHandler) HandleRuleChange(ctx context.Context, msg broker.Message) error {
	var event models.RuleChangeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.WarnwCtx(ctx, "Ignoring malformed rule change event", "error", err)
		return nil
	}

	if event.Pattern != "" {
		h.cache.Invalidate(event.Pattern)
	} else {
		h.cache.InvalidateAll()
	}

	h.logger.InfowCtx(ctx, "Rule cache invalidated",
		"rule_id", event.RuleID,
		"pattern", event.Pattern,
		"change", event.Change,
	)
	return nil
}
