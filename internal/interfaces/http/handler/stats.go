package handler

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/domain/storage"
	"github.com/liana/backend/internal/interfaces/http/dto"
	"github.com/liana/backend/internal/interfaces/http/middleware"
)

// Chart types and aggregators handled by StatsHandler
const (
	ChartTypeValue  = "Value"
	AggregatorCount = "Count"
)

// StatsHandler computes dashboard charts
type StatsHandler struct {
	BaseHandler
	registry *schema.Registry
	counter  storage.Counter
	scopes   ScopeProvider
}

// NewStatsHandler creates a new StatsHandler
func NewStatsHandler(registry *schema.Registry, counter storage.Counter, scopes ScopeProvider) *StatsHandler {
	return &StatsHandler{registry: registry, counter: counter, scopes: scopes}
}

// Value handles POST /forest/stats/:collection for Value charts counting records
func (h *StatsHandler) Value(c *gin.Context) {
	chart, _ := c.MustGet(middleware.ChartRequestKey).(map[string]any)

	name := c.Param("collection")
	coll, ok := h.registry.Get(name)
	if !ok {
		h.HandleError(c, shared.NewNotFoundError(fmt.Sprintf("Collection %q not found", name)))
		return
	}
	if t, _ := chart["type"].(string); t != ChartTypeValue {
		h.HandleError(c, shared.NewUnprocessableEntityError(fmt.Sprintf("Unsupported chart type %q", t)))
		return
	}
	if agg, _ := chart["aggregator"].(string); agg != "" && agg != AggregatorCount {
		h.HandleError(c, shared.NewUnprocessableEntityError(fmt.Sprintf("Unsupported aggregator %q", agg)))
		return
	}

	user, err := currentUser(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	chartFilter, err := chartFilter(chart["filter"])
	if err != nil {
		h.HandleError(c, err)
		return
	}
	timezone, _ := chart["timezone"].(string)
	location, err := parseTimezone(timezone)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	ctx := c.Request.Context()
	scope, err := h.scopes.GetScopeForUser(ctx, user, coll.Name)
	if err != nil {
		h.HandleError(c, shared.NewInternalError(err))
		return
	}
	count, err := h.counter.Count(ctx, coll, storage.Query{
		Filter:   filter.And(chartFilter, scope),
		Timezone: location,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, dto.ValueStat{Data: dto.ValueStatData{
		ID:         uuid.NewString(),
		Type:       "stats",
		Attributes: dto.ValueStatValues{Value: dto.ValueStatCount{CountCurrent: count}},
	}})
}

// chartFilter reads the chart filter, sent either serialized or as an object
func chartFilter(raw any) (*filter.Node, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return filter.Parse(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, shared.NewInvalidFiltersFormatError("Invalid filters format").WithCause(err)
		}
		return filter.Parse(string(b))
	}
}
