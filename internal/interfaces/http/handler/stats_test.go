package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/storage"
	"github.com/liana/backend/internal/interfaces/http/dto"
	"github.com/liana/backend/internal/interfaces/http/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCounter struct {
	count int64
	query storage.Query
}

func (r *recordingCounter) Count(_ context.Context, _ *schema.Collection, q storage.Query) (int64, error) {
	r.query = q
	return r.count, nil
}

func serveChart(t *testing.T, h *StatsHandler, collection string, chart map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	engine := gin.New()
	engine.POST("/forest/stats/:collection", func(c *gin.Context) {
		setUser(c, testUser)
		c.Set(middleware.ChartRequestKey, chart)
		c.Next()
	}, h.Value)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/forest/stats/"+collection, nil))
	return w
}

func TestStatsHandler_ValueCount(t *testing.T) {
	counter := &recordingCounter{count: 42}
	scope := filter.NewCondition("team", filter.OperatorEqual, "Sales")
	h := NewStatsHandler(usersRegistry(t), counter, &fakeScopes{scopes: map[string]*filter.Node{"users": scope}})

	w := serveChart(t, h, "users", map[string]any{
		"type":       "Value",
		"aggregator": "Count",
		"collection": "users",
		"filter":     `{"field":"name","operator":"present","value":null}`,
		"timezone":   "UTC",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stat dto.ValueStat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stat))
	assert.Equal(t, "stats", stat.Data.Type)
	assert.NotEmpty(t, stat.Data.ID)
	assert.Equal(t, int64(42), stat.Data.Attributes.Value.CountCurrent)

	require.NotNil(t, counter.query.Filter)
	assert.True(t, counter.query.Filter.IsAggregation())
	assert.Len(t, counter.query.Filter.Conditions, 2)
	assert.Equal(t, "UTC", counter.query.Timezone.String())
}

func TestStatsHandler_FilterAsObject(t *testing.T) {
	counter := &recordingCounter{count: 1}
	h := NewStatsHandler(usersRegistry(t), counter, &fakeScopes{scopes: map[string]*filter.Node{}})

	w := serveChart(t, h, "users", map[string]any{
		"type":   "Value",
		"filter": map[string]any{"field": "name", "operator": "equal", "value": "jane"},
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, counter.query.Filter)
	assert.Equal(t, "name", counter.query.Filter.Field)
	assert.Equal(t, "jane", counter.query.Filter.Value)
}

func TestStatsHandler_Rejections(t *testing.T) {
	h := NewStatsHandler(usersRegistry(t), &recordingCounter{}, &fakeScopes{scopes: map[string]*filter.Node{}})

	tests := []struct {
		name       string
		collection string
		chart      map[string]any
		status     int
	}{
		{"unknown collection", "invoices", map[string]any{"type": "Value"}, http.StatusNotFound},
		{"unsupported type", "users", map[string]any{"type": "Pie"}, http.StatusUnprocessableEntity},
		{"unsupported aggregator", "users", map[string]any{"type": "Value", "aggregator": "Sum"}, http.StatusUnprocessableEntity},
		{"invalid filter", "users", map[string]any{"type": "Value", "filter": `{"field":`}, http.StatusUnprocessableEntity},
		{"invalid timezone", "users", map[string]any{"type": "Value", "timezone": "Nowhere/Land"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serveChart(t, h, tt.collection, tt.chart)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}
