package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeScopeInvalidator struct {
	renderings []string
	err        error
}

func (f *fakeScopeInvalidator) Invalidate(_ context.Context, renderingID string) error {
	f.renderings = append(f.renderings, renderingID)
	return f.err
}

type fakePermissionInvalidator struct {
	calls int
}

func (f *fakePermissionInvalidator) Invalidate() {
	f.calls++
}

func postInvalidation(h *CacheHandler, body string) *httptest.ResponseRecorder {
	engine := gin.New()
	engine.POST("/forest/scope-cache-invalidation", h.InvalidateScopes)
	req := httptest.NewRequest(http.MethodPost, "/forest/scope-cache-invalidation", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestCacheHandler_InvalidateScopes(t *testing.T) {
	scopes := &fakeScopeInvalidator{}
	perms := &fakePermissionInvalidator{}
	h := NewCacheHandler(scopes, perms, nil)

	w := postInvalidation(h, `{"renderingId": 34}`)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"34"}, scopes.renderings)
	assert.Equal(t, 1, perms.calls)
}

func TestCacheHandler_InvalidateScopesErrors(t *testing.T) {
	t.Run("missing rendering", func(t *testing.T) {
		scopes := &fakeScopeInvalidator{}
		w := postInvalidation(NewCacheHandler(scopes, nil, nil), `{}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, scopes.renderings)
	})

	t.Run("store failure", func(t *testing.T) {
		perms := &fakePermissionInvalidator{}
		w := postInvalidation(NewCacheHandler(&fakeScopeInvalidator{err: assert.AnError}, perms, nil), `{"renderingId": "34"}`)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Zero(t, perms.calls)
	})
}
