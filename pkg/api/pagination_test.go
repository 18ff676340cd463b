package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		query string
		want  PageRequest
	}{
		{"", PageRequest{Page: 1, PageSize: DefaultPageSize}},
		{"page=3&pageSize=10", PageRequest{Page: 3, PageSize: 10}},
		{"page=0&pageSize=-5", PageRequest{Page: 1, PageSize: DefaultPageSize}},
		{"page=abc&pageSize=1000", PageRequest{Page: 1, PageSize: MaxPageSize}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			assert.Equal(t, tt.want, ParsePagination(c))
		})
	}
}

func TestNewPageResponse(t *testing.T) {
	resp := NewPageResponse([]string{"a", "b"}, 2, 2, 5)
	assert.Equal(t, int64(3), resp.Pagination.TotalPages)
	assert.True(t, resp.Pagination.HasNext)
	assert.True(t, resp.Pagination.HasPrev)

	empty := NewPageResponse[string](nil, 1, 20, 0)
	assert.NotNil(t, empty.Data)
	assert.Equal(t, int64(1), empty.Pagination.TotalPages)
	assert.False(t, empty.Pagination.HasNext)

	assert.Equal(t, int64(20), PageRequest{Page: 3, PageSize: 10}.Offset())
}
