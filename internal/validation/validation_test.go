package validation

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"camp-1", true},
		{"8f14e45f-ceea-467a-9575-1a2b3c4d5e6f", true},
		{"seg:high_value.v2", true},
		{"", false},
		{"-leading", false},
		{"has space", false},
		{"semi;colon", false},
		{string(make([]byte, MaxIDLength+1)), false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidID(tc.id), tc.id)
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"  hello  ", 100, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, SanitizeString(tc.input, tc.maxLen))
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("campaign_id", "camp-1"),
		ValidID("campaign_id", "camp-1"),
		PositivePrice("floor_price", 1.5),
	)
	assert.Empty(t, errs)

	errs = Validate(
		Required("campaign_id", ""),
		ValidID("segment_id", "bad id"),
		PositivePrice("floor_price", 0),
	)
	assert.Len(t, errs, 3)
	assert.Equal(t, "campaign_id: is required", errs.Error())
}

func TestPositivePrice(t *testing.T) {
	for _, v := range []float64{0.01, 1, 1e6} {
		assert.Nil(t, PositivePrice("p", v)(), v)
	}
	for _, v := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		assert.NotNil(t, PositivePrice("p", v)(), v)
	}
}

func TestMaxLength(t *testing.T) {
	assert.Nil(t, MaxLength("field", "hello", 10)())
	assert.Nil(t, MaxLength("field", "hello", 5)())
	assert.NotNil(t, MaxLength("field", "hello world", 5)())
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/alerts/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/alerts/abc-123", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/alerts/a%3Bb", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_id")
}
