package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _, _ := newTestService(t)
	svc.now = time.Now

	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r, svc
}

func doRequest(r *gin.Engine, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_RequiresCaller(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doRequest(r, http.MethodGet, "/v1/fraud/overview", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", decode(t, w)["error"])

	w = doRequest(r, http.MethodGet, "/v1/fraud/overview", "bad user", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CreateAlert(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doRequest(r, http.MethodPost, "/v1/fraud/alerts", "owner-1", map[string]interface{}{
		"campaignId":      "camp-1",
		"alertType":       "ip_anomaly",
		"severity":        6,
		"description":     "Burst of clicks from one /24",
		"affectedUserIds": []string{"u-1", "u-2"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	alert := decode(t, w)["alert"].(map[string]interface{})
	assert.Equal(t, "camp-1", alert["campaignId"])
	assert.Equal(t, "active", alert["status"])
	assert.Equal(t, float64(6), alert["severity"])
	assert.Len(t, alert["affectedUserIds"], 2)
	assert.NotContains(t, alert, "resolvedAt")
}

func TestHandler_CreateAlert_Errors(t *testing.T) {
	r, _ := setupTestRouter(t)

	tests := []struct {
		name string
		body map[string]interface{}
		code int
		err  string
	}{
		{"missing description", map[string]interface{}{"campaignId": "camp-1", "alertType": "ip_anomaly"}, http.StatusBadRequest, "invalid_request"},
		{"unknown type", map[string]interface{}{"campaignId": "camp-1", "alertType": "ddos", "description": "x"}, http.StatusBadRequest, "validation_error"},
		{"severity out of range", map[string]interface{}{"campaignId": "camp-1", "alertType": "ip_anomaly", "description": "x", "severity": 12}, http.StatusBadRequest, "validation_error"},
		{"unknown campaign", map[string]interface{}{"campaignId": "camp-404", "alertType": "ip_anomaly", "description": "x"}, http.StatusNotFound, "not_found"},
		{"foreign campaign", map[string]interface{}{"campaignId": "camp-x", "alertType": "ip_anomaly", "description": "x"}, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(r, http.MethodPost, "/v1/fraud/alerts", "owner-1", tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
			assert.Equal(t, tc.err, decode(t, w)["error"])
		})
	}
}

func TestHandler_UpdateAlert(t *testing.T) {
	r, svc := setupTestRouter(t)
	a, err := svc.CreateAlert(context.Background(), "owner-1", manualAlert("camp-1", TypeClickVelocity))
	require.NoError(t, err)

	path := "/v1/fraud/alerts/" + a.ID

	w := doRequest(r, http.MethodPatch, path, "owner-2", map[string]string{"status": "resolved"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(r, http.MethodPatch, path, "owner-1", map[string]string{"status": "closed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodPatch, path, "owner-1", map[string]string{"status": "active"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(r, http.MethodPatch, path, "owner-1", map[string]string{"status": "false_positive", "notes": "known QA traffic"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	alert := decode(t, w)["alert"].(map[string]interface{})
	assert.Equal(t, "false_positive", alert["status"])
	assert.NotEmpty(t, alert["resolvedAt"])
	assert.Contains(t, alert["description"], "Notes: known QA traffic")

	w = doRequest(r, http.MethodPatch, path, "owner-1", map[string]string{"status": "resolved"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decode(t, w)["error"])

	w = doRequest(r, http.MethodPatch, "/v1/fraud/alerts/does-not-exist", "owner-1", map[string]string{"status": "resolved"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListAlerts(t *testing.T) {
	r, svc := setupTestRouter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.CreateAlert(ctx, "owner-1", manualAlert("camp-1", TypeIPAnomaly))
		require.NoError(t, err)
	}
	_, err := svc.CreateAlert(ctx, "owner-1", manualAlert("camp-2", TypeBotDetection))
	require.NoError(t, err)

	w := doRequest(r, http.MethodGet, "/v1/fraud/alerts?limit=2", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, true, body["hasMore"])
	cursor := body["nextCursor"].(string)
	require.NotEmpty(t, cursor)

	w = doRequest(r, http.MethodGet, "/v1/fraud/alerts?limit=2&cursor="+cursor, "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, false, body["hasMore"])

	w = doRequest(r, http.MethodGet, "/v1/fraud/alerts?type=bot_detection", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	for _, q := range []string{"status=closed", "type=ddos", "minSeverity=11", "since=yesterday", "cursor=%25%25"} {
		w = doRequest(r, http.MethodGet, "/v1/fraud/alerts?"+q, "owner-1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestHandler_Views(t *testing.T) {
	r, svc := setupTestRouter(t)
	ctx := context.Background()

	_, err := svc.CreateAlert(ctx, "owner-1", manualAlert("camp-1", TypeClickVelocity))
	require.NoError(t, err)
	require.NoError(t, svc.RecordScreening(ctx, &Screening{
		PredictionID: "p-1", CampaignID: "camp-1", BidPrice: decimal.NewFromFloat(3.1),
		Flagged: true, FraudType: TypeClickVelocity,
		DeviceType: "mobile", Browser: "Chrome", OS: "Android",
		Country: "US", Region: "CA", City: "San Jose",
	}))

	w := doRequest(r, http.MethodGet, "/v1/fraud/overview?days=7", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ov := decode(t, w)["overview"].(map[string]interface{})
	assert.Equal(t, float64(1), ov["totalAlerts"])
	assert.Equal(t, float64(1), ov["blockedBids"])
	assert.InDelta(t, 3.1, ov["amountSaved"], 1e-9)
	assert.Equal(t, float64(7), ov["windowDays"])

	w = doRequest(r, http.MethodGet, "/v1/fraud/overview?days=999", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(DefaultWindowDays), decode(t, w)["overview"].(map[string]interface{})["windowDays"])

	w = doRequest(r, http.MethodGet, "/v1/fraud/trends", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doRequest(r, http.MethodGet, "/v1/fraud/devices", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	devices := decode(t, w)["devices"].([]interface{})
	require.Len(t, devices, 1)
	assert.Equal(t, "mobile", devices[0].(map[string]interface{})["deviceType"])

	w = doRequest(r, http.MethodGet, "/v1/fraud/geo", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["locations"], 1)

	// A different owner sees nothing but still gets well-formed views.
	w = doRequest(r, http.MethodGet, "/v1/fraud/geo", "owner-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, decode(t, w)["locations"])
}
