package realtimerest

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/tj/assert"

	flowdeckcli "github.com/flowdeck/flowdeck-realtime/flowdeck-cli"
)

func TestHealth(t *testing.T) {
	service := flowdeckcli.Service{Name: "realtime", Version: "test"}
	handler := Health(service, func() int { return 3 })

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, 200, w.Code)
	var body map[string]any
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "realtime", body["service"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, float64(3), body["connections"])
}
