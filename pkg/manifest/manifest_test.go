package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute_JSONFlattensMetadata(t *testing.T) {
	r := Route{
		Method:   "GET",
		URI:      "/api/orders/{id}",
		Name:     "orders.show",
		Metadata: map[string]any{"permission": "orders.read", "method": "POST"},
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"GET","uri":"/api/orders/{id}","name":"orders.show","permission":"orders.read"}`, string(data))

	var back Route
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "GET", back.Method)
	assert.Equal(t, "/api/orders/{id}", back.URI)
	assert.Equal(t, "orders.show", back.Name)
	assert.Equal(t, map[string]any{"permission": "orders.read"}, back.Metadata)
}

func TestRoute_JSONOmitsEmptyName(t *testing.T) {
	data, err := json.Marshal(Route{Method: "POST", URI: "/api/orders", Metadata: map[string]any{"name": "leak"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"POST","uri":"/api/orders"}`, string(data))
}

func TestRoute_UnmarshalRejectsNonStringFields(t *testing.T) {
	var r Route
	assert.Error(t, json.Unmarshal([]byte(`{"method":1,"uri":"/x"}`), &r))
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &r))

	require.NoError(t, json.Unmarshal([]byte(`{"method":"GET","uri":"/x","name":null}`), &r))
	assert.Empty(t, r.Name)
	assert.Nil(t, r.Metadata)
}

func TestManifest_JSON(t *testing.T) {
	m := Manifest{
		Service:   "oms",
		Routes:    []Route{{Method: "GET", URI: "/api/orders"}},
		Timestamp: "2024-01-01T00:00:00Z",
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"service":"oms","routes":[{"method":"GET","uri":"/api/orders"}],"timestamp":"2024-01-01T00:00:00Z"}`, string(data))

	var back Manifest
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m, back)
	assert.Equal(t, "GET /api/orders", back.Routes[0].Key())
}
