package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPattern_Match(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		ok      bool
		params  map[string]string
	}{
		{"/api/products/{id}", "/api/products/42", true, map[string]string{"id": "42"}},
		{"/api/products/{id}", "api/products/42", true, map[string]string{"id": "42"}},
		{"api/products/{id}", "/api/products/42", true, map[string]string{"id": "42"}},
		{"/api/products/{id}", "/api/products/42/reviews", false, nil},
		{"/api/products/{id}", "/api/products/", false, nil},
		{"/api/products/{id}", "/api/products", false, nil},
		{"/api/products", "/api/products", true, map[string]string{}},
		{"/api/products", "/api/Products", false, nil},
		{"/api/{shop}/items/{item}", "/api/s1/items/i9", true, map[string]string{"shop": "s1", "item": "i9"}},
		{"/files/{name}.{ext}", "/files/report.final.pdf", true, map[string]string{"name": "report.final", "ext": "pdf"}},
		{"/files/v{version}", "/files/v2", true, map[string]string{"version": "2"}},
		{"/files/v{version}", "/files/v", false, nil},
		{"/users/{id?}", "/users/7", true, map[string]string{"id": "7"}},
		{"/a.b/{x}", "/aXb/1", false, nil},
		{"/weird/{}", "/weird/{}", true, map[string]string{}},
		{"/", "/", true, map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.path, func(t *testing.T) {
			params, ok := ParsePattern(tt.pattern).Match(tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.params, params)
			}
		})
	}
}

func TestPattern_ExpandAndParams(t *testing.T) {
	p := ParsePattern("api/{shop}/items/{item}")
	assert.Equal(t, "/api/{shop}/items/{item}", p.String())
	assert.Equal(t, []string{"shop", "item"}, p.Params())

	assert.Equal(t, "/api/s1/items/i9", p.Expand(map[string]string{"shop": "s1", "item": "i9"}))
	assert.Equal(t, "/api/s1/items/{item}", p.Expand(map[string]string{"shop": "s1"}))
	assert.Equal(t, "/", ParsePattern("/").Expand(nil))
}
