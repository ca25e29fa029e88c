package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/api/status":              "/api/status",
		"/api/block":               "/api/block",
		"/api/context/did:plc:abc": "/api/context/:did",
		"/api/context/":            "/api/context/",
		"/metrics":                 "/metrics",
	}

	for in, want := range cases {
		assert.Equal(t, want, NormalizePath(in), in)
	}
}
