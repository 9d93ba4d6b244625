package settings

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqueue/internal"
	"apqueue/internal/config"
)

func ptr(v float64) *float64 { return &v }

func TestNormalizeBackendURL(t *testing.T) {
	cases := map[string]string{
		"":                                 DefaultBackendURL,
		"   ":                              DefaultBackendURL,
		"localhost":                        "http://127.0.0.1:8000",
		"http://localhost:9000/v1/":        "http://127.0.0.1:9000",
		"0.0.0.0":                          "http://127.0.0.1:8000",
		" https://api.example.com/v1 ":     "https://api.example.com:8000",
		"api.example.com/":                 "http://api.example.com:8000",
		"https://api.example.com:8443/ap/": "https://api.example.com:8443/ap",
		"http://127.0.0.1:8000?debug=1#x":  "http://127.0.0.1:8000",
		"http://[::1]/v1":                  "http://[::1]:8000",
		"HTTP://LOCALHOST":                 "http://127.0.0.1:8000",
		"ftp://files.example.com":          DefaultBackendURL,
		"http://bad host":                  DefaultBackendURL,
		"http://:8080":                     DefaultBackendURL,
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeBackendURL(input), "input %q", input)
	}
}

func TestResolveSubstitutesDefaults(t *testing.T) {
	s := Resolve(Raw{
		OrganizationID:         "  org-1 ",
		ConfidenceThreshold:    ptr(1.5),
		AmountAnomalyThreshold: ptr(math.NaN()),
	})
	assert.Equal(t, DefaultBackendURL, s.BackendURL)
	assert.Equal(t, "org-1", s.OrganizationID)
	assert.Equal(t, DefaultConfidenceThreshold, s.ConfidenceThreshold)
	assert.Equal(t, DefaultAmountAnomalyThreshold, s.AmountAnomalyThreshold)
	assert.Equal(t, "extension", s.Actor())

	s = Resolve(Raw{ConfidenceThreshold: ptr(0), AmountAnomalyThreshold: ptr(5), UserEmail: "ap@acme.com"})
	assert.Equal(t, 0.0, s.ConfidenceThreshold)
	assert.Equal(t, 5.0, s.AmountAnomalyThreshold)
	assert.Equal(t, "ap@acme.com", s.Actor())
}

func TestValidate(t *testing.T) {
	result := Validate(Raw{ConfidenceThreshold: ptr(-0.1), AmountAnomalyThreshold: ptr(6)})
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 5)
	assert.Len(t, result.Warnings, 1)
	assert.ErrorIs(t, result.Err(), internal.ErrConfiguration)

	result = Validate(Raw{
		BackendURL:     "localhost:8000",
		OrganizationID: "org-1",
		SlackChannel:   "#ap-approvals",
	})
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.Warnings, 1)
	assert.NoError(t, result.Err())
	assert.Equal(t, "http://127.0.0.1:8000", result.Settings.BackendURL)
}

func TestFromConfig(t *testing.T) {
	raw := FromConfig(config.Config{BackendURL: "x", ConfidenceThreshold: -1, AmountAnomalyThreshold: 2})
	assert.Nil(t, raw.ConfidenceThreshold)
	require.NotNil(t, raw.AmountAnomalyThreshold)
	assert.Equal(t, 2.0, *raw.AmountAnomalyThreshold)
}
