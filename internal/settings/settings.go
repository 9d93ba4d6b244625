package settings

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"

	"apqueue/internal"
	"apqueue/internal/config"
)

const (
	DefaultBackendURL             = "http://127.0.0.1:8000"
	DefaultConfidenceThreshold    = 0.95
	DefaultAmountAnomalyThreshold = 0.5
	defaultBackendPort            = "8000"
)

// Raw is the user-editable form of the settings, as persisted. Thresholds are
// pointers so that "unset" and zero can be told apart.
type Raw struct {
	BackendURL             string   `json:"backendUrl,omitempty"`
	OrganizationID         string   `json:"organizationId,omitempty"`
	UserEmail              string   `json:"userEmail,omitempty"`
	SlackChannel           string   `json:"slackChannel,omitempty"`
	ConfidenceThreshold    *float64 `json:"confidenceThreshold,omitempty"`
	AmountAnomalyThreshold *float64 `json:"amountAnomalyThreshold,omitempty"`
}

type Settings struct {
	BackendURL             string  `json:"backendUrl"`
	OrganizationID         string  `json:"organizationId"`
	UserEmail              string  `json:"userEmail"`
	SlackChannel           string  `json:"slackChannel"`
	ConfidenceThreshold    float64 `json:"confidenceThreshold"`
	AmountAnomalyThreshold float64 `json:"amountAnomalyThreshold"`
}

// Actor is the identity attached to user actions.
func (s Settings) Actor() string {
	if s.UserEmail != "" {
		return s.UserEmail
	}
	return "extension"
}

type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Settings Settings `json:"settings"`
}

func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", internal.ErrConfiguration, strings.Join(r.Errors, "; "))
}

// FromConfig seeds raw settings from process configuration.
func FromConfig(cfg config.Config) Raw {
	raw := Raw{
		BackendURL:     cfg.BackendURL,
		OrganizationID: cfg.OrganizationID,
		UserEmail:      cfg.UserEmail,
		SlackChannel:   cfg.SlackChannel,
	}
	if cfg.ConfidenceThreshold >= 0 {
		v := cfg.ConfidenceThreshold
		raw.ConfidenceThreshold = &v
	}
	if cfg.AmountAnomalyThreshold >= 0 {
		v := cfg.AmountAnomalyThreshold
		raw.AmountAnomalyThreshold = &v
	}
	return raw
}

// Resolve always returns usable settings: invalid or missing values are
// replaced by defaults.
func Resolve(raw Raw) Settings {
	return Settings{
		BackendURL:             NormalizeBackendURL(raw.BackendURL),
		OrganizationID:         strings.TrimSpace(raw.OrganizationID),
		UserEmail:              strings.TrimSpace(raw.UserEmail),
		SlackChannel:           strings.TrimSpace(raw.SlackChannel),
		ConfidenceThreshold:    threshold(raw.ConfidenceThreshold, 1, DefaultConfidenceThreshold),
		AmountAnomalyThreshold: threshold(raw.AmountAnomalyThreshold, 5, DefaultAmountAnomalyThreshold),
	}
}

func threshold(v *float64, max, fallback float64) float64 {
	if v == nil || !inRange(*v, max) {
		return fallback
	}
	return *v
}

func inRange(v, max float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= max
}

func Validate(raw Raw) ValidationResult {
	result := ValidationResult{Settings: Resolve(raw)}

	if strings.TrimSpace(raw.BackendURL) == "" {
		result.Errors = append(result.Errors, "backend URL is required")
	}
	if strings.TrimSpace(raw.OrganizationID) == "" {
		result.Errors = append(result.Errors, "organization id is required")
	}
	if strings.TrimSpace(raw.SlackChannel) == "" {
		result.Errors = append(result.Errors, "Slack channel is required")
	}
	if raw.ConfidenceThreshold != nil && !inRange(*raw.ConfidenceThreshold, 1) {
		result.Errors = append(result.Errors, fmt.Sprintf("confidence threshold %v must be between 0 and 1", *raw.ConfidenceThreshold))
	}
	if raw.AmountAnomalyThreshold != nil && !inRange(*raw.AmountAnomalyThreshold, 5) {
		result.Errors = append(result.Errors, fmt.Sprintf("amount anomaly threshold %v must be between 0 and 5", *raw.AmountAnomalyThreshold))
	}
	if strings.TrimSpace(raw.UserEmail) == "" {
		result.Warnings = append(result.Warnings, "no user email configured; actions will be attributed to the extension")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// NormalizeBackendURL canonicalizes a user-supplied backend address. Any
// input that cannot be parsed yields DefaultBackendURL.
func NormalizeBackendURL(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return DefaultBackendURL
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return DefaultBackendURL
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return DefaultBackendURL
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	port := u.Port()
	if port == "" {
		port = defaultBackendPort
	}

	path := strings.TrimRight(u.Path, "/")
	for strings.HasSuffix(strings.ToLower(path), "/v1") {
		path = strings.TrimRight(path[:len(path)-3], "/")
	}

	return scheme + "://" + net.JoinHostPort(host, port) + path
}
