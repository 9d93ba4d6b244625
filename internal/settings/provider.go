package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"apqueue/internal/storage"
)

type KV interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// Provider holds the process-wide settings. Readers always observe a complete
// Settings value; Save swaps it wholesale.
type Provider struct {
	kv      KV
	seed    Raw
	logger  *slog.Logger
	raw     atomic.Pointer[Raw]
	current atomic.Pointer[Settings]
}

func NewProvider(kv KV, seed Raw, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{kv: kv, seed: seed, logger: logger}
	p.swap(seed)
	return p
}

// Load reads persisted settings, falling back to the seed when none are
// stored or the stored value is malformed.
func (p *Provider) Load() (Settings, error) {
	raw := p.seed
	value, ok, err := p.kv.Get(storage.KeySettings)
	if err != nil {
		return p.Current(), fmt.Errorf("load settings: %w", err)
	}
	if ok {
		var stored Raw
		if err := json.Unmarshal(value, &stored); err != nil {
			p.logger.Warn("ignoring malformed stored settings", "error", err)
		} else {
			raw = mergeSeed(stored, p.seed)
		}
	}
	return p.swap(raw), nil
}

// Save validates raw and, when valid, persists it and makes it current.
func (p *Provider) Save(raw Raw) (ValidationResult, error) {
	result := Validate(raw)
	if !result.Valid {
		return result, result.Err()
	}
	value, err := json.Marshal(raw)
	if err != nil {
		return result, err
	}
	if err := p.kv.Put(storage.KeySettings, value); err != nil {
		return result, fmt.Errorf("save settings: %w", err)
	}
	p.swap(raw)
	for _, warning := range result.Warnings {
		p.logger.Warn("settings saved with warning", "warning", warning)
	}
	p.logger.Info("settings updated", "backend_url", result.Settings.BackendURL, "organization_id", result.Settings.OrganizationID)
	return result, nil
}

func (p *Provider) Current() Settings {
	return *p.current.Load()
}

func (p *Provider) Raw() Raw {
	return *p.raw.Load()
}

func (p *Provider) Validate() ValidationResult {
	return Validate(p.Raw())
}

func (p *Provider) swap(raw Raw) Settings {
	resolved := Resolve(raw)
	p.raw.Store(&raw)
	p.current.Store(&resolved)
	return resolved
}

func mergeSeed(stored, seed Raw) Raw {
	if stored.BackendURL == "" {
		stored.BackendURL = seed.BackendURL
	}
	if stored.OrganizationID == "" {
		stored.OrganizationID = seed.OrganizationID
	}
	if stored.UserEmail == "" {
		stored.UserEmail = seed.UserEmail
	}
	if stored.SlackChannel == "" {
		stored.SlackChannel = seed.SlackChannel
	}
	if stored.ConfidenceThreshold == nil {
		stored.ConfidenceThreshold = seed.ConfidenceThreshold
	}
	if stored.AmountAnomalyThreshold == nil {
		stored.AmountAnomalyThreshold = seed.AmountAnomalyThreshold
	}
	return stored
}
