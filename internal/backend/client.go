package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"apqueue/internal"
	"apqueue/internal/config"
	"apqueue/internal/resilience"
	"apqueue/internal/settings"
)

const maxBodyBytes = 1 << 20

// SettingsSource yields the current runtime settings. The client reads them
// on every request so saved settings apply without a restart.
type SettingsSource interface {
	Current() settings.Settings
}

type Client struct {
	source     SettingsSource
	httpClient *http.Client
	limiter    *rate.Limiter
	exec       *resilience.Executor
	logger     *slog.Logger
}

func NewClient(cfg config.Config, source SettingsSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	rps := cfg.BackendRateLimitRPS
	if rps <= 0 {
		rps = 1
	}
	policy := resilience.SyncPolicy(cfg.SyncRetryMaxAttempts, cfg.SyncRetryInitialMs, cfg.SyncRetryMaxMs)
	return &Client{
		source:     source,
		httpClient: &http.Client{Timeout: cfg.BackendTimeout()},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		exec:       resilience.NewExecutor(policy, logger),
		logger:     logger,
	}
}

func (c *Client) ERPStatus(ctx context.Context) (ERPStatus, error) {
	s := c.source.Current()
	if err := requireOrg(s); err != nil {
		return ERPStatus{}, err
	}
	var out ERPStatus
	err := c.exec.Execute(ctx, "erp_status", func(ctx context.Context) error {
		return c.doJSON(ctx, "erp_status", http.MethodGet, "/erp/status/"+url.PathEscape(s.OrganizationID), nil, nil, &out)
	}, Classify)
	return out, err
}

func (c *Client) AgingSummary(ctx context.Context) (AgingSummary, error) {
	s := c.source.Current()
	if err := requireOrg(s); err != nil {
		return AgingSummary{}, err
	}
	query := url.Values{"organization_id": {s.OrganizationID}}
	var out AgingSummary
	err := c.exec.Execute(ctx, "aging_summary", func(ctx context.Context) error {
		return c.doJSON(ctx, "aging_summary", http.MethodGet, "/ap/aging/summary", query, nil, &out)
	}, Classify)
	return out, err
}

// ConnectERP starts the OAuth flow for erp and returns the authorization URL.
func (c *Client) ConnectERP(ctx context.Context, erp string) (string, error) {
	s := c.source.Current()
	if err := requireOrg(s); err != nil {
		return "", err
	}
	erp = strings.ToLower(strings.TrimSpace(erp))
	if erp == "" {
		return "", fmt.Errorf("%w: erp name is required", internal.ErrConfiguration)
	}
	var out struct {
		AuthURL string `json:"auth_url"`
	}
	body := map[string]string{"organization_id": s.OrganizationID}
	if err := c.doJSON(ctx, "erp_connect", http.MethodPost, "/erp/"+url.PathEscape(erp)+"/connect", nil, body, &out); err != nil {
		return "", err
	}
	if out.AuthURL == "" {
		return "", internal.WrapError(internal.ErrPermanentRequest, "erp_connect", errors.New("response has no auth_url"))
	}
	return out.AuthURL, nil
}

// WaitForERPConnection polls the ERP status until it reports erp connected or
// ctx ends.
func (c *Client) WaitForERPConnection(ctx context.Context, erp string, poll time.Duration) (ERPStatus, error) {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := c.ERPStatus(ctx)
		switch {
		case err == nil && status.Connected && (erp == "" || strings.EqualFold(status.ERP, erp)):
			return status, nil
		case err != nil && !Classify(err).Retryable:
			return status, err
		case err != nil:
			c.logger.Debug("erp status poll failed", "erp", erp, "error", err)
		}

		select {
		case <-ctx.Done():
			return ERPStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// errUndecodable marks a 2xx reply whose body is not the expected JSON.
var errUndecodable = errors.New("decode response")

// PushItem sends one queued item. It makes a single attempt; callers own
// the retry policy.
func (c *Client) PushItem(ctx context.Context, item internal.CandidateItem) (PushResult, error) {
	s := c.source.Current()
	if err := requireOrg(s); err != nil {
		return PushResult{}, err
	}
	var out PushResult
	err := c.doJSON(ctx, "push_item", http.MethodPost, "/extension/items", nil, newPushPayload(s.OrganizationID, s.UserEmail, item), &out)
	if errors.Is(err, errUndecodable) {
		// The backend accepted the item; only its reply is unreadable.
		c.logger.Warn("push accepted with unreadable reply", "id", item.ID, "error", err)
		return PushResult{}, nil
	}
	return out, err
}

// ItemStatuses returns the backend's view of ids. Unknown ids are omitted.
func (c *Client) ItemStatuses(ctx context.Context, ids []string) ([]RemoteItem, error) {
	s := c.source.Current()
	if err := requireOrg(s); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	query := url.Values{
		"organization_id": {s.OrganizationID},
		"ids":             {strings.Join(ids, ",")},
	}
	var out struct {
		Items []RemoteItem `json:"items"`
	}
	err := c.exec.Execute(ctx, "item_statuses", func(ctx context.Context) error {
		return c.doJSON(ctx, "item_statuses", http.MethodGet, "/extension/items/status", query, nil, &out)
	}, Classify)
	return out.Items, err
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, payload, target any) error {
	endpoint := strings.TrimRight(c.source.Current().BackendURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(blob)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return internal.WrapError(internal.ErrConfiguration, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return internal.WrapError(internal.ErrTransientNetwork, op, err)
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return internal.WrapError(internal.ErrTransientNetwork, op, err)
	}
	c.logger.Debug("backend request", "operation", op, "method", method, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp, blob)
	}
	if target == nil || len(bytes.TrimSpace(blob)) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, target); err != nil {
		return internal.WrapError(internal.ErrPermanentRequest, op, fmt.Errorf("%w: %w", errUndecodable, err))
	}
	return nil
}

func requireOrg(s settings.Settings) error {
	if strings.TrimSpace(s.OrganizationID) == "" {
		return fmt.Errorf("%w: organization id is not configured", internal.ErrConfiguration)
	}
	return nil
}
