package sidebar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"apqueue/internal"
	"apqueue/internal/backend"
	"apqueue/internal/events"
	"apqueue/internal/export"
	"apqueue/internal/queue"
	"apqueue/internal/scanner"
	"apqueue/internal/settings"
)

const defaultHistoryLimit = 50

type Bus interface {
	Subscribe(listener events.Listener, types ...events.Type) func()
	Publish(events.Event)
}

type Store interface {
	Add(item internal.CandidateItem) (internal.CandidateItem, error)
	Get(id string) (internal.CandidateItem, bool)
	List() []internal.CandidateItem
	UpdateStatus(id string, status internal.Status, extra *queue.Extra) (bool, error)
	Fix(id string, fields internal.DetectedFields, note string) (bool, error)
	Remove(id string) (bool, error)
	Clear() error
	Activity(limit int) []internal.ActivityEntry
}

type Pusher interface {
	Push(item internal.CandidateItem) bool
}

type Scanner interface {
	RequestScan(ctx context.Context) (scanner.BatchResult, error)
}

type Backend interface {
	ERPStatus(ctx context.Context) (backend.ERPStatus, error)
	AgingSummary(ctx context.Context) (backend.AgingSummary, error)
	ConnectERP(ctx context.Context, erp string) (string, error)
	WaitForERPConnection(ctx context.Context, erp string, poll time.Duration) (backend.ERPStatus, error)
}

type SettingsStore interface {
	Current() settings.Settings
	Save(raw settings.Raw) (settings.ValidationResult, error)
}

type VendorLister interface {
	List() []internal.VendorConfig
}

type Deps struct {
	Bus      Bus
	Store    Store
	Pusher   Pusher
	Scanner  Scanner
	Backend  Backend
	Settings SettingsStore
	Vendors  VendorLister
}

type Options struct {
	ERPConnectTimeout time.Duration
	ERPPollInterval   time.Duration
	RequestTimeout    time.Duration
}

// Controller answers presentation-layer requests published on the bus.
// Local operations reply synchronously; backend calls run in the background
// and reply when they finish. Failures are reported as notifications.
type Controller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	unsub func()
}

func NewController(deps Deps, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ERPConnectTimeout <= 0 {
		opts.ERPConnectTimeout = 5 * time.Minute
	}
	if opts.ERPPollInterval <= 0 {
		opts.ERPPollInterval = 2 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Controller{deps: deps, opts: opts, logger: logger, base: base, cancel: cancel}
}

var requestTypes = []events.Type{
	events.ScanInbox, events.QueueEmail, events.ApproveInvoice, events.RejectInvoice,
	events.BulkApprove, events.BulkReject, events.RetryInvoice, events.MarkPaid,
	events.FixInvoice, events.DismissItem, events.ExportCSV, events.ClearData,
	events.GetPipeline, events.GetVendors, events.GetAnalytics, events.GetHistory,
	events.GetERPStatus, events.GetAging, events.ConnectERP, events.SaveSettings,
}

// Start subscribes the controller to every request type.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsub != nil {
		return
	}
	c.unsub = c.deps.Bus.Subscribe(c.Handle, requestTypes...)
}

// Close unsubscribes, cancels background requests and waits for them.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// Wait blocks until background requests have replied.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) Handle(evt events.Event) {
	switch evt.Type {
	case events.ScanInbox:
		c.scan()
	case events.QueueEmail:
		c.queueEmail(evt)
	case events.ApproveInvoice:
		c.transition(evt.ItemID, internal.StatusApproved, evt.Payload)
	case events.RejectInvoice:
		c.transition(evt.ItemID, internal.StatusRejected, evt.Payload)
	case events.BulkApprove:
		c.bulk(evt, internal.StatusApproved)
	case events.BulkReject:
		c.bulk(evt, internal.StatusRejected)
	case events.RetryInvoice:
		c.retry(evt.ItemID)
	case events.MarkPaid:
		c.transition(evt.ItemID, internal.StatusPaid, evt.Payload)
	case events.FixInvoice:
		c.fix(evt)
	case events.DismissItem:
		c.dismiss(evt.ItemID)
	case events.ExportCSV:
		c.exportCSV()
	case events.ClearData:
		c.clear()
	case events.GetPipeline:
		c.reply(events.PipelineData, nil)
	case events.GetVendors:
		c.vendors()
	case events.GetAnalytics:
		c.reply(events.AnalyticsData, ComputeAnalytics(c.deps.Store.List()))
	case events.GetHistory:
		c.history(evt)
	case events.GetERPStatus:
		c.erpStatus()
	case events.GetAging:
		c.aging()
	case events.ConnectERP:
		c.connectERP(evt)
	case events.SaveSettings:
		c.saveSettings(evt)
	default:
		c.logger.Debug("ignored event", "type", string(evt.Type))
	}
}

func (c *Controller) reply(t events.Type, payload any) {
	c.deps.Bus.Publish(events.Event{Type: t, Snapshot: c.deps.Store.List(), Payload: payload})
}

func (c *Controller) notify(level, message string) {
	c.deps.Bus.Publish(events.Event{Type: events.Notification, Payload: events.Notice{Level: level, Message: message}})
}

func (c *Controller) background(name string, fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("background request panicked", "request", name, "panic", r)
			}
		}()
		fn(c.base)
	}()
}

func (c *Controller) push(id string) {
	if c.deps.Pusher == nil {
		return
	}
	if item, ok := c.deps.Store.Get(id); ok {
		c.deps.Pusher.Push(item)
	}
}

func (c *Controller) scan() {
	if c.deps.Scanner == nil {
		c.notify("warning", "No mailbox is configured for scanning.")
		return
	}
	c.background("scan", func(ctx context.Context) {
		result, err := c.deps.Scanner.RequestScan(ctx)
		switch {
		case errors.Is(err, scanner.ErrScanCooldown), errors.Is(err, scanner.ErrScanRunning):
			c.logger.Debug("scan request dropped", "reason", err)
		case err != nil:
			c.notify("error", "Inbox scan failed: "+err.Error())
		default:
			c.notify("info", fmt.Sprintf("Scan finished: %d queued, %d discarded.", result.Queued, result.Discarded))
		}
	})
}

func (c *Controller) queueEmail(evt events.Event) {
	raw, ok := decode[map[string]any](evt.Payload)
	if !ok {
		c.notify("error", "Could not read the email to queue.")
		return
	}
	item, err := queue.Canonicalize(raw)
	if err != nil {
		c.notify("error", "Could not queue email: "+err.Error())
		return
	}
	item.Source = internal.SourceManual
	item.Status = internal.StatusPending
	added, err := c.deps.Store.Add(item)
	if err != nil {
		c.logger.Error("queue email failed", "id", item.ID, "error", err)
		c.notify("error", "Could not save the queued email.")
		return
	}
	if c.deps.Pusher != nil {
		c.deps.Pusher.Push(added)
	}
}

func (c *Controller) actor() string {
	if c.deps.Settings == nil {
		return "extension"
	}
	return c.deps.Settings.Current().Actor()
}

// transition applies one status change and reports whether it happened.
func (c *Controller) transition(id string, status internal.Status, payload any) bool {
	action, _ := decode[ActionPayload](payload)
	extra := &queue.Extra{Fields: action.Fields, Note: action.Note, Actor: c.actor()}
	if status == internal.StatusRejected && action.Reason != "" {
		extra.Note = action.Reason
	}

	changed, err := c.deps.Store.UpdateStatus(id, status, extra)
	switch {
	case errors.Is(err, internal.ErrInvalidTransition):
		c.notify("warning", fmt.Sprintf("Cannot move %s to %s.", id, status))
		return false
	case err != nil:
		c.logger.Error("persist status change failed", "id", id, "status", string(status), "error", err)
		c.notify("error", "The change was applied but could not be saved.")
	}
	if changed {
		c.push(id)
	}
	return changed
}

func (c *Controller) bulk(evt events.Event, status internal.Status) {
	ids := evt.ItemIDs
	if len(ids) == 0 && evt.ItemID != "" {
		ids = []string{evt.ItemID}
	}
	changed := 0
	for _, id := range ids {
		if c.transition(id, status, evt.Payload) {
			changed++
		}
	}
	if len(ids) > 0 {
		c.notify("info", fmt.Sprintf("%d of %d items moved to %s.", changed, len(ids), status))
	}
}

// retry sends an errored item back to pending, or restores a rejected one.
func (c *Controller) retry(id string) {
	item, ok := c.deps.Store.Get(id)
	if !ok {
		return
	}
	if item.Status != internal.StatusError && item.Status != internal.StatusRejected {
		c.notify("warning", fmt.Sprintf("%s is %s and has nothing to retry.", id, item.Status))
		return
	}
	c.transition(id, internal.StatusPending, nil)
}

func (c *Controller) fix(evt events.Event) {
	action, ok := decode[ActionPayload](evt.Payload)
	if !ok || action.Fields == nil {
		c.notify("error", "No corrections were provided.")
		return
	}
	changed, err := c.deps.Store.Fix(evt.ItemID, *action.Fields, action.Note)
	if err != nil {
		c.logger.Error("persist fix failed", "id", evt.ItemID, "error", err)
	}
	if changed {
		c.push(evt.ItemID)
	}
}

func (c *Controller) dismiss(id string) {
	if _, err := c.deps.Store.Remove(id); err != nil {
		c.logger.Error("persist removal failed", "id", id, "error", err)
	}
}

func (c *Controller) exportCSV() {
	items := c.deps.Store.List()
	content, err := export.CSV(items)
	if err != nil {
		c.notify("error", "Export failed: "+err.Error())
		return
	}
	c.reply(events.ExportData, ExportPayload{
		Filename: fmt.Sprintf("ap-queue-%s.csv", time.Now().UTC().Format("2006-01-02")),
		Content:  content,
		Rows:     len(items),
	})
}

func (c *Controller) clear() {
	if err := c.deps.Store.Clear(); err != nil {
		c.logger.Error("clear data failed", "error", err)
		c.notify("error", "Could not clear local data.")
		return
	}
	c.notify("info", "Local data cleared.")
}

func (c *Controller) vendors() {
	var list []internal.VendorConfig
	if c.deps.Vendors != nil {
		list = c.deps.Vendors.List()
	}
	c.reply(events.VendorsData, list)
}

func (c *Controller) history(evt events.Event) {
	limit := defaultHistoryLimit
	if req, ok := decode[HistoryRequest](evt.Payload); ok && req.Limit > 0 {
		limit = req.Limit
	}
	c.deps.Bus.Publish(events.Event{Type: events.HistoryData, Payload: c.deps.Store.Activity(limit)})
}

func (c *Controller) backendMissing() bool {
	if c.deps.Backend != nil {
		return false
	}
	c.notify("warning", "Backend is not configured.")
	return true
}

func (c *Controller) erpStatus() {
	if c.backendMissing() {
		return
	}
	c.background("erp-status", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
		status, err := c.deps.Backend.ERPStatus(ctx)
		if err != nil {
			c.notify("error", "Could not load ERP status: "+backend.Reason(err))
			return
		}
		c.deps.Bus.Publish(events.Event{Type: events.ERPStatus, Payload: status})
	})
}

func (c *Controller) aging() {
	if c.backendMissing() {
		return
	}
	c.background("aging", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
		summary, err := c.deps.Backend.AgingSummary(ctx)
		if err != nil {
			c.notify("error", "Could not load the aging summary: "+backend.Reason(err))
			return
		}
		c.deps.Bus.Publish(events.Event{Type: events.AgingData, Payload: summary})
	})
}

// connectERP publishes the authorization URL, then waits a bounded time for
// the backend to report the ERP connected.
func (c *Controller) connectERP(evt events.Event) {
	if c.backendMissing() {
		return
	}
	req, _ := decode[ConnectRequest](evt.Payload)
	c.background("connect-erp", func(ctx context.Context) {
		startCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		authURL, err := c.deps.Backend.ConnectERP(startCtx, req.ERP)
		cancel()
		if err != nil {
			c.notify("error", "Could not start the ERP connection: "+backend.Reason(err))
			return
		}
		c.deps.Bus.Publish(events.Event{Type: events.ERPConnectURL, Payload: ConnectURLPayload{ERP: req.ERP, AuthURL: authURL}})

		waitCtx, cancel := context.WithTimeout(ctx, c.opts.ERPConnectTimeout)
		defer cancel()
		status, err := c.deps.Backend.WaitForERPConnection(waitCtx, req.ERP, c.opts.ERPPollInterval)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.notify("warning", "ERP connection was not completed in time.")
			} else if !errors.Is(err, context.Canceled) {
				c.notify("error", "ERP connection failed: "+backend.Reason(err))
			}
			return
		}
		c.deps.Bus.Publish(events.Event{Type: events.ERPStatus, Payload: status})
		c.notify("info", fmt.Sprintf("%s connected.", status.ERP))
	})
}

func (c *Controller) saveSettings(evt events.Event) {
	if c.deps.Settings == nil {
		return
	}
	raw, ok := decode[settings.Raw](evt.Payload)
	if !ok {
		c.notify("error", "Could not read the settings.")
		return
	}
	result, err := c.deps.Settings.Save(raw)
	c.deps.Bus.Publish(events.Event{Type: events.SettingsData, Payload: result})
	switch {
	case !result.Valid:
		c.notify("error", result.Err().Error())
	case err != nil:
		c.logger.Error("save settings failed", "error", err)
		c.notify("error", "Settings are valid but could not be saved.")
	}
}
