package events

import (
	"time"

	"apqueue/internal"
)

type Type string

// Store lifecycle notifications.
const (
	ItemAdded     Type = "item-added"
	StatusChanged Type = "status-changed"
	ItemUpdated   Type = "item-updated"
	ItemRemoved   Type = "item-removed"
	BatchComplete Type = "batch-complete"
	DataCleared   Type = "data-cleared"
	SyncError     Type = "sync-error"
	Notification  Type = "notification"
)

// Requests published by the presentation layer.
const (
	ScanInbox      Type = "scan-inbox"
	QueueEmail     Type = "queue-email"
	ApproveInvoice Type = "approve-invoice"
	RejectInvoice  Type = "reject-invoice"
	BulkApprove    Type = "bulk-approve"
	BulkReject     Type = "bulk-reject"
	RetryInvoice   Type = "retry-invoice"
	MarkPaid       Type = "mark-paid"
	FixInvoice     Type = "fix-invoice"
	DismissItem    Type = "dismiss-item"
	ExportCSV      Type = "export-csv"
	ClearData      Type = "clear-data"
	GetPipeline    Type = "get-pipeline"
	GetVendors     Type = "get-vendors"
	GetAnalytics   Type = "get-analytics"
	GetHistory     Type = "get-history"
	GetERPStatus   Type = "get-erp-status"
	GetAging       Type = "get-aging"
	ConnectERP     Type = "connect-erp"
	SaveSettings   Type = "save-settings"
)

// Data responses consumed by the presentation layer.
const (
	PipelineData  Type = "pipeline-data"
	VendorsData   Type = "vendors-data"
	AnalyticsData Type = "analytics-data"
	HistoryData   Type = "history-data"
	ERPStatus     Type = "erp-status"
	AgingData     Type = "aging-data"
	ExportData    Type = "export-data"
	SettingsData  Type = "settings-data"
	ERPConnectURL Type = "erp-connect-url"
)

type Event struct {
	Type     Type                     `json:"type"`
	ItemID   string                   `json:"itemId,omitempty"`
	ItemIDs  []string                 `json:"itemIds,omitempty"`
	Item     *internal.CandidateItem  `json:"item,omitempty"`
	Snapshot []internal.CandidateItem `json:"snapshot,omitempty"`
	Payload  any                      `json:"payload,omitempty"`
	At       time.Time                `json:"at"`
}

// Notice is the payload of Notification and SyncError events.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
