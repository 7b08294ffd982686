package notify

import (
	"context"
	"encoding/json"
	"log"

	alarms "lift-monitor-cloud/internal/alarms/domain"
	"lift-monitor-cloud/internal/audit"
)

// AuditNotifier records every triggered alarm in the audit log.
type AuditNotifier struct {
	sink   audit.Logger
	logger *log.Logger
}

// NewAuditNotifier constructs an audit notifier. A nil sink disables it.
func NewAuditNotifier(sink audit.Logger, logger *log.Logger) *AuditNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &AuditNotifier{sink: sink, logger: logger}
}

// Notify writes the alarm to the audit trail; failures never block the
// alarm path.
func (n *AuditNotifier) Notify(ctx context.Context, account string, alarm alarms.Alarm) {
	if n == nil || n.sink == nil {
		return
	}
	metadata, _ := json.Marshal(alarm.Details)
	entry := audit.Entry{
		Account:    account,
		DeviceName: alarm.DeviceName,
		Action:     "alarm.triggered",
		AlarmType:  alarm.Type,
		Severity:   string(alarm.Severity),
		Metadata:   metadata,
	}
	if err := n.sink.Log(ctx, entry); err != nil {
		n.logger.Printf("notify: audit write failed: %v", err)
	}
}
