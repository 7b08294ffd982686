package notify

import (
	"context"
	"log"

	alarmapp "lift-monitor-cloud/internal/alarms/application"
	alarms "lift-monitor-cloud/internal/alarms/domain"
	"lift-monitor-cloud/internal/observability/metrics"
)

// AlarmCreator pushes an alarm to the platform's alarm endpoint.
type AlarmCreator interface {
	CreateAlarm(ctx context.Context, account, deviceName, alarmType string, severity string, details map[string]any, tsMs int64) error
}

// PlatformNotifier delivers alarms to the platform. Delivery failures are
// logged and dropped; alarm creation is best effort and never blocks the
// evaluation pipeline.
type PlatformNotifier struct {
	creator AlarmCreator
	logger  *log.Logger
}

// NewPlatformNotifier constructs a platform notifier.
func NewPlatformNotifier(creator AlarmCreator, logger *log.Logger) *PlatformNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &PlatformNotifier{creator: creator, logger: logger}
}

// Notify creates the alarm on the platform.
func (n *PlatformNotifier) Notify(ctx context.Context, account string, alarm alarms.Alarm) {
	if n == nil || n.creator == nil {
		return
	}
	metrics.IncAlarmTriggered(alarm.Type, string(alarm.Severity))
	err := n.creator.CreateAlarm(ctx, account, alarm.DeviceName, alarm.Type, string(alarm.Severity), alarm.Details, alarm.TimestampMs)
	if err != nil {
		n.logger.Printf("notify: alarm create failed for %s@%s type=%s: %v", alarm.DeviceName, account, alarm.Type, err)
		return
	}
	n.logger.Printf("notify: alarm created device=%s type=%s severity=%s", alarm.DeviceName, alarm.Type, alarm.Severity)
}

var _ alarmapp.Notifier = (*PlatformNotifier)(nil)
