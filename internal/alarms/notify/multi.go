package notify

import (
	"context"

	alarmapp "lift-monitor-cloud/internal/alarms/application"
	alarms "lift-monitor-cloud/internal/alarms/domain"
)

// MultiNotifier dispatches alarms to multiple notifiers.
type MultiNotifier struct {
	notifiers []alarmapp.Notifier
}

// NewMultiNotifier constructs a MultiNotifier.
func NewMultiNotifier(notifiers ...alarmapp.Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify forwards the alarm to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, account string, alarm alarms.Alarm) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		if notifier != nil {
			notifier.Notify(ctx, account, alarm)
		}
	}
}
