package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	alarms "lift-monitor-cloud/internal/alarms/domain"
)

type stubCreator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubCreator) CreateAlarm(ctx context.Context, account, deviceName, alarmType string, severity string, details map[string]any, tsMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, account+"/"+deviceName+"/"+alarmType)
	return s.err
}

func testAlarm() alarms.Alarm {
	return alarms.Alarm{
		DeviceName:  "lift-1",
		Type:        "Humidity Alarm",
		Severity:    alarms.SeverityWarning,
		TimestampMs: 1700000000000,
		Details:     map[string]any{"value": 61.0},
	}
}

func TestPlatformNotifier_CreatesAlarm(t *testing.T) {
	creator := &stubCreator{}
	notifier := NewPlatformNotifier(creator, nil)

	notifier.Notify(context.Background(), "acct", testAlarm())
	if len(creator.calls) != 1 || creator.calls[0] != "acct/lift-1/Humidity Alarm" {
		t.Fatalf("unexpected calls: %v", creator.calls)
	}
}

func TestPlatformNotifier_FailureIsSwallowed(t *testing.T) {
	creator := &stubCreator{err: errors.New("platform down")}
	notifier := NewPlatformNotifier(creator, nil)
	// Must not panic or propagate.
	notifier.Notify(context.Background(), "acct", testAlarm())
}

func TestWebhookNotifier_PostsPayload(t *testing.T) {
	received := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("invalid payload: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(server.URL, nil)
	if err != nil {
		t.Fatalf("constructor error: %v", err)
	}
	notifier.Notify(context.Background(), "acct", testAlarm())

	payload := <-received
	if payload.Account != "acct" || payload.Alarm.Type != "Humidity Alarm" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestWebhookNotifier_EmptyURLRejected(t *testing.T) {
	if _, err := NewWebhookNotifier("", nil); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestMultiNotifier_FansOut(t *testing.T) {
	first := &stubCreator{}
	second := &stubCreator{}
	multi := NewMultiNotifier(NewPlatformNotifier(first, nil), NewPlatformNotifier(second, nil))

	multi.Notify(context.Background(), "acct", testAlarm())
	if len(first.calls) != 1 || len(second.calls) != 1 {
		t.Fatalf("expected both notifiers called, got %d/%d", len(first.calls), len(second.calls))
	}
}
