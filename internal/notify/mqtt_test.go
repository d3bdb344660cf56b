package notify

import (
	"testing"
	"time"

	"lecture-attendance-go/internal/config"
	"lecture-attendance-go/internal/presence"
)

func TestDisabledNotifierIsNil(t *testing.T) {
	n := NewMQTTNotifier(config.MQTTConfig{Enabled: false})
	if n != nil {
		t.Fatal("disabled notifier must be nil")
	}

	// Every method must be safe on the nil receiver.
	if err := n.Start(); err != nil {
		t.Errorf("nil Start returned %v", err)
	}
	n.PublishTransitions("sess-1", []presence.Transition{{Key: "u1", Arrived: true, At: time.Now()}})
	n.Stop()
}

func TestEnabledNotifierConstructs(t *testing.T) {
	n := NewMQTTNotifier(config.MQTTConfig{
		Enabled:  true,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "test-client",
		Topic:    "attendance/events",
	})
	if n == nil {
		t.Fatal("enabled notifier is nil")
	}
	// Not connected: publishing is a silent no-op, never a panic.
	n.PublishTransitions("sess-1", []presence.Transition{{Key: "u1", At: time.Now()}})
	n.Stop()
}
