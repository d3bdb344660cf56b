package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"lecture-attendance-go/internal/config"
	"lecture-attendance-go/internal/presence"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// MQTTNotifier publishes presence transitions (arrived/left) to a broker so
// other systems can react to attendance events.
type MQTTNotifier struct {
	cfg    config.MQTTConfig
	client mqtt.Client
}

// NewMQTTNotifier creates and configures the notifier. Returns nil when
// MQTT is disabled in the configuration; callers treat a nil notifier as a
// no-op.
func NewMQTTNotifier(cfg config.MQTTConfig) *MQTTNotifier {
	if !cfg.Enabled {
		log.Info("MQTT notifier is disabled in the configuration.")
		return nil
	}

	n := &MQTTNotifier{cfg: cfg}
	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Errorf("MQTT connection lost: %v. Reconnecting...", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Infof("Connected to MQTT broker: %s", brokerURL)
	})

	n.client = mqtt.NewClient(opts)
	return n
}

// Start connects to the broker. Failure is non-fatal; auto-reconnect keeps
// trying in the background.
func (n *MQTTNotifier) Start() error {
	if n == nil {
		return nil
	}
	brokerURL := fmt.Sprintf("tcp://%s:%d", n.cfg.Broker, n.cfg.Port)
	log.Infof("Connecting to MQTT broker: %s", brokerURL)
	if token := n.client.Connect(); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to connect to MQTT broker %s: %v", brokerURL, token.Error())
		return token.Error()
	}
	return nil
}

// Stop disconnects from the broker.
func (n *MQTTNotifier) Stop() {
	if n == nil || n.client == nil || !n.client.IsConnected() {
		return
	}
	log.Info("Disconnecting MQTT notifier...")
	n.client.Disconnect(250)
}

type transitionPayload struct {
	SessionID string    `json:"session_id"`
	Key       string    `json:"key"`
	Name      string    `json:"name,omitempty"`
	Event     string    `json:"event"` // "arrived" or "left"
	At        time.Time `json:"at"`
}

// PublishTransitions publishes one message per presence flip. Best effort;
// publish failures are logged and dropped.
func (n *MQTTNotifier) PublishTransitions(sessionID string, transitions []presence.Transition) {
	if n == nil || len(transitions) == 0 {
		return
	}
	if !n.client.IsConnected() {
		log.Debug("MQTT not connected, skipping transition publish")
		return
	}

	for _, tr := range transitions {
		event := "left"
		if tr.Arrived {
			event = "arrived"
		}
		raw, err := json.Marshal(transitionPayload{
			SessionID: sessionID,
			Key:       tr.Key,
			Name:      tr.Name,
			Event:     event,
			At:        tr.At,
		})
		if err != nil {
			log.Errorf("Failed to marshal MQTT transition: %v", err)
			continue
		}
		token := n.client.Publish(n.cfg.Topic, 0, false, raw)
		go func(t mqtt.Token) {
			if t.Wait() && t.Error() != nil {
				log.Warnf("MQTT publish failed: %v", t.Error())
			}
		}(token)
	}
}
