package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/satchel/internal/types"
)

const (
	deviceChangesTopic    = "satchel/devices/%s/changes" // server -> one device
	broadcastChangesTopic = "satchel/broadcast/changes"  // server -> all devices
	presenceTopic         = "satchel/devices/%s/presence"
)

// MQTTClient is the slice of the paho client the feed uses, split out
// so tests can substitute a fake broker connection.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// pahoClient wraps the real paho client.
type pahoClient struct {
	client mqtt.Client
}

func (p *pahoClient) Connect() mqtt.Token       { return p.client.Connect() }
func (p *pahoClient) Disconnect(quiesce uint)   { p.client.Disconnect(quiesce) }
func (p *pahoClient) IsConnected() bool         { return p.client.IsConnected() }
func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return p.client.Publish(topic, qos, retained, payload)
}
func (p *pahoClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return p.client.Subscribe(topic, qos, callback)
}

// MQTTConfig configures the MQTT change feed.
type MQTTConfig struct {
	Broker   string
	Port     int
	Username string
	Password string
	DeviceID string

	// OnUp and OnDown observe broker connectivity. Both may be nil.
	OnUp   func()
	OnDown func(error)
}

// MQTTFeed consumes change events pushed over MQTT. The session is
// durable so the broker queues QoS 1 changes while the device is
// offline; paho handles reconnection itself.
type MQTTFeed struct {
	cfg           MQTTConfig
	logger        *slog.Logger
	changes       chan types.ChangeEvent
	client        MQTTClient
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTTFeed creates a feed backed by a real paho client.
func NewMQTTFeed(cfg MQTTConfig, logger *slog.Logger) *MQTTFeed {
	return NewMQTTFeedWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return &pahoClient{client: mqtt.NewClient(opts)}
	})
}

// NewMQTTFeedWithClient creates a feed with a custom client factory,
// used by tests.
func NewMQTTFeedWithClient(cfg MQTTConfig, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTFeed{
		cfg:           cfg,
		logger:        logger.With("component", "mqttfeed"),
		changes:       make(chan types.ChangeEvent, 256),
		clientFactory: factory,
	}
}

// Start connects to the broker and subscribes to the device and
// broadcast change topics.
func (f *MQTTFeed) Start(_ context.Context) error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", f.cfg.Broker, f.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID("satchel-" + f.cfg.DeviceID)

	if f.cfg.Username != "" {
		opts.SetUsername(f.cfg.Username)
		opts.SetPassword(f.cfg.Password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// durable session: the broker holds QoS 1 changes across offline gaps
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		f.logger.Warn("mqtt connection lost", "error", err)
		if f.cfg.OnDown != nil {
			f.cfg.OnDown(err)
		}
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		f.logger.Info("mqtt connected, subscribing to change topics")
		if err := f.subscribe(); err != nil {
			f.logger.Error("failed to subscribe", "error", err)
			return
		}
		if f.cfg.OnUp != nil {
			f.cfg.OnUp()
		}
	})

	f.client = f.clientFactory(opts)

	f.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := f.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("transport: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: connect to mqtt: %w", err)
	}
	return nil
}

// Stop announces the device offline and disconnects.
func (f *MQTTFeed) Stop() error {
	if f.client != nil && f.client.IsConnected() {
		f.publishPresence(false)
		f.client.Disconnect(250)
	}
	close(f.changes)
	f.logger.Info("mqtt feed stopped")
	return nil
}

// Changes returns the stream of decoded change events.
func (f *MQTTFeed) Changes() <-chan types.ChangeEvent {
	return f.changes
}

func (f *MQTTFeed) subscribe() error {
	topics := []string{
		fmt.Sprintf(deviceChangesTopic, f.cfg.DeviceID),
		broadcastChangesTopic,
	}
	for _, topic := range topics {
		token := f.client.Subscribe(topic, 1, f.handleChange)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("transport: subscribe timeout on %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("transport: subscribe to %s: %w", topic, err)
		}
		f.logger.Info("subscribed", "topic", topic)
	}
	f.publishPresence(true)
	return nil
}

// handleChange decodes one pushed change and queues it for the engine.
func (f *MQTTFeed) handleChange(client mqtt.Client, msg mqtt.Message) {
	var ev types.ChangeEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		f.logger.Error("failed to parse change event", "topic", msg.Topic(), "error", err)
		return
	}
	if ev.Entity.ID == "" {
		f.logger.Warn("change event without entity id, skipping", "topic", msg.Topic())
		return
	}
	select {
	case f.changes <- ev:
		f.logger.Debug("change queued", "entity", ev.Entity.ID, "op", ev.Op)
	default:
		f.logger.Warn("change buffer full, dropping event", "entity", ev.Entity.ID)
	}
}

// publishPresence posts the retained online/offline marker teachers see
// in the class roster.
func (f *MQTTFeed) publishPresence(online bool) {
	payload, err := json.Marshal(map[string]interface{}{
		"device_id": f.cfg.DeviceID,
		"online":    online,
		"at":        time.Now().Unix(),
	})
	if err != nil {
		return
	}
	topic := fmt.Sprintf(presenceTopic, f.cfg.DeviceID)
	token := f.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		f.logger.Warn("presence publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		f.logger.Warn("presence publish failed", "error", err)
	}
}
