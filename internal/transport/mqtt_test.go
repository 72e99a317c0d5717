package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/satchel/internal/types"
)

var _ Feed = (*MQTTFeed)(nil)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishRecord struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu             sync.Mutex
	connected      bool
	connectErr     error
	connectTimeout bool
	subs           map[string]mqtt.MessageHandler
	published      []publishRecord
	disconnects    []uint
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectTimeout {
		return &fakeToken{timeout: true}
	}
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects = append(c.disconnects, quiesce)
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _ := payload.([]byte)
	c.published = append(c.published, publishRecord{topic: topic, retained: retained, payload: data})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) handler(topic string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

func (c *fakeClient) lastPublished() publishRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.published) == 0 {
		return publishRecord{}
	}
	return c.published[len(c.published)-1]
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// connectedFeed starts a feed against the fake client and simulates the
// broker acknowledging the connection.
func connectedFeed(t *testing.T, cfg MQTTConfig) (*MQTTFeed, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	var opts *mqtt.ClientOptions
	feed := NewMQTTFeedWithClient(cfg, nil, func(o *mqtt.ClientOptions) MQTTClient {
		opts = o
		return client
	})
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	opts.OnConnect(nil)
	return feed, client
}

func TestMQTTFeedSubscribesOnConnect(t *testing.T) {
	feed, client := connectedFeed(t, MQTTConfig{Broker: "localhost", Port: 1883, DeviceID: "tablet-7"})
	defer feed.Stop() //nolint:errcheck

	if client.handler("satchel/devices/tablet-7/changes") == nil {
		t.Error("missing device topic subscription")
	}
	if client.handler(broadcastChangesTopic) == nil {
		t.Error("missing broadcast topic subscription")
	}

	pres := client.lastPublished()
	if pres.topic != "satchel/devices/tablet-7/presence" || !pres.retained {
		t.Fatalf("unexpected presence publish: %+v", pres)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(pres.payload, &body); err != nil {
		t.Fatalf("parse presence: %v", err)
	}
	if online, _ := body["online"].(bool); !online {
		t.Errorf("expected online presence, got %v", body)
	}
}

func TestMQTTFeedDeliversChanges(t *testing.T) {
	feed, client := connectedFeed(t, MQTTConfig{Broker: "localhost", Port: 1883, DeviceID: "tablet-7"})
	defer feed.Stop() //nolint:errcheck

	handle := client.handler("satchel/devices/tablet-7/changes")
	payload, err := json.Marshal(types.ChangeEvent{
		Op:     types.ChangeUpdate,
		Entity: types.Entity{ID: "g1", Type: "grade", Version: 3},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	handle(nil, &fakeMessage{topic: "satchel/devices/tablet-7/changes", payload: payload})

	select {
	case ev := <-feed.Changes():
		if ev.Op != types.ChangeUpdate || ev.Entity.ID != "g1" || ev.Entity.Version != 3 {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}

	// malformed and anonymous payloads are dropped
	handle(nil, &fakeMessage{payload: []byte("{oops")})
	handle(nil, &fakeMessage{payload: []byte(`{"op":"update","entity":{}}`)})
	select {
	case ev := <-feed.Changes():
		t.Errorf("unexpected event from bad payload: %+v", ev)
	default:
	}
}

func TestMQTTFeedConnectFailures(t *testing.T) {
	client := newFakeClient()
	client.connectErr = fmt.Errorf("connection refused")
	feed := NewMQTTFeedWithClient(MQTTConfig{Broker: "localhost", Port: 1883}, nil,
		func(o *mqtt.ClientOptions) MQTTClient { return client })
	if err := feed.Start(context.Background()); err == nil {
		t.Error("expected connect error")
	}

	client2 := newFakeClient()
	client2.connectTimeout = true
	feed2 := NewMQTTFeedWithClient(MQTTConfig{Broker: "localhost", Port: 1883}, nil,
		func(o *mqtt.ClientOptions) MQTTClient { return client2 })
	if err := feed2.Start(context.Background()); err == nil {
		t.Error("expected timeout error")
	}
}

func TestMQTTFeedStopAnnouncesOffline(t *testing.T) {
	feed, client := connectedFeed(t, MQTTConfig{Broker: "localhost", Port: 1883, DeviceID: "tablet-7"})

	if err := feed.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	pres := client.lastPublished()
	if pres.topic != "satchel/devices/tablet-7/presence" {
		t.Fatalf("expected final presence publish, got %+v", pres)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(pres.payload, &body); err != nil {
		t.Fatalf("parse presence: %v", err)
	}
	if online, _ := body["online"].(bool); online {
		t.Errorf("expected offline presence, got %v", body)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.disconnects) != 1 || client.disconnects[0] != 250 {
		t.Errorf("unexpected disconnects: %v", client.disconnects)
	}
	if _, open := <-feed.Changes(); open {
		t.Error("expected change channel closed after stop")
	}
}
