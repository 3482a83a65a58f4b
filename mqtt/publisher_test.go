package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"filedaq/config"
	"filedaq/devman"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes and subscriptions.
type fakeClient struct {
	pahomqtt.Client

	connectErr error

	mu       sync.Mutex
	messages []published
	subs     map[string]pahomqtt.MessageHandler
	notify   chan published
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		subs:   make(map[string]pahomqtt.MessageHandler),
		notify: make(chan published, 100),
	}
}

func (c *fakeClient) Connect() pahomqtt.Token { return doneToken{err: c.connectErr} }
func (c *fakeClient) Disconnect(uint)         {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	msg := published{topic: topic, retained: retained, payload: payload.([]byte)}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.notify <- msg
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = cb
	return doneToken{}
}

func (c *fakeClient) handler(topic string) pahomqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

type fakeMessage struct {
	pahomqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func startPublisher(t *testing.T, selector string) (*Publisher, *fakeClient) {
	t.Helper()
	fc := newFakeClient()
	pub := NewPublisher(&config.MQTTConfig{
		Name:     "local",
		Enabled:  true,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "filedaq-test",
		Selector: selector,
	}, "factory")
	pub.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return fc }
	pub.SetDeviceNames([]string{"boiler"})
	if err := pub.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(pub.Stop)
	return pub, fc
}

func waitMessage(t *testing.T, fc *fakeClient) published {
	t.Helper()
	select {
	case msg := <-fc.notify:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
	return published{}
}

func TestPublishValue(t *testing.T) {
	pub, fc := startPublisher(t, "line1")
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	change := devman.ValueChange{Device: "boiler", Variable: "temp", Value: "21.5", Timestamp: ts}

	if !pub.Publish(change, false) {
		t.Fatal("first publish should be sent")
	}
	msg := waitMessage(t, fc)
	if msg.topic != "factory/line1/boiler/values/temp" {
		t.Errorf("topic = %q", msg.topic)
	}
	if !msg.retained {
		t.Error("value messages should be retained")
	}
	var vm ValueMessage
	if err := json.Unmarshal(msg.payload, &vm); err != nil {
		t.Fatal(err)
	}
	if vm.Device != "boiler" || vm.Variable != "temp" || vm.Value != "21.5" {
		t.Errorf("payload = %+v", vm)
	}

	if pub.Publish(change, false) {
		t.Error("unchanged value should not be republished")
	}
	if !pub.Publish(change, true) {
		t.Error("force should republish")
	}
	change.Value = "22"
	if !pub.Publish(change, false) {
		t.Error("changed value should be published")
	}
}

func TestPublishHealth(t *testing.T) {
	pub, fc := startPublisher(t, "")
	if !pub.PublishHealth(devman.Health{Device: "boiler", Online: false, Status: "Unreachable", Error: "timeout"}) {
		t.Fatal("PublishHealth() = false")
	}
	msg := waitMessage(t, fc)
	if msg.topic != "factory/boiler/health" {
		t.Errorf("topic = %q", msg.topic)
	}
	var h devman.Health
	json.Unmarshal(msg.payload, &h)
	if h.Online || h.Error != "timeout" {
		t.Errorf("health = %+v", h)
	}
}

func TestNotRunning(t *testing.T) {
	pub := NewPublisher(&config.MQTTConfig{Name: "x"}, "factory")
	if pub.Publish(devman.ValueChange{Device: "d", Variable: "v"}, true) {
		t.Error("publish on stopped publisher should fail")
	}
	if pub.IsRunning() {
		t.Error("new publisher should not be running")
	}
}

func TestStartConnectError(t *testing.T) {
	fc := newFakeClient()
	fc.connectErr = errors.New("refused")
	pub := NewPublisher(&config.MQTTConfig{Name: "x"}, "factory")
	pub.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return fc }
	if err := pub.Start(); err == nil {
		t.Fatal("expected connect error")
	}
	if pub.IsRunning() {
		t.Error("publisher should not be running after failed connect")
	}
}

func TestWriteRequest(t *testing.T) {
	pub, fc := startPublisher(t, "")

	var gotDevice, gotVariable string
	var gotValue interface{}
	pub.SetWriteHandler(func(device, variable string, value interface{}) (string, error) {
		gotDevice, gotVariable, gotValue = device, variable, value
		if variable == "ro" {
			return "", errors.New("variable is not writable")
		}
		return "open", nil
	})

	h := fc.handler("factory/boiler/write")
	if h == nil {
		t.Fatal("write topic not subscribed")
	}

	h(fc, fakeMessage{topic: "factory/boiler/write", payload: []byte(`{"variable":"valve","value":2}`)})
	msg := waitMessage(t, fc)
	if msg.topic != "factory/boiler/write/response" {
		t.Errorf("topic = %q", msg.topic)
	}
	var resp WriteResponse
	json.Unmarshal(msg.payload, &resp)
	if !resp.Success || resp.Written != "open" || resp.Variable != "valve" {
		t.Errorf("response = %+v", resp)
	}
	if gotDevice != "boiler" || gotVariable != "valve" || gotValue != float64(2) {
		t.Errorf("handler got (%s, %s, %v)", gotDevice, gotVariable, gotValue)
	}

	h(fc, fakeMessage{payload: []byte(`{"variable":"ro","value":1}`)})
	msg = waitMessage(t, fc)
	json.Unmarshal(msg.payload, &resp)
	if resp.Success || resp.Error != "variable is not writable" {
		t.Errorf("response = %+v", resp)
	}

	h(fc, fakeMessage{payload: []byte(`not json`)})
	msg = waitMessage(t, fc)
	resp = WriteResponse{}
	json.Unmarshal(msg.payload, &resp)
	if resp.Success || resp.Error == "" {
		t.Errorf("invalid JSON should fail, got %+v", resp)
	}
}

func TestWriteRequestWithoutValue(t *testing.T) {
	pub, fc := startPublisher(t, "")

	var calls int32
	pub.SetWriteHandler(func(device, variable string, value interface{}) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", nil
	})
	h := fc.handler("factory/boiler/write")

	for _, payload := range []string{`{"variable":"valve"}`, `{"variable":"valve","value":null}`} {
		h(fc, fakeMessage{topic: "factory/boiler/write", payload: []byte(payload)})
		msg := waitMessage(t, fc)
		var resp WriteResponse
		json.Unmarshal(msg.payload, &resp)
		if resp.Success || resp.Error != "missing value" {
			t.Errorf("%s: response = %+v", payload, resp)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("handler called %d times for requests without a value", n)
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	m.SetDeviceNames([]string{"boiler"})
	m.LoadFromConfig([]config.MQTTConfig{
		{Name: "b", Enabled: false},
		{Name: "a", Enabled: true},
	}, "factory")

	list := m.List()
	if len(list) != 2 || list[0].Name() != "a" {
		t.Fatalf("List() order wrong")
	}
	fc := newFakeClient()
	m.Get("a").newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return fc }

	if n := m.StartAll(); n != 1 {
		t.Errorf("StartAll() = %d, want 1", n)
	}
	if !m.AnyRunning() {
		t.Error("AnyRunning() = false")
	}
	if fc.handler("factory/boiler/write") == nil {
		t.Error("device names not applied to publisher")
	}

	m.Publish([]devman.ValueChange{{Device: "boiler", Variable: "temp", Value: "1"}}, false)
	if msg := waitMessage(t, fc); msg.topic != "factory/boiler/values/temp" {
		t.Errorf("topic = %q", msg.topic)
	}

	m.StopAll()
	if m.AnyRunning() {
		t.Error("AnyRunning() after StopAll")
	}
	m.Remove("a")
	if m.Get("a") != nil {
		t.Error("Remove did not delete the publisher")
	}
}
