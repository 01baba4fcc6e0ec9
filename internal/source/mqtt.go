package source

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/sensord/internal/errors"
	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/registry"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

const (
	defaultKeepAlive      = 30
	defaultTopicPrefix    = "sensord/streams"
	mqttBuffer            = 16
	unsubscribeTimeout    = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

type MQTTConfig struct {
	// Broker is host:port or a tcp:// or mqtt:// URL
	Broker      string
	TopicPrefix string
	ClientID    string
	KeepAlive   uint16
	QoS         byte
}

// MQTT receives readings published on <prefix>/<stream id>. The payload is a
// bare number or a JSON object {"values": [...]}.
type MQTT struct {
	cfg    MQTTConfig
	client *paho.Client
	logger logger.Logger

	mu     sync.RWMutex
	subs   map[registry.StreamID]*mqttSub
	closed bool
}

type mqttSub struct {
	ch   chan Reading
	done chan struct{}
}

var _ Source = (*MQTT)(nil)

// DialMQTT connects to the broker and returns a ready source
func DialMQTT(ctx context.Context, cfg MQTTConfig) (*MQTT, error) {
	errFactory := errors.New()

	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "sensord-" + uuid.NewString()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaultKeepAlive
	}

	addr, err := brokerAddress(cfg.Broker)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, errFactory.WithData(errors.ErrSourceUnavailable, struct {
			Phase  string
			Broker string
			Error  string
		}{
			Phase:  "dial",
			Broker: addr,
			Error:  err.Error(),
		})
	}

	m := &MQTT{
		cfg:    cfg,
		logger: logger.Component("source.mqtt"),
		subs:   make(map[registry.StreamID]*mqttSub),
	}

	m.client = paho.NewClient(paho.ClientConfig{
		ClientID: cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				m.handle(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			m.fail(errFactory.Wrap(errors.ErrSourceUnavailable, err))
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			m.fail(errFactory.WithData(errors.ErrSourceUnavailable, struct {
				Phase      string
				ReasonCode byte
			}{
				Phase:      "server_disconnect",
				ReasonCode: d.ReasonCode,
			}))
		},
	})

	if _, err := m.client.Connect(dialCtx, &paho.Connect{
		ClientID:   cfg.ClientID,
		KeepAlive:  cfg.KeepAlive,
		CleanStart: true,
	}); err != nil {
		conn.Close()
		return nil, errFactory.WithData(errors.ErrSourceUnavailable, struct {
			Phase  string
			Broker string
			Error  string
		}{
			Phase:  "connect",
			Broker: addr,
			Error:  err.Error(),
		})
	}

	m.logger.Info().
		Str("broker", addr).
		Str("client_id", cfg.ClientID).
		Str("topic_prefix", cfg.TopicPrefix).
		Msg("Connected to MQTT broker")

	return m, nil
}

func brokerAddress(broker string) (string, error) {
	if broker == "" {
		return "", errors.New().WithMessage(errors.ErrInvalidConfig, "MQTT broker address is required")
	}
	if !strings.Contains(broker, "://") {
		return broker, nil
	}

	u, err := url.Parse(broker)
	if err != nil {
		return "", errors.New().Wrap(errors.ErrInvalidConfig, err)
	}
	switch u.Scheme {
	case "tcp", "mqtt":
	default:
		return "", errors.New().WithMessage(errors.ErrInvalidConfig, "unsupported MQTT scheme "+u.Scheme)
	}
	if u.Port() == "" {
		return net.JoinHostPort(u.Hostname(), "1883"), nil
	}
	return u.Host, nil
}

// Topic returns the topic a stream's readings are published on
func (m *MQTT) Topic(id registry.StreamID) string {
	return m.cfg.TopicPrefix + "/" + strconv.Itoa(int(id))
}

func (m *MQTT) Subscribe(ctx context.Context, id registry.StreamID) (<-chan Reading, error) {
	errFactory := errors.New()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errFactory.WithMessage(errors.ErrSourceUnavailable, "MQTT source is closed")
	}
	if _, ok := m.subs[id]; ok {
		m.mu.Unlock()
		return nil, errFactory.WithData(errors.ErrInvalidOperation, struct {
			Phase  string
			Stream registry.StreamID
		}{
			Phase:  "already_subscribed",
			Stream: id,
		})
	}
	sub := &mqttSub{ch: make(chan Reading, mqttBuffer), done: make(chan struct{})}
	m.subs[id] = sub
	m.mu.Unlock()

	topic := m.Topic(id)
	if _, err := m.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{
			Topic: topic,
			QoS:   m.cfg.QoS,
		}},
	}); err != nil {
		m.release(id, sub)
		return nil, errFactory.WithData(errors.ErrSourceUnavailable, struct {
			Phase string
			Topic string
			Error string
		}{
			Phase: "subscribe",
			Topic: topic,
			Error: err.Error(),
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			m.release(id, sub)
		case <-sub.done:
		}
	}()

	m.logger.Debug().
		Int("stream", int(id)).
		Str("topic", topic).
		Msg("MQTT stream subscribed")

	return sub.ch, nil
}

// release removes sub if it is still the current subscription for id
func (m *MQTT) release(id registry.StreamID, sub *mqttSub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[id] != sub {
		return
	}
	delete(m.subs, id)
	close(sub.done)
	close(sub.ch)
}

// Unsubscribe ends the local subscription, if any, and drops the broker side
// subscription for the stream's topic
func (m *MQTT) Unsubscribe(id registry.StreamID) error {
	m.mu.Lock()
	if sub, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(sub.done)
		close(sub.ch)
	}
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()

	topic := m.Topic(id)
	if _, err := m.client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}}); err != nil {
		return errors.New().WithData(errors.ErrSourceUnavailable, struct {
			Phase string
			Topic string
			Error string
		}{
			Phase: "unsubscribe",
			Topic: topic,
			Error: err.Error(),
		})
	}

	m.logger.Debug().Int("stream", int(id)).Str("topic", topic).Msg("MQTT stream unsubscribed")
	return nil
}

func (m *MQTT) handle(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, m.cfg.TopicPrefix+"/")
	if !ok {
		return
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		m.logger.Debug().Str("topic", topic).Msg("Ignoring message on unexpected topic")
		return
	}
	id := registry.StreamID(n)

	values, err := ParsePayload(payload)
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("topic", topic).
			Msg("Dropping malformed payload")
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return
	}

	select {
	case sub.ch <- Reading{Values: values, At: time.Now()}:
	default:
		m.logger.Debug().Int("stream", int(id)).Msg("Reading buffer full, dropping message")
	}
}

// fail reports err to every subscriber and ends all subscriptions
func (m *MQTT) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.logger.Warn().Err(err).Int("subscriptions", len(m.subs)).Msg("MQTT source became unavailable")

	for id, sub := range m.subs {
		select {
		case sub.ch <- Reading{Err: err, At: time.Now()}:
		default:
		}
		delete(m.subs, id)
		close(sub.done)
		close(sub.ch)
	}
}

func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.done)
		close(sub.ch)
	}
	m.mu.Unlock()

	if err := m.client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	m.logger.Info().Msg("Disconnected from MQTT broker")
	return nil
}

// ParsePayload decodes a bare number or a {"values": [...]} object
func ParsePayload(payload []byte) ([]float64, error) {
	errFactory := errors.New()

	text := strings.TrimSpace(string(payload))
	if text == "" {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "empty payload")
	}

	if v, err := strconv.ParseFloat(text, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "non-finite value")
		}
		return []float64{v}, nil
	}

	var body struct {
		Values []float64 `json:"values"`
	}
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}
	if body.Values == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "payload has no values")
	}
	return body.Values, nil
}
