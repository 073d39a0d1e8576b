package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/vigil/internal/ledger"
	"github.com/andresmejia3/vigil/internal/types"
)

// DefaultQoS delivers each violation at least once.
const DefaultQoS byte = 1

// DefaultQueueSize bounds the violations waiting to be published.
const DefaultQueueSize = 64

// flushTimeout bounds how long Disconnect waits for queued violations.
const flushTimeout = 3 * time.Second

// Config describes the broker connection.
type Config struct {
	Broker   string // host:port
	Topic    string // prefix, the session id is appended
	ClientID string
	QoS      byte
	Queue    int // pending violations before new ones are dropped
}

// Message is the JSON payload published for each violation.
type Message struct {
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Severity  types.Severity `json:"severity"`
	Time      time.Time      `json:"time"`
}

// MQTTEmitter publishes recorded violations to an MQTT broker.
type MQTTEmitter struct {
	cfg    Config
	Client mqtt.Client

	queue chan outbound
	done  chan struct{}
	start sync.Once

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	dropped   uint64 // atomic
	connected bool
	closed    bool
}

type outbound struct {
	sessionID string
	v         types.Violation
}

// NewMQTTEmitter creates an emitter. Call Connect before publishing.
func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	if cfg.QoS == 0 {
		cfg.QoS = DefaultQoS
	}
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultQueueSize
	}
	return &MQTTEmitter{
		cfg:       cfg,
		queue:     make(chan outbound, cfg.Queue),
		done:      make(chan struct{}),
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the broker with auto-reconnect.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", e.cfg.Broker)
	}

	e.Client = mqtt.NewClient(opts)
	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	e.Start()
	return nil
}

// Start launches the goroutine that publishes queued violations. Idempotent.
func (e *MQTTEmitter) Start() {
	e.start.Do(func() {
		go func() {
			defer close(e.done)
			for m := range e.queue {
				if err := e.Publish(m.sessionID, m.v); err != nil {
					slog.Warn("violation not published", "session", m.sessionID, "type", m.v.Type, "error", err)
				}
			}
		}()
	})
}

// Enqueue hands a violation to the publisher without blocking. When the
// queue is full the violation is dropped and counted.
func (e *MQTTEmitter) Enqueue(sessionID string, v types.Violation) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("mqtt emitter closed")
	}
	select {
	case e.queue <- outbound{sessionID: sessionID, v: v}:
		return nil
	default:
		atomic.AddUint64(&e.dropped, 1)
		return fmt.Errorf("mqtt queue full, violation dropped")
	}
}

// Topic returns the topic for a session.
func (e *MQTTEmitter) Topic(sessionID string) string {
	return fmt.Sprintf("%s/%s", e.cfg.Topic, sessionID)
}

// Publish sends one violation for the given session.
func (e *MQTTEmitter) Publish(sessionID string, v types.Violation) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := e.Topic(sessionID)
	payload, err := json.Marshal(Message{
		SessionID: sessionID,
		Type:      v.Type,
		Severity:  v.Severity,
		Time:      v.Time,
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal violation: %w", err)
	}

	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("violation published", "topic", topic, "qos", e.cfg.QoS, "size", len(payload))
	return nil
}

// ForSession returns a ledger sink queueing violations under the session's topic.
func (e *MQTTEmitter) ForSession(sessionID string) ledger.Sink {
	return ledger.SinkFunc(func(v types.Violation) error {
		return e.Enqueue(sessionID, v)
	})
}

// Disconnect stops accepting violations, flushes the queue for a bounded
// time and closes the connection.
func (e *MQTTEmitter) Disconnect() error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	// Never started: there is no publisher to wait for.
	e.start.Do(func() { close(e.done) })
	select {
	case <-e.done:
	case <-time.After(flushTimeout):
		slog.Warn("mqtt flush timed out", "pending", len(e.queue))
	}

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
	Dropped   uint64
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors, Dropped: atomic.LoadUint64(&e.dropped)}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
