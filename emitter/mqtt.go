package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Tutortoise/crowd-safety-service/config"
	"github.com/Tutortoise/crowd-safety-service/models"
	"github.com/Tutortoise/crowd-safety-service/pipeline"

	"github.com/cyclopcam/logs"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second

	// Topic segment used for verdicts that don't belong to a stream
	singleShotTopic = "single"
)

// publisher is the part of mqtt.Client that we use
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// VerdictMessage is the wire form of a verdict
type VerdictMessage struct {
	Stream          string    `json:"stream,omitempty" msgpack:"stream,omitempty"`
	PeopleCount     int       `json:"people_count" msgpack:"people_count"`
	ConfidenceScore float64   `json:"confidence_score" msgpack:"confidence_score"`
	CrowdDensity    float64   `json:"crowd_density" msgpack:"crowd_density"`
	RiskLevel       string    `json:"risk_level" msgpack:"risk_level"`
	IsStampedeRisk  bool      `json:"is_stampede_risk" msgpack:"is_stampede_risk"`
	TierUsed        string    `json:"tier_used" msgpack:"tier_used"`
	StatusMessage   string    `json:"status_message" msgpack:"status_message"`
	MotionScore     float64   `json:"motion_score" msgpack:"motion_score"`
	AnalyzedAt      time.Time `json:"analyzed_at" msgpack:"analyzed_at"`
}

func NewVerdictMessage(stream string, v models.Verdict) VerdictMessage {
	return VerdictMessage{
		Stream:          stream,
		PeopleCount:     v.PeopleCount,
		ConfidenceScore: v.ConfidenceScore,
		CrowdDensity:    v.CrowdDensity,
		RiskLevel:       string(v.RiskLevel),
		IsStampedeRisk:  v.IsStampedeRisk,
		TierUsed:        string(v.TierUsed),
		StatusMessage:   v.StatusMessage,
		MotionScore:     v.MotionScore,
		AnalyzedAt:      v.AnalyzedAt,
	}
}

func Encode(format string, msg VerdictMessage) ([]byte, error) {
	switch format {
	case "msgpack":
		return msgpack.Marshal(msg)
	case "json", "":
		return json.Marshal(msg)
	}
	return nil, fmt.Errorf("unknown payload format %q", format)
}

// MQTTEmitter publishes every verdict to a per-stream topic, and stampede alerts to a shared alerts topic
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	log    logs.Log
	client mqtt.Client
	pub    publisher

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

func NewMQTTEmitter(cfg config.MQTTConfig, log logs.Log) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		log:       log,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection. Once connected, paho reconnects on its own.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.log.Infof("MQTT connected to %v as %v", e.cfg.Broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warnf("MQTT connection to %v lost, will reconnect: %v", e.cfg.Broker, err)
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client

	e.log.Infof("Connecting to MQTT broker %v", e.cfg.Broker)
	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Observe implements pipeline.Sink
func (e *MQTTEmitter) Observe(ctx context.Context, obs pipeline.Observation) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	msg := NewVerdictMessage(obs.Stream, obs.Verdict)
	payload, err := Encode(e.cfg.Format, msg)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to encode verdict: %w", err)
	}

	stream := obs.Stream
	if stream == "" {
		stream = singleShotTopic
	}
	if err := e.publish(fmt.Sprintf(e.cfg.Topics.Verdicts, stream), payload); err != nil {
		return err
	}
	if obs.Verdict.IsStampedeRisk {
		return e.publish(e.cfg.Topics.Alerts, payload)
	}
	return nil
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	token := e.pub.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish to %v timed out", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish to %v failed: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	e.log.Debugf("Published %v bytes to %v", len(payload), topic)
	return nil
}

func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.log.Infof("MQTT disconnected")
	}
	e.setConnected(false)
}

type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
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
