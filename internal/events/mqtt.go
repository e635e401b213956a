package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	// DefaultTopicPrefix is the root of all published topics.
	DefaultTopicPrefix = "trafficweave"

	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 250
)

// ErrPublishTimeout is returned when the broker does not confirm a publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTConfig holds configuration for an MQTTPublisher.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883".
	Broker string

	// ClientID identifies the dashboard to the broker.
	ClientID string

	// Username and Password authenticate the client (optional).
	Username string
	Password string

	// TopicPrefix is prepended to every topic (default: DefaultTopicPrefix).
	TopicPrefix string

	// QoS is the publish quality of service (0, 1 or 2).
	QoS byte

	// PublishTimeout bounds the wait for a publish confirmation (default: 5s).
	PublishTimeout time.Duration
}

// MQTTPublisher publishes the latest state of each intersection as a
// retained message on <prefix>/intersections/<id>/state and the connection
// state on <prefix>/dashboard/connection.
type MQTTPublisher struct {
	client  pahomqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
}

// NewMQTTPublisher connects to the broker and returns a publisher.
func NewMQTTPublisher(cfg *MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	prefix := topicPrefix(cfg.TopicPrefix)
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(defaultConnectTimeout).
		SetWill(prefix+"/dashboard/status", "offline", cfg.QoS, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: timeout after %v", cfg.Broker, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Broker, err)
	}

	p := NewMQTTPublisherWithClient(client, cfg, logger)
	if err := p.send(prefix+"/dashboard/status", []byte("online")); err != nil {
		logger.Warn("failed to publish online status", zap.Error(err))
	}
	return p, nil
}

// NewMQTTPublisherWithClient wraps an already connected client.
func NewMQTTPublisherWithClient(client pahomqtt.Client, cfg *MQTTConfig, logger *zap.Logger) *MQTTPublisher {
	if cfg == nil {
		cfg = &MQTTConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.PublishTimeout
	if timeout == 0 {
		timeout = defaultPublishTimeout
	}
	return &MQTTPublisher{
		client:  client,
		prefix:  topicPrefix(cfg.TopicPrefix),
		qos:     cfg.QoS,
		timeout: timeout,
		logger:  logger,
	}
}

func topicPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return DefaultTopicPrefix
	}
	return prefix
}

// StateTopic returns the retained state topic of an intersection.
func (p *MQTTPublisher) StateTopic(intersectionID string) string {
	return p.prefix + "/intersections/" + intersectionID + "/state"
}

// ConnectionTopic returns the retained connection state topic.
func (p *MQTTPublisher) ConnectionTopic() string {
	return p.prefix + "/dashboard/connection"
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(ctx context.Context, event *Event) error {
	err := p.publish(ctx, event)
	RecordEventPublished("mqtt", publishStatus(err))
	return err
}

func (p *MQTTPublisher) publish(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	switch event.Type {
	case EventIntersectionCreated, EventIntersectionUpdated:
		return p.sendJSON(ctx, p.StateTopic(event.Intersection.ID), event.Intersection)
	case EventIntersectionDeleted:
		// An empty retained message clears the topic.
		return p.sendCtx(ctx, p.StateTopic(event.Intersection.ID), []byte{})
	case EventIntersectionsReplaced:
		var errs []error
		for i := range event.Intersections {
			in := event.Intersections[i]
			if err := p.sendJSON(ctx, p.StateTopic(in.ID), &in); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	case EventConnectionChanged:
		return p.sendJSON(ctx, p.ConnectionTopic(), event.Connection)
	default:
		return nil
	}
}

func (p *MQTTPublisher) sendJSON(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return p.sendCtx(ctx, topic, payload)
}

func (p *MQTTPublisher) sendCtx(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return p.send(topic, payload)
}

func (p *MQTTPublisher) send(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, true, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: %s after %v", ErrPublishTimeout, topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s failed: %w", topic, err)
	}

	p.logger.Debug("state published to mqtt", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}

// Close implements Publisher. It publishes the offline status and
// disconnects.
func (p *MQTTPublisher) Close() error {
	if p.client == nil || !p.client.IsConnected() {
		return nil
	}
	if err := p.send(p.prefix+"/dashboard/status", []byte("offline")); err != nil {
		p.logger.Warn("failed to publish offline status", zap.Error(err))
	}
	p.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}
