package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTOptions configures the paho session.
type MQTTOptions struct {
	Broker   string
	ClientID string
	// ClientIDPrefix is used with a random suffix when ClientID is empty.
	ClientIDPrefix string
	Username       string
	Password       string
	// CleanSession false keeps subscriptions and QoS1 backlog on the broker
	// across reconnects; it requires a stable ClientID.
	CleanSession   bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	PublishTimeout time.Duration
}

type subscription struct {
	qos     QoS
	handler Handler
}

// MQTTClient implements Client over paho. Reconnects are handled by paho;
// subscriptions are restored in the on-connect hook.
type MQTTClient struct {
	client  mqtt.Client
	opts    MQTTOptions
	logger  *zap.Logger
	baseCtx context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	subs map[string]subscription
}

// NewMQTTClient builds a client; call Connect before use.
func NewMQTTClient(o MQTTOptions, logger *zap.Logger) *MQTTClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if o.ClientID == "" {
		prefix := o.ClientIDPrefix
		if prefix == "" {
			prefix = "modbus-bridge-"
		}
		o.ClientID = prefix + uuid.New().String()[:8]
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &MQTTClient{
		opts:    o,
		logger:  logger.Named("mqtt").With(zap.String("client_id", o.ClientID)),
		baseCtx: ctx,
		cancel:  cancel,
		subs:    make(map[string]subscription),
	}

	po := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetCleanSession(o.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectRetryInterval(o.RetryInterval).
		SetConnectTimeout(o.ConnectTimeout).
		SetKeepAlive(o.KeepAlive).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Error("mqtt connection lost", zap.Error(err))
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			c.logger.Info("mqtt reconnecting")
		}).
		SetOnConnectHandler(c.onConnect)
	if o.Username != "" {
		po.SetUsername(o.Username)
		po.SetPassword(o.Password)
	}
	c.client = mqtt.NewClient(po)
	return c
}

// Connect establishes the session. Failure is fatal to callers at startup.
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	if err := wait(ctx, token, c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("connect %s: %w", c.opts.Broker, err)
	}
	return nil
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.logger.Info("mqtt connection established", zap.String("broker", c.opts.Broker))
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.mu.Unlock()
	for pattern, s := range subs {
		// must not block the paho connect routine
		go func(pattern string, s subscription) {
			token := client.Subscribe(pattern, byte(s.qos), c.callback(s.handler))
			if err := wait(c.baseCtx, token, c.opts.ConnectTimeout); err != nil {
				c.logger.Error("mqtt resubscribe failed", zap.String("pattern", pattern), zap.Error(err))
			}
		}(pattern, s)
	}
}

func (c *MQTTClient) callback(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		h(c.baseCtx, Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()})
	}
}

// Subscribe registers h for pattern and keeps it across reconnects.
func (c *MQTTClient) Subscribe(ctx context.Context, pattern string, qos QoS, h Handler) error {
	c.mu.Lock()
	c.subs[pattern] = subscription{qos: qos, handler: h}
	c.mu.Unlock()
	if !c.client.IsConnectionOpen() {
		// restored by onConnect
		return nil
	}
	token := c.client.Subscribe(pattern, byte(qos), c.callback(h))
	if err := wait(ctx, token, c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	return nil
}

// Publish sends payload and, for QoS >= 1, waits for the broker
// acknowledgement bounded by ctx and the publish timeout.
func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, byte(qos), retain, payload)
	if err := wait(ctx, token, c.opts.PublishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects after letting in-flight work finish for up to 250ms.
func (c *MQTTClient) Close() {
	c.cancel()
	c.client.Disconnect(250)
	c.logger.Info("mqtt client disconnected")
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
