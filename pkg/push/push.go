// Package push receives push payloads from an MQTT broker and hands them to
// the worker for display.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client used here; tests substitute
// it.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

type Options struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	Topic    string // e.g. hifz/teachers/<id>/push
	QoS      byte
}

type Subscriber struct {
	opts          Options
	sink          func(ctx context.Context, raw []byte)
	logger        *slog.Logger
	clientFactory func(*mqtt.ClientOptions) MQTTClient

	mu     sync.Mutex
	client MQTTClient
	ctx    context.Context
	wg     sync.WaitGroup
}

func NewSubscriber(opts Options, sink func(ctx context.Context, raw []byte), logger *slog.Logger) *Subscriber {
	return NewSubscriberWithClient(opts, sink, logger, func(o *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(o)
	})
}

func NewSubscriberWithClient(opts Options, sink func(ctx context.Context, raw []byte), logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	return &Subscriber{
		opts:          opts,
		sink:          sink,
		logger:        logger.With("component", "push"),
		clientFactory: factory,
	}
}

// Run connects, subscribes and delivers payloads until ctx is done. An
// unreachable broker is logged and retried in the background, never
// returned, so push stays optional for the rest of the process.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.logger.Warn("mqtt broker unavailable, retrying in background", "broker", s.opts.Broker, "error", err)
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Subscriber) Start(ctx context.Context) error {
	co := mqtt.NewClientOptions()
	co.AddBroker(s.opts.Broker)
	co.SetClientID(s.opts.ClientID)
	if s.opts.Username != "" {
		co.SetUsername(s.opts.Username)
		co.SetPassword(s.opts.Password)
	}
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetCleanSession(false)
	co.SetAutoReconnect(true)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(10 * time.Second)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	})
	co.SetOnConnectHandler(func(mqtt.Client) {
		if err := s.subscribe(); err != nil {
			s.logger.Error("failed to subscribe", "error", err)
		}
	})

	s.mu.Lock()
	s.ctx = ctx
	s.client = s.clientFactory(co)
	client := s.client
	s.mu.Unlock()

	s.logger.Info("connecting to mqtt broker", "broker", s.opts.Broker)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

func (s *Subscriber) Stop() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	// a client still retrying its first connect must be stopped too
	if client != nil {
		client.Disconnect(250)
	}
	s.wg.Wait()
}

func (s *Subscriber) subscribe() error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	token := client.Subscribe(s.opts.Topic, s.opts.QoS, s.handleMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.opts.Topic, err)
	}
	s.logger.Info("subscribed", "topic", s.opts.Topic)
	return nil
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Debug("push payload received", "topic", msg.Topic(), "bytes", len(msg.Payload()))
	s.sink(ctx, msg.Payload())
}
