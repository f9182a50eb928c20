// Package mqtt keeps one broker connection for the daemon: pin and trigger
// events go out, output commands come in.
package mqtt

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"
)

const subscribeTimeout = 15 * time.Second
const connectionTimeout = 5 * time.Second
const publishTimeout = 4 * time.Second

// Handler receives messages published on its topic.
type Handler interface {
	MqttSubscribeTopic() string
	MqttHandle(topic string, payload []byte)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Client struct {
	prefix string
	config autopaho.ClientConfig
	conn   *autopaho.ConnectionManager
	logger *log.Logger

	lock     sync.RWMutex
	handlers map[string]Handler
}

// NewClient prepares a connection to broker. Every topic used through the
// client is placed under prefix.
func NewClient(broker string, clientId string, prefix string) (*Client, error) {
	addr, err := url.Parse(broker)
	if err != nil {
		return nil, errors.Wrapf(err, "parse broker url %q", broker)
	}

	mc := &Client{
		prefix:   strings.Trim(prefix, "/"),
		handlers: make(map[string]Handler),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "mqtt: ",
			Level:  log.GetLevel(),
		}),
	}

	mc.config = autopaho.ClientConfig{
		ServerUrls:            []*url.URL{addr},
		KeepAlive:             20,
		SessionExpiryInterval: 60,
		OnConnectionUp:        mc.onConnUp,
		OnConnectError:        mc.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:           clientId,
			OnClientError:      mc.onConnError,
			OnServerDisconnect: mc.onSrvDisconnect,
			OnPublishReceived:  []func(paho.PublishReceived) (bool, error){mc.onPublishRecv},
		},
	}
	return mc, nil
}

// Topic joins the client prefix with the given parts.
func (mc *Client) Topic(parts ...string) string {
	if mc.prefix == "" {
		return strings.Join(parts, "/")
	}
	return mc.prefix + "/" + strings.Join(parts, "/")
}

// Connect registers handlers and waits for the first connection.
func (mc *Client) Connect(ctx context.Context, handlers ...Handler) error {
	mc.lock.Lock()
	for _, h := range handlers {
		mc.logger.Debug("registering handler", "topic", h.MqttSubscribeTopic())
		mc.handlers[h.MqttSubscribeTopic()] = h
	}
	mc.lock.Unlock()

	cm, err := autopaho.NewConnection(ctx, mc.config)
	if err != nil {
		return errors.Wrap(err, "mqtt connection")
	}
	mc.lock.Lock()
	mc.conn = cm
	mc.lock.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	return errors.Wrap(cm.AwaitConnection(waitCtx), "await mqtt broker")
}

func (mc *Client) connection() *autopaho.ConnectionManager {
	mc.lock.RLock()
	defer mc.lock.RUnlock()
	return mc.conn
}

func (mc *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	conn := mc.connection()
	if conn == nil {
		return errors.New("mqtt client not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	_, err := conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	})
	return errors.Wrapf(err, "publish %s", topic)
}

func (mc *Client) Disconnect(ctx context.Context) error {
	mc.lock.Lock()
	mc.handlers = make(map[string]Handler)
	conn := mc.conn
	mc.lock.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Disconnect(ctx)
}

func (mc *Client) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	mc.logger.Info("connected to broker")

	mc.lock.RLock()
	subs := make([]paho.SubscribeOptions, 0, len(mc.handlers))
	for topic := range mc.handlers {
		subs = append(subs, paho.SubscribeOptions{QoS: 1, Topic: topic})
	}
	mc.lock.RUnlock()

	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		mc.logger.Error("failed to subscribe", "err", err)
		return
	}
	mc.logger.Debug("subscribed", "subs", len(subs))
}

func (mc *Client) onConnError(err error) {
	mc.logger.Error("connection error", "err", err)
}

func (mc *Client) onSrvDisconnect(d *paho.Disconnect) {
	mc.logger.Info("disconnected from broker")
}

func (mc *Client) onPublishRecv(pr paho.PublishReceived) (bool, error) {
	mc.lock.RLock()
	h, found := mc.handlers[pr.Packet.Topic]
	mc.lock.RUnlock()

	if !found {
		mc.logger.Debug("message on unhandled topic", "topic", pr.Packet.Topic)
		return false, nil
	}
	h.MqttHandle(pr.Packet.Topic, pr.Packet.Payload)
	return true, nil
}
