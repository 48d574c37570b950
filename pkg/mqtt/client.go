package mqtt

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/iot-ota-sdk/pkg/auth"
	"github.com/iot-ota-sdk/pkg/config"
	tlsutil "github.com/iot-ota-sdk/pkg/tls"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SDKVersion is reported in the MQTT client id.
const SDKVersion = "1.0"

var ErrNotConnected = errors.New("client is not connected")

type MessageHandler func(topic string, payload []byte)

type Client struct {
	config     *config.Config
	mqttClient mqtt.Client
	connected  bool
	mutex      sync.RWMutex
	handlers   map[string]MessageHandler
	logger     logrus.FieldLogger
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:   cfg,
		handlers: make(map[string]MessageHandler),
		logger:   logrus.StandardLogger().WithField("system", "mqtt"),
	}
}

func (c *Client) SetLogger(logger logrus.FieldLogger) {
	c.logger = logger
}

// Broker returns the broker URL derived from the MQTT section.
func (c *Client) Broker() string {
	scheme := "tcp"
	if c.config.MQTT.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.config.MQTT.Host, c.config.MQTT.Port)
}

func (c *Client) options() (*mqtt.ClientOptions, error) {
	credentials := auth.GenerateMQTTCredentials(c.config.Device.ID, c.config.Device.Secret, SDKVersion)

	opts := mqtt.NewClientOptions()
	if c.config.MQTT.UseTLS {
		tlsConfig, err := tlsutil.NewConfig(tlsutil.Options{
			CACert:     c.config.TLS.CACert,
			ServerName: c.config.TLS.ServerName,
			SkipVerify: c.config.TLS.SkipVerify,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to build TLS config")
		}
		opts.SetTLSConfig(tlsConfig)
	}

	clientID := credentials.ClientID
	if c.config.MQTT.ClientID != "" {
		clientID = c.config.MQTT.ClientID
	}

	opts.AddBroker(c.Broker())
	opts.SetClientID(clientID)
	opts.SetUsername(credentials.Username)
	opts.SetPassword(credentials.Password)
	opts.SetKeepAlive(c.config.MQTT.KeepAlive)
	opts.SetCleanSession(c.config.MQTT.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetDefaultPublishHandler(c.defaultMessageHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetReconnectingHandler(c.reconnectingHandler)
	return opts, nil
}

func (c *Client) Connect() error {
	if err := c.config.Validate(); err != nil {
		return errors.Wrap(err, "config validation failed")
	}

	opts, err := c.options()
	if err != nil {
		return err
	}
	c.logger.WithField("client_id", opts.ClientID).Debug("Connecting to MQTT broker")

	c.mqttClient = mqtt.NewClient(opts)
	token := c.mqttClient.Connect()
	if token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to connect")
	}

	c.mutex.Lock()
	c.connected = true
	c.mutex.Unlock()

	c.logger.WithField("broker", c.Broker()).Info("Connected to MQTT broker")
	return nil
}

func (c *Client) Disconnect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.mqttClient != nil && c.connected {
		c.mqttClient.Disconnect(250)
		c.connected = false
		c.logger.Info("Disconnected from MQTT broker")
	}
}

func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected && c.mqttClient != nil && c.mqttClient.IsConnected()
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to publish message")
	}

	c.logger.WithField("topic", topic).Debug("Published message")
	return nil
}

func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mutex.Lock()
	c.handlers[topic] = handler
	c.mutex.Unlock()

	token := c.mqttClient.Subscribe(topic, qos, func(client mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})

	if token.Wait() && token.Error() != nil {
		c.mutex.Lock()
		delete(c.handlers, topic)
		c.mutex.Unlock()
		return errors.Wrap(token.Error(), "failed to subscribe to topic")
	}

	c.logger.WithField("topic", topic).Info("Subscribed")
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Unsubscribe(topic)
	if token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to unsubscribe from topic")
	}

	c.mutex.Lock()
	delete(c.handlers, topic)
	c.mutex.Unlock()

	c.logger.WithField("topic", topic).Info("Unsubscribed")
	return nil
}

func (c *Client) defaultMessageHandler(client mqtt.Client, msg mqtt.Message) {
	c.logger.WithField("topic", msg.Topic()).Debugf("Unhandled message: %s", msg.Payload())
}

func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	c.mutex.Lock()
	c.connected = false
	c.mutex.Unlock()
	c.logger.WithError(err).Warn("Connection lost")
}

// onConnectHandler restores subscriptions after an automatic reconnect
// with a clean session.
func (c *Client) onConnectHandler(client mqtt.Client) {
	c.mutex.Lock()
	c.connected = true
	handlers := make(map[string]MessageHandler, len(c.handlers))
	for topic, h := range c.handlers {
		handlers[topic] = h
	}
	c.mutex.Unlock()

	for topic, h := range handlers {
		h := h
		client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			h(msg.Topic(), msg.Payload())
		})
	}
	c.logger.Info("Connected to MQTT broker")
}

func (c *Client) reconnectingHandler(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("Attempting to reconnect to MQTT broker")
}
