package publish

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/CINPLA/tracking-plugin/internal/monitoring"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	// Broker is a URL such as tcp://localhost:1883.
	Broker   string
	ClientID string
	// QoS applies to every message.
	QoS byte
}

// MQTTClient is a Publisher backed by a paho client that reconnects on its
// own.
type MQTTClient struct {
	client    mqtt.Client
	qos       byte
	connected atomic.Bool
}

// Connect dials the broker. It gives up after connectTimeout or when ctx is
// done; the client keeps retrying in the background after a lost
// connection.
func Connect(ctx context.Context, o MQTTOptions) (*MQTTClient, error) {
	c := &MQTTClient{qos: o.QoS}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	clientID := o.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("tracking-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		c.connected.Store(true)
		monitoring.Logf("mqtt: connected to %s as %s", o.Broker, clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		monitoring.Logf("mqtt: connection lost: %v", err)
	}
	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return nil, fmt.Errorf("mqtt connection to %s timed out", o.Broker)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	c.connected.Store(true)
	return c, nil
}

// Publish sends payload and waits for the broker acknowledgement.
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Connected reports whether the broker connection is up.
func (c *MQTTClient) Connected() bool { return c.connected.Load() }

// Disconnect closes the connection with a short grace period.
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	c.connected.Store(false)
}
