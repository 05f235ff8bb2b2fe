package mqtt

import (
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/bike-sensor/internal/metrics"
	"github.com/sweeney/bike-sensor/internal/telemetry"
)

const (
	offlineBufferSize = 1024
	publishTimeout    = 5 * time.Second
	connectTimeout    = 10 * time.Second
)

// RealPublisher publishes to an MQTT broker. Messages published while the
// broker is unreachable are buffered and replayed on reconnect.
type RealPublisher struct {
	client paho.Client

	mu  sync.Mutex
	buf *ringBuffer
}

// NewRealPublisher connects to broker. If the broker does not answer within
// the connect timeout the publisher is still returned; it keeps retrying in
// the background and buffers until connected.
func NewRealPublisher(broker, clientID string) (*RealPublisher, error) {
	p := &RealPublisher{buf: newRingBuffer(offlineBufferSize)}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "LWT",
		Reason:    "connection lost",
	})
	if err != nil {
		return nil, errors.Wrap(err, "format will")
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.WithError(err).Warn("mqtt: connection lost")
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		log.Warnf("mqtt: broker %s not reachable yet, buffering until connected", broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrap(err, "connect to broker")
	}
	return p, nil
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	msgs := p.buf.drainAll()
	metrics.MQTTBuffered.Set(0)
	p.mu.Unlock()

	log.Infof("mqtt: connected, replaying %d buffered messages", len(msgs))
	if len(msgs) == 0 {
		return
	}
	// Handlers must not block the client.
	go func() {
		for _, m := range msgs {
			token := c.Publish(m.topic, m.qos, m.retained, m.payload)
			if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
				log.WithField("topic", m.topic).Warn("mqtt: replay failed")
			}
		}
	}()
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		metrics.MQTTBuffered.Set(float64(p.buf.len()))
		p.mu.Unlock()
		return nil
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("publish to %s timed out", topic)
	}
	return errors.Wrapf(token.Error(), "publish to %s", topic)
}

// Publish sends a sensor event. Readings go out at QoS 0; connection
// events at QoS 1.
func (p *RealPublisher) Publish(event telemetry.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return errors.Wrap(err, "format payload")
	}
	var qos byte
	if event.Type != telemetry.EventReading {
		qos = 1
	}
	return p.publish(TopicFor(event), qos, false, payload)
}

// PublishSystem sends a daemon lifecycle event at QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return errors.Wrap(err, "format system payload")
	}
	return p.publish(TopicSystem, 1, event.Retained, payload)
}

// IsConnected reports whether the broker connection is open.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
