package mqtt

import (
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// OutboxSize is how many messages are kept while the broker is unreachable.
const OutboxSize = 256

const publishTimeout = 5 * time.Second

var errPublishTimeout = errors.New("publish timeout")

// conn is the part of the broker connection the publisher uses.
type conn interface {
	connected() bool
	publish(topic string, qos byte, retained bool, payload []byte) error
	disconnect()
}

type pahoConn struct {
	client paho.Client
}

func (c pahoConn) connected() bool {
	return c.client.IsConnectionOpen()
}

func (c pahoConn) publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errPublishTimeout
	}
	return token.Error()
}

func (c pahoConn) disconnect() {
	c.client.Disconnect(1000) // 1 second timeout
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are queued and replayed on reconnect.
type RealPublisher struct {
	conn   conn
	topics Topics
	out    *outbox
	now    func() time.Time
	log    *logrus.Entry
}

// NewRealPublisher creates a publisher for role connected to broker. The
// connection is retried in the background, so a missing broker is not an
// error here. A retained SHUTDOWN/MQTT_DISCONNECT will is registered.
func NewRealPublisher(broker, clientID string, topics Topics, log *logrus.Entry) (*RealPublisher, error) {
	p := &RealPublisher{
		topics: topics,
		out:    newOutbox(OutboxSize, log),
		now:    time.Now,
		log:    log,
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventShutdown, Reason: "MQTT_DISCONNECT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	first := true
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(topics.System, will, 1, true).
		SetOnConnectHandler(func(paho.Client) {
			if first {
				first = false
				p.replay()
				return
			}
			p.reconnected()
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warnf("mqtt: connection lost: %v", err)
		})

	client := paho.NewClient(opts)
	p.conn = pahoConn{client: client}

	// With ConnectRetry the token only completes once connected.
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker: %w", token.Error())
	}
	return p, nil
}

func newPublisher(c conn, topics Topics, now func() time.Time, log *logrus.Entry) *RealPublisher {
	return &RealPublisher{conn: c, topics: topics, out: newOutbox(OutboxSize, log), now: now, log: log}
}

// PublishTrial sends a trial event at QoS 1.
func (p *RealPublisher) PublishTrial(event TrialEvent) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.send(bufferedMsg{topic: p.topics.Trial, payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(bufferedMsg{topic: p.topics.System, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	if !p.conn.connected() {
		p.out.push(msg)
		return nil
	}
	if err := p.conn.publish(msg.topic, msg.qos, msg.retained, msg.payload); err != nil {
		p.out.push(msg)
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// replay publishes everything queued while disconnected, in order.
func (p *RealPublisher) replay() {
	msgs := p.out.drainAll()
	if len(msgs) == 0 {
		return
	}
	p.log.Infof("mqtt: replaying %d buffered messages", len(msgs))
	for _, m := range msgs {
		if err := p.conn.publish(m.topic, m.qos, m.retained, m.payload); err != nil {
			p.log.Warnf("mqtt: replay %s: %v", m.topic, err)
		}
	}
}

func (p *RealPublisher) reconnected() {
	p.replay()
	payload, _ := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: EventReconnected})
	if err := p.conn.publish(p.topics.System, 1, false, payload); err != nil {
		p.log.Warnf("mqtt: publish reconnected: %v", err)
	}
}

// IsConnected reports whether the broker connection is open.
func (p *RealPublisher) IsConnected() bool {
	return p.conn.connected()
}

// Buffered returns the number of queued messages.
func (p *RealPublisher) Buffered() int {
	return p.out.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.conn.disconnect()
	return nil
}
