package mqtt

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/beacon-harness/internal/ring"
)

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds messages published while disconnected. Producers are
// serialized by mu; the connect handler is the only consumer. When full,
// new messages are dropped and counted, so the oldest trial events survive.
type outbox struct {
	mu     sync.Mutex
	r      *ring.Ring[bufferedMsg]
	warned bool
	log    *logrus.Entry
}

func newOutbox(capacity int, log *logrus.Entry) *outbox {
	return &outbox{r: ring.New[bufferedMsg](capacity), log: log}
}

func (o *outbox) push(msg bufferedMsg) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.r.Push(msg) && !o.warned {
		o.log.Warnf("mqtt: outbox full (%d messages), dropping new messages", o.r.Cap())
		o.warned = true
	}
}

func (o *outbox) drainAll() []bufferedMsg {
	msgs := o.r.Drain(nil)
	o.mu.Lock()
	o.warned = false
	o.mu.Unlock()
	return msgs
}

func (o *outbox) len() int {
	return o.r.Len()
}

func (o *outbox) dropped() uint64 {
	return o.r.Dropped()
}
