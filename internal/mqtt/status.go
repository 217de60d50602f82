package mqtt

import "github.com/sweeney/beacon-harness/internal/status"

// PublishStatus refreshes the tracker's connection flag and publishes a
// system event carrying the full status snapshot. Startup and shutdown are
// retained; heartbeats are not.
func PublishStatus(p Publisher, tr *status.Tracker, event, reason string) error {
	if cs, ok := p.(ConnectionStatus); ok {
		tr.SetMQTTConnected(cs.IsConnected())
	}
	snap := tr.Snapshot()
	return p.PublishSystem(SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   event != EventHeartbeat,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
}
