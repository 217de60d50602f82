package bluez

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sweeney/beacon-harness/internal/radio"
)

// Scanner runs LE discovery with duplicate reporting and turns Device1
// property changes carrying our manufacturer data into observations.
type Scanner struct {
	conn    *dbus.Conn
	adapter dbus.BusObject
	cfg     Config
}

// NewScanner connects to the system bus.
func NewScanner(cfg Config) (*Scanner, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &Scanner{
		conn:    conn,
		adapter: conn.Object(busName, adapterPath(cfg.Adapter)),
		cfg:     cfg,
	}, nil
}

// Scan starts discovery and calls fn for each advertisement until ctx is done.
func (s *Scanner) Scan(ctx context.Context, fn func(radio.Observation)) error {
	for _, rule := range []string{
		"type='signal',interface='" + propertiesIface + "',member='PropertiesChanged',path_namespace='/org/bluez'",
		"type='signal',interface='" + objectManagerIface + "',member='InterfacesAdded'",
	} {
		if err := addMatch(s.conn, rule); err != nil {
			return err
		}
	}

	c := make(chan *dbus.Signal, 64)
	s.conn.Signal(c)
	defer s.conn.RemoveSignal(c)

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if call := s.adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("set discovery filter: %w", call.Err)
	}
	if call := s.adapter.Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("start discovery: %w", call.Err)
	}
	defer s.adapter.Call(adapterIface+".StopDiscovery", 0)

	rssi := make(map[dbus.ObjectPath]int)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-c:
			if !ok {
				return radio.ErrClosed
			}
			if o, ok := s.observe(sig, rssi, time.Now()); ok {
				fn(o)
			}
		}
	}
}

// observe converts one signal. rssi caches the last RSSI per device since
// BlueZ only reports properties that changed.
func (s *Scanner) observe(sig *dbus.Signal, rssi map[dbus.ObjectPath]int, now time.Time) (radio.Observation, bool) {
	var path dbus.ObjectPath
	var props map[string]dbus.Variant

	switch sig.Name {
	case propertiesIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return radio.Observation{}, false
		}
		iface, _ := sig.Body[0].(string)
		if iface != deviceIface {
			return radio.Observation{}, false
		}
		path = sig.Path
		props, _ = sig.Body[1].(map[string]dbus.Variant)
	case objectManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return radio.Observation{}, false
		}
		path, _ = sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props = ifaces[deviceIface]
	default:
		return radio.Observation{}, false
	}
	if props == nil {
		return radio.Observation{}, false
	}

	if v, ok := props["RSSI"]; ok {
		if r, ok := v.Value().(int16); ok {
			rssi[path] = int(r)
		}
	}
	md, ok := props["ManufacturerData"]
	if !ok {
		return radio.Observation{}, false
	}
	payload, ok := manufacturerPayload(md, s.cfg.CompanyID)
	if !ok {
		return radio.Observation{}, false
	}
	addr, _ := addressFromPath(path)
	return radio.Observation{
		Time:    now,
		Kind:    radio.EventAdv,
		Address: addr,
		RSSI:    rssi[path],
		Payload: payload,
	}, true
}

// Close is a no-op; the shared system bus connection stays open.
func (s *Scanner) Close() error {
	return nil
}
