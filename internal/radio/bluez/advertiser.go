package bluez

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
)

const advPath = dbus.ObjectPath("/org/beaconharness/advertisement0")

// Advertiser registers a broadcast advertisement with BlueZ. BlueZ reads the
// advertisement properties at registration, so every change re-registers it.
type Advertiser struct {
	conn    *dbus.Conn
	adapter dbus.BusObject
	cfg     Config

	// op serialises registration calls.
	op         sync.Mutex
	registered atomic.Bool

	// mu guards the advertised state; BlueZ reads it from the D-Bus
	// dispatch goroutine while RegisterAdvertisement is in flight.
	mu       sync.Mutex
	interval time.Duration
	payload  []byte
}

// NewAdvertiser connects to the system bus and exports the advertisement object.
func NewAdvertiser(cfg Config) (*Advertiser, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	a := &Advertiser{
		conn:     conn,
		adapter:  conn.Object(busName, adapterPath(cfg.Adapter)),
		cfg:      cfg,
		interval: 100 * time.Millisecond,
	}
	if err := conn.Export(advObject{a}, advPath, advertisementIface); err != nil {
		return nil, fmt.Errorf("export advertisement: %w", err)
	}
	if err := conn.Export(advObject{a}, advPath, propertiesIface); err != nil {
		return nil, fmt.Errorf("export advertisement properties: %w", err)
	}
	return a, nil
}

// SetInterval changes the interval, re-registering when advertising.
func (a *Advertiser) SetInterval(d time.Duration) error {
	a.mu.Lock()
	a.interval = d
	a.mu.Unlock()
	return a.refresh()
}

// SetPayload changes the manufacturer data, re-registering when advertising.
func (a *Advertiser) SetPayload(p []byte) error {
	a.mu.Lock()
	a.payload = append(a.payload[:0], p...)
	a.mu.Unlock()
	return a.refresh()
}

// Start registers the advertisement.
func (a *Advertiser) Start() error {
	a.op.Lock()
	defer a.op.Unlock()
	if a.registered.Load() {
		return nil
	}
	return a.register()
}

// Stop unregisters the advertisement.
func (a *Advertiser) Stop() error {
	a.op.Lock()
	defer a.op.Unlock()
	if !a.registered.Load() {
		return nil
	}
	return a.unregister()
}

// Close stops advertising and removes the exported object.
func (a *Advertiser) Close() error {
	var errs []error
	if err := a.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := a.conn.Export(nil, advPath, advertisementIface); err != nil {
		errs = append(errs, fmt.Errorf("unexport advertisement: %w", err))
	}
	if err := a.conn.Export(nil, advPath, propertiesIface); err != nil {
		errs = append(errs, fmt.Errorf("unexport properties: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func (a *Advertiser) refresh() error {
	a.op.Lock()
	defer a.op.Unlock()
	if !a.registered.Load() {
		return nil
	}
	if err := a.unregister(); err != nil {
		return err
	}
	return a.register()
}

// register and unregister are called with op held.
func (a *Advertiser) register() error {
	call := a.adapter.Call(advManagerIface+".RegisterAdvertisement", 0, advPath, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("register advertisement: %w", call.Err)
	}
	a.registered.Store(true)
	return nil
}

func (a *Advertiser) unregister() error {
	call := a.adapter.Call(advManagerIface+".UnregisterAdvertisement", 0, advPath)
	if call.Err != nil {
		return fmt.Errorf("unregister advertisement: %w", call.Err)
	}
	a.registered.Store(false)
	return nil
}

// properties is the LEAdvertisement1 property set for the current state.
func (a *Advertiser) properties() map[string]dbus.Variant {
	a.mu.Lock()
	defer a.mu.Unlock()
	ms := uint32(a.interval / time.Millisecond)
	return map[string]dbus.Variant{
		"Type": dbus.MakeVariant("broadcast"),
		"ManufacturerData": dbus.MakeVariant(map[uint16]dbus.Variant{
			a.cfg.CompanyID: dbus.MakeVariant(append([]byte(nil), a.payload...)),
		}),
		"MinInterval": dbus.MakeVariant(ms),
		"MaxInterval": dbus.MakeVariant(ms),
	}
}

// advObject is the exported D-Bus object. Its methods must not take op.
type advObject struct {
	a *Advertiser
}

// Release is called by BlueZ when it drops the advertisement.
func (o advObject) Release() *dbus.Error {
	o.a.registered.Store(false)
	return nil
}

// Get implements org.freedesktop.DBus.Properties.
func (o advObject) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	v, ok := o.a.properties()[name]
	if iface != advertisementIface || !ok {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property %s.%s", iface, name))
	}
	return v, nil
}

// GetAll implements org.freedesktop.DBus.Properties.
func (o advObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != advertisementIface {
		return map[string]dbus.Variant{}, nil
	}
	return o.a.properties(), nil
}

// Set implements org.freedesktop.DBus.Properties; all properties are read-only.
func (o advObject) Set(iface, name string, v dbus.Variant) *dbus.Error {
	return dbus.MakeFailedError(fmt.Errorf("property %s.%s is read-only", iface, name))
}
