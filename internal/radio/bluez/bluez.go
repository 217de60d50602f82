// Package bluez implements the radio capabilities on top of the BlueZ D-Bus
// API: LEAdvertisingManager1 for advertising and Adapter1 discovery for
// passive scanning.
package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName            = "org.bluez"
	adapterIface       = "org.bluez.Adapter1"
	deviceIface        = "org.bluez.Device1"
	advManagerIface    = "org.bluez.LEAdvertisingManager1"
	advertisementIface = "org.bluez.LEAdvertisement1"
	propertiesIface    = "org.freedesktop.DBus.Properties"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// DefaultCompanyID is the manufacturer id used for the payload (reserved
// for testing by the Bluetooth SIG).
const DefaultCompanyID uint16 = 0xFFFF

// Config selects the adapter and manufacturer id.
type Config struct {
	Adapter   string `yaml:"adapter"`
	CompanyID uint16 `yaml:"company_id"`
}

// DefaultConfig returns hci0 with the test company id.
func DefaultConfig() Config {
	return Config{Adapter: "hci0", CompanyID: DefaultCompanyID}
}

func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// addressFromPath turns /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF into
// AA:BB:CC:DD:EE:FF.
func addressFromPath(p dbus.ObjectPath) (string, bool) {
	s := string(p)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return "", false
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":"), true
}

// manufacturerPayload extracts the bytes for companyID from a
// ManufacturerData property value.
func manufacturerPayload(v dbus.Variant, companyID uint16) ([]byte, bool) {
	m, ok := v.Value().(map[uint16]dbus.Variant)
	if !ok {
		return nil, false
	}
	data, ok := m[companyID]
	if !ok {
		return nil, false
	}
	b, ok := data.Value().([]byte)
	return b, ok
}

func addMatch(conn *dbus.Conn, rule string) error {
	call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
	if call.Err != nil {
		return fmt.Errorf("add match rule %q: %w", rule, call.Err)
	}
	return nil
}
