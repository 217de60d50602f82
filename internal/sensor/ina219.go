package sensor

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// INA219 registers
const (
	ina219RegConfig  = 0x00
	ina219RegShunt   = 0x01
	ina219RegBus     = 0x02
	ina219ConfigWord = 0x399F // 32 V range, 320 mV shunt range, 12-bit continuous

	// DefaultINA219Addr is the address with both address pins grounded.
	DefaultINA219Addr = 0x40
)

// INA219Config selects the bus, address and shunt resistor.
type INA219Config struct {
	Bus       string  `yaml:"bus"`
	Addr      uint16  `yaml:"addr"`
	ShuntOhms float64 `yaml:"shunt_ohms"`
}

// Replaced in tests.
var (
	hostInit = func() error {
		_, err := host.Init()
		return err
	}
	openBus = i2creg.Open
)

// INA219 reads bus voltage and shunt current from a TI INA219 over I2C.
type INA219 struct {
	bus   i2c.BusCloser
	dev   *i2c.Dev
	shunt float64
}

// NewINA219 initialises the periph host, opens the I2C bus and configures
// the chip. An empty bus name opens the first bus registered.
func NewINA219(cfg INA219Config) (*INA219, error) {
	if cfg.ShuntOhms <= 0 {
		return nil, fmt.Errorf("ina219: shunt_ohms must be positive, got %v", cfg.ShuntOhms)
	}
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	bus, err := openBus(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", cfg.Bus, err)
	}
	s := newINA219(bus, cfg)
	if err := s.write(ina219RegConfig, ina219ConfigWord); err != nil {
		bus.Close()
		return nil, err
	}
	return s, nil
}

func newINA219(bus i2c.BusCloser, cfg INA219Config) *INA219 {
	addr := cfg.Addr
	if addr == 0 {
		addr = DefaultINA219Addr
	}
	return &INA219{bus: bus, dev: &i2c.Dev{Bus: bus, Addr: addr}, shunt: cfg.ShuntOhms}
}

// Read returns one measurement.
func (s *INA219) Read() (Reading, error) {
	shunt, err := s.read(ina219RegShunt)
	if err != nil {
		return Reading{}, err
	}
	bus, err := s.read(ina219RegBus)
	if err != nil {
		return Reading{}, err
	}
	// Shunt LSB is 10 uV, two's complement.
	shuntMicroVolt := float64(int16(shunt)) * 10
	// Bus voltage sits in bits 15..3 with a 4 mV LSB.
	return Reading{
		MilliVolt: float64(bus>>3) * 4,
		MicroAmp:  shuntMicroVolt / s.shunt,
	}, nil
}

// Close releases the I2C bus.
func (s *INA219) Close() error {
	return s.bus.Close()
}

func (s *INA219) read(reg byte) (uint16, error) {
	var buf [2]byte
	if err := s.dev.Tx([]byte{reg}, buf[:]); err != nil {
		return 0, fmt.Errorf("ina219 read reg %#02x: %w", reg, err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func (s *INA219) write(reg byte, v uint16) error {
	w := []byte{reg, byte(v >> 8), byte(v)}
	if err := s.dev.Tx(w, nil); err != nil {
		return fmt.Errorf("ina219 write reg %#02x: %w", reg, err)
	}
	return nil
}
