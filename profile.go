package chipcopy

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// PinSet names the four programming lines of one electrical interface. The
// names are resolved through the host's GPIO registry ("GPIO17", "P1_11", ...).
type PinSet struct {
	Reset string `yaml:"reset"`
	MOSI  string `yaml:"mosi"`
	MISO  string `yaml:"miso"`
	SCK   string `yaml:"sck"`
}

// Profile describes the board wiring in a YAML file: the two programming
// interfaces, the shared trigger line and the indicator LEDs.
//
// Example:
//
//	socket: {reset: GPIO17, mosi: GPIO27, miso: GPIO22, sck: GPIO23}
//	bus:    {reset: GPIO5,  mosi: GPIO6,  miso: GPIO13, sck: GPIO19}
//	trigger: GPIO26
//	greenLed: GPIO20
//	redLed: GPIO21
type Profile struct {
	Socket PinSet `yaml:"socket"`
	Bus    PinSet `yaml:"bus"`

	// Trigger is the shared bus line that starts a copy when pulled low.
	// Optional; without it a copy starts as soon as a chip is detected.
	Trigger string `yaml:"trigger"`

	GreenLED string `yaml:"greenLed"`
	RedLED   string `yaml:"redLed"`

	// HalfPeriodUs overrides the bit clock half period, in microseconds.
	HalfPeriodUs int `yaml:"halfPeriodUs"`
}

// LoadProfile parses a YAML profile.
func LoadProfile(r io.Reader) (*Profile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	p := new(Profile)
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "parse profile")
	}
	return p, nil
}

func lookupPin(name, role string) (gpio.PinIO, error) {
	if name == "" {
		return nil, errors.Errorf("profile: %s pin not set", role)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, errors.Errorf("profile: no GPIO pin named %q for %s", name, role)
	}
	return pin, nil
}

// Bind resolves the pin names into a bit-bang port.
func (p PinSet) Bind(halfPeriod time.Duration) (*BitBang, error) {
	b := &BitBang{HalfPeriod: halfPeriod}
	var err error
	if b.Reset, err = lookupPin(p.Reset, "reset"); err != nil {
		return nil, err
	}
	if b.MOSI, err = lookupPin(p.MOSI, "mosi"); err != nil {
		return nil, err
	}
	if b.MISO, err = lookupPin(p.MISO, "miso"); err != nil {
		return nil, err
	}
	if b.SCK, err = lookupPin(p.SCK, "sck"); err != nil {
		return nil, err
	}
	return b, nil
}

// Devices binds both interfaces and returns the two persistent devices.
func (p *Profile) Devices() (socket, bus *Device, err error) {
	half := time.Duration(p.HalfPeriodUs) * time.Microsecond
	socketPort, err := p.Socket.Bind(half)
	if err != nil {
		return nil, nil, err
	}
	busPort, err := p.Bus.Bind(half)
	if err != nil {
		return nil, nil, err
	}
	return NewDevice("socket", socketPort), NewDevice("bus", busPort), nil
}

// TriggerFunc resolves the trigger line into a poll function for the
// sequencer: it reports true while the line is pulled low. Returns nil when
// no trigger line is configured.
func (p *Profile) TriggerFunc() (func() bool, error) {
	if p.Trigger == "" {
		return nil, nil
	}
	pin, err := lookupPin(p.Trigger, "trigger")
	if err != nil {
		return nil, err
	}
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, errors.Wrap(err, "trigger")
	}
	return func() bool { return pin.Read() == gpio.Low }, nil
}
