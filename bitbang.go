package chipcopy

import (
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
)

// Bit timing of the software-clocked exchange. The half period gives a clock
// of roughly 125kHz, well below the quarter-of-target-clock ceiling for a
// device running on its 8MHz internal oscillator even with the divide-by-8
// fuse set.
const (
	defaultHalfPeriod = 4 * time.Microsecond
	byteSettle        = 20 * time.Microsecond
	resetStrobe       = 10 * time.Microsecond
	postResetWait     = 20 * time.Millisecond
)

// BitBang is a Port that drives the four programming lines directly, clocking
// bits in software. The exchange is SPI mode 0: data is set up on the falling
// clock edge and sampled on the rising edge, most significant bit first.
//
// Create one BitBang per electrical interface. Interfaces may share port
// hardware; Arm re-drives the lines to their idle state, so it must be called
// whenever focus moves between interfaces.
type BitBang struct {
	Reset gpio.PinIO
	MOSI  gpio.PinIO
	MISO  gpio.PinIO
	SCK   gpio.PinIO

	// HalfPeriod is the duration of each clock half-wave. Zero selects the
	// default of 4us.
	HalfPeriod time.Duration
}

var _ Port = (*BitBang)(nil)

// Arm drives the lines to their idle state: clock low and output, MISO
// input, MOSI output, reset output and held high (inactive).
func (b *BitBang) Arm() error {
	if err := b.SCK.Out(gpio.Low); err != nil {
		return errors.Wrap(err, "sck")
	}
	if err := b.MISO.In(gpio.Float, gpio.NoEdge); err != nil {
		return errors.Wrap(err, "miso")
	}
	if err := b.MOSI.Out(gpio.Low); err != nil {
		return errors.Wrap(err, "mosi")
	}
	if err := b.Reset.Out(gpio.High); err != nil {
		return errors.Wrap(err, "reset")
	}
	return nil
}

// EnableProgramming strobes reset low-high-low to restart the device with the
// programming lines armed, waits for it to settle, then issues the
// programming enable instruction. Reset is left asserted (low) for the
// duration of the programming session. Returns the echo byte from the enable
// transaction without checking it.
func (b *BitBang) EnableProgramming() (byte, error) {
	if err := b.Arm(); err != nil {
		return 0, err
	}
	if err := b.Reset.Out(gpio.Low); err != nil {
		return 0, errors.Wrap(err, "reset")
	}
	time.Sleep(resetStrobe)
	if err := b.Reset.Out(gpio.High); err != nil {
		return 0, errors.Wrap(err, "reset")
	}
	time.Sleep(resetStrobe)
	if err := b.Reset.Out(gpio.Low); err != nil {
		return 0, errors.Wrap(err, "reset")
	}
	time.Sleep(postResetWait)

	resp, err := b.Transact(NewProgramEnableCommand())
	if err != nil {
		return 0, err
	}
	return resp[2], nil
}

// Transact clocks the 4-byte command out and the 4-byte response in.
func (b *BitBang) Transact(cmd Command) (Response, error) {
	var resp Response
	for i := range cmd {
		in, err := b.Exchange(cmd[i])
		if err != nil {
			return resp, err
		}
		resp[i] = in
	}
	return resp, nil
}

// Exchange performs one full-duplex 8-bit exchange and leaves the clock low.
func (b *BitBang) Exchange(out byte) (byte, error) {
	half := b.HalfPeriod
	if half == 0 {
		half = defaultHalfPeriod
	}
	var in byte
	for mask := byte(0x80); mask != 0; mask >>= 1 {
		// Setup edge. On the first bit the clock is already low.
		if err := b.SCK.Out(gpio.Low); err != nil {
			return 0, errors.Wrap(err, "sck")
		}
		if err := b.MOSI.Out(gpio.Level(out&mask != 0)); err != nil {
			return 0, errors.Wrap(err, "mosi")
		}
		time.Sleep(half)
		// Sample edge.
		if err := b.SCK.Out(gpio.High); err != nil {
			return 0, errors.Wrap(err, "sck")
		}
		if b.MISO.Read() == gpio.High {
			in |= mask
		}
		time.Sleep(half)
	}
	if err := b.SCK.Out(gpio.Low); err != nil {
		return 0, errors.Wrap(err, "sck")
	}
	time.Sleep(byteSettle)
	return in, nil
}
