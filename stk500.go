package chipcopy

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// STK500v1 protocol bytes, the subset an Arduino-as-ISP sketch implements.
const (
	stkCRCEOP        = 0x20
	stkGetSync       = 0x30
	stkEnterProgmode = 0x50
	stkLeaveProgmode = 0x51
	stkUniversal     = 0x56
	stkInsync        = 0x14
	stkOK            = 0x10
)

// STK500 is a Port that tunnels the 4-byte programming transactions through a
// serial STK500v1 adapter (an Arduino running the ArduinoISP sketch). The
// adapter owns the target's reset line, so the programming enable dance runs
// on the adapter side.
//
// A serial adapter reaches a single device, so an STK500 port only supports
// single-device operations; cloning needs the two GPIO interfaces.
type STK500 struct {
	portConfig serial.Config
	rw         io.ReadWriteCloser
}

var _ Port = (*STK500)(nil)

// NewSTK500 returns a port speaking STK500v1 on the given serial port. The
// port is opened on the first Arm.
func NewSTK500(port string, baud int) *STK500 {
	s := new(STK500)
	s.portConfig.Name = port
	s.portConfig.Baud = baud
	s.portConfig.ReadTimeout = time.Second
	return s
}

// Arm opens the serial port if needed and synchronizes with the adapter.
func (s *STK500) Arm() error {
	if s.rw == nil {
		port, err := serial.OpenPort(&s.portConfig)
		if err != nil {
			return err
		}
		// Opening the port resets Arduino-style adapters; give the sketch
		// time to come up, then drop whatever the boot produced.
		time.Sleep(2 * time.Second)
		port.Flush()
		s.rw = port
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.roundTrip([]byte{stkGetSync, stkCRCEOP}, nil); err == nil {
			return nil
		}
	}
	return errors.Wrap(err, "adapter sync")
}

// EnableProgramming asks the adapter to put the target into programming mode.
// The adapter performs the reset strobe and the enable transaction itself and
// only reports success or failure, so the echo byte is synthesized.
func (s *STK500) EnableProgramming() (byte, error) {
	if err := s.roundTrip([]byte{stkEnterProgmode, stkCRCEOP}, nil); err != nil {
		return 0, errors.Wrap(err, "enter progmode")
	}
	return ProgramEnableEcho, nil
}

// Transact sends the command through the adapter's universal instruction.
// The adapter returns the byte shifted out during the final command byte,
// which is where every read instruction carries its payload; the earlier
// response positions are filled with the echo pattern a directly-wired
// device produces.
func (s *STK500) Transact(cmd Command) (Response, error) {
	var data [1]byte
	frame := []byte{stkUniversal, cmd[0], cmd[1], cmd[2], cmd[3], stkCRCEOP}
	if err := s.roundTrip(frame, data[:]); err != nil {
		return Response{}, errors.Wrap(err, "universal command")
	}
	return Response{0x00, cmd[0], cmd[1], data[0]}, nil
}

// Close releases the target from programming mode and closes the serial port.
func (s *STK500) Close() error {
	if s.rw == nil {
		return nil
	}
	err := s.roundTrip([]byte{stkLeaveProgmode, stkCRCEOP}, nil)
	if cerr := s.rw.Close(); err == nil {
		err = cerr
	}
	s.rw = nil
	return err
}

// roundTrip writes a frame and consumes the INSYNC/payload/OK reply.
func (s *STK500) roundTrip(frame []byte, payload []byte) error {
	if s.rw == nil {
		return errors.New("port not armed")
	}
	if _, err := s.rw.Write(frame); err != nil {
		return err
	}
	reply, err := s.recv(2 + len(payload))
	if err != nil {
		return err
	}
	if reply[0] != stkInsync {
		return errors.Errorf("adapter out of sync: got %#02x, want %#02x", reply[0], stkInsync)
	}
	if last := reply[len(reply)-1]; last != stkOK {
		return errors.Errorf("adapter replied %#02x, want %#02x", last, stkOK)
	}
	copy(payload, reply[1:len(reply)-1])
	return nil
}

func (s *STK500) recv(count int) ([]byte, error) {
	resp := make([]byte, 0, count)
	for len(resp) < count {
		buf := make([]byte, count-len(resp))
		n, err := s.rw.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.New("adapter read timeout")
		}
		resp = append(resp, buf[:n]...)
	}
	return resp, nil
}
