package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avrtools/chipcopy"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var commands = map[string]func(*chipcopy.Device, []string){
	"identify":  processIdentify,
	"readsig":   processReadSignature,
	"readfuse":  processReadFuse,
	"writefuse": processWriteFuse,
	"readee":    processReadEE,
	"writeee":   processWriteEE,
	"erase":     processErase,
	"dumphex":   processDumpHex,
	"flashhex":  processFlashHex,
}

const appVersion = "0.1.0"

func main() {
	version := flag.Bool("version", false, "Prints the program version.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	profilePath := flag.String("profile", "", "Board wiring yaml file (socket/bus pins, trigger, LEDs).")
	serialPort := flag.String("serial", "", "Use a serial STK500v1 adapter on this port instead of GPIO.")
	baud := flag.Int("baud", 19200, "Baud rate of the serial adapter.")
	reverse := flag.Bool("reverse", false, "Copy from the socket onto the bus instead of the default direction.")
	iface := flag.String("iface", "socket", "Interface a single command addresses: socket or bus.")

	cmdList := []string{}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	command := flag.String("cmd", "", fmt.Sprintf("Command to run, one of: %+v\n"+
		"Without -cmd the tool runs the clone loop (requires -profile).\n"+
		"Examples: -cmd readfuse lfuse; -cmd readee 0 64; -cmd dumphex out.hex",
		cmdList))

	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	chipcopy.SetLogger(log.StandardLogger())

	var socket, bus *chipcopy.Device
	var profile *chipcopy.Profile

	switch {
	case *serialPort != "":
		port := chipcopy.NewSTK500(*serialPort, *baud)
		defer port.Close()
		socket = chipcopy.NewDevice("serial", port)

	case *profilePath != "":
		f, err := os.Open(*profilePath)
		if err != nil {
			log.Fatalf("failed to open profile file: %v", err)
		}
		profile, err = chipcopy.LoadProfile(f)
		f.Close()
		if err != nil {
			log.Fatalf("failed to load profile: %v", err)
		}
		if _, err := host.Init(); err != nil {
			log.Fatalf("failed to initialise gpio host: %v", err)
		}
		socket, bus, err = profile.Devices()
		if err != nil {
			log.Fatal(err)
		}

	default:
		log.Fatal("must specify -profile or -serial")
	}

	if *command != "" {
		f, ok := commands[*command]
		if !ok {
			log.Fatalf("invalid command %v", *command)
		}
		dev := socket
		if *iface == "bus" {
			if bus == nil {
				log.Fatal("bus interface requires -profile")
			}
			dev = bus
		}
		f(dev, flag.Args())
		return
	}

	// Clone loop.
	if bus == nil {
		log.Fatal("the clone loop requires -profile")
	}
	source, target := bus, socket
	if *reverse {
		source, target = socket, bus
	}
	log.Infof("cloning %s -> %s", source.Name(), target.Name())

	copier := chipcopy.NewCopier(source, target)
	copier.SetProgressFunc(func(p chipcopy.Progress) {
		log.Debugf("%s %d/%d", p.Phase, p.Current, p.Total)
	})

	trigger, err := profile.TriggerFunc()
	if err != nil {
		log.Fatal(err)
	}

	seq := chipcopy.NewSequencer(copier, socket, trigger)
	seq.SetStateFunc(stateIndicator(profile, seq))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infof("waiting for a chip in the socket...")
	if err := seq.Run(ctx, 100*time.Millisecond); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}

// stateIndicator drives the status LEDs named in the profile and logs state
// transitions. Missing LED pins are skipped silently.
func stateIndicator(profile *chipcopy.Profile, seq *chipcopy.Sequencer) chipcopy.StateFunc {
	var green, red gpio.PinIO
	if profile.GreenLED != "" {
		green = gpioreg.ByName(profile.GreenLED)
	}
	if profile.RedLED != "" {
		red = gpioreg.ByName(profile.RedLED)
	}
	set := func(pin gpio.PinIO, on bool) {
		if pin != nil {
			if err := pin.Out(gpio.Level(on)); err != nil {
				log.Debugf("led: %v", err)
			}
		}
	}
	return func(state chipcopy.State) {
		log.Infof("state: %v", state)
		switch state {
		case chipcopy.StateSearching:
			set(green, false)
			set(red, false)
		case chipcopy.StateDetected, chipcopy.StateCopying:
			set(green, true)
			set(red, false)
		case chipcopy.StateError:
			log.Errorf("clone failed: %v", seq.LastError())
			set(green, false)
			set(red, true)
		}
	}
}
