// Package discover scans serial ports for an attached chip in the
// bootloader ROM, generalizing the single-fixed-chip probe into the full
// chip registry via the session package's Bootstrap sequence.
package discover

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/dkaukov/esp-32-flash/internal/protocol"
	"github.com/dkaukov/esp-32-flash/internal/session"
	"github.com/dkaukov/esp-32-flash/internal/transport"
)

// Result is one successfully probed port.
type Result struct {
	Port string
	Chip protocol.Chip
}

// DefaultProbeBaud is a conventional probing baud rate. Probe, Scan and
// First probe at the rate their caller passes, and a returned Session is
// left at that rate, since probing never renegotiates.
const DefaultProbeBaud = 115200

// Probe opens portName, runs the reset/sync/detect/stub/init sequence,
// and returns both the detected chip and a ready Session so a caller that
// already knows which port it wants doesn't have to bootstrap twice.
func Probe(portName string, baud int, opts ...session.Option) (*session.Session, protocol.Chip, error) {
	t, err := transport.OpenSerial(portName, baud)
	if err != nil {
		return nil, protocol.ChipUnknown, errors.Annotatef(err, "open %s", portName)
	}

	s, err := session.Bootstrap(t, baud, opts...)
	if err != nil {
		t.Close()
		return nil, protocol.ChipUnknown, errors.Trace(err)
	}
	return s, s.Chip(), nil
}

// Scan probes every listed serial port and returns the ones that answered
// the bootloader handshake. Ports that fail to open or don't sync are
// skipped, not reported as errors — "not our device" is the expected
// outcome for most ports on a shared machine.
func Scan(baud int) ([]Result, error) {
	ports, err := transport.ListPorts()
	if err != nil {
		return nil, errors.Annotate(err, "list serial ports")
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("discover: no serial ports found")
	}

	var results []Result
	for _, portName := range ports {
		s, chip, err := Probe(portName, baud)
		if err != nil {
			glog.V(1).Infof("discover: %s: %v", portName, err)
			continue
		}
		results = append(results, Result{Port: portName, Chip: chip})
		_ = s.Reset()
		_ = s.Close()
	}
	return results, nil
}

// First returns the first port that answers the handshake, leaving its
// Session open and ready for use. Callers own the returned Session and
// must close its Transport when done.
func First(baud int, opts ...session.Option) (*session.Session, Result, error) {
	ports, err := transport.ListPorts()
	if err != nil {
		return nil, Result{}, errors.Annotate(err, "list serial ports")
	}

	var lastErr error
	for _, portName := range ports {
		s, chip, err := Probe(portName, baud, opts...)
		if err != nil {
			lastErr = err
			continue
		}
		return s, Result{Port: portName, Chip: chip}, nil
	}

	if lastErr != nil {
		return nil, Result{}, errors.Annotate(lastErr, "discover: no device found")
	}
	return nil, Result{}, fmt.Errorf("discover: no device found on any port")
}
