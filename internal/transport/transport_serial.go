package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

const defaultReadTimeout = 100 * time.Millisecond

// SerialTransport is the cross-platform Transport backend, built on
// go.bug.st/serial. It is the default for every OS this driver runs on.
type SerialTransport struct {
	port     serial.Port
	portName string
}

// OpenSerial opens portName at baudRate and returns a ready Transport.
func OpenSerial(portName string, baudRate int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: set read timeout: %w", err)
	}

	return &SerialTransport{port: port, portName: portName}, nil
}

func (t *SerialTransport) Close() error {
	return t.port.Close()
}

func (t *SerialTransport) Write(buf []byte) error {
	_, err := t.port.Write(buf)
	return err
}

func (t *SerialTransport) Read(buf []byte) (int, error) {
	return t.port.Read(buf)
}

func (t *SerialTransport) Flush() error {
	return t.port.ResetInputBuffer()
}

func (t *SerialTransport) SetControlLines(dtr, rts bool) error {
	if err := t.port.SetDTR(dtr); err != nil {
		return fmt.Errorf("transport: set DTR: %w", err)
	}
	if err := t.port.SetRTS(rts); err != nil {
		return fmt.Errorf("transport: set RTS: %w", err)
	}
	return nil
}

func (t *SerialTransport) SetReadTimeout(d time.Duration) error {
	return t.port.SetReadTimeout(d)
}

// SetBaudRate switches the already-open port to a new rate, used after the
// chip acknowledges CHANGE_BAUDRATE.
func (t *SerialTransport) SetBaudRate(baud int) error {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return t.port.SetMode(mode)
}

// PortName returns the underlying OS device path.
func (t *SerialTransport) PortName() string {
	return t.portName
}

// ListPorts returns the OS-visible serial ports, for device discovery.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
