// Package transport implements the byte-level link to a chip's bootloader:
// reading and writing raw bytes and toggling the DTR/RTS control lines used
// to drive it into and out of the ROM loader. It owns no framing, no
// command semantics, and no retry logic — that lives in internal/session.
package transport

import "time"

// Transport is the narrow capability the session consumes: flush, a
// short-timeout read, a write, and control-line toggles. Implementations
// are synchronous; Read is expected to return promptly with whatever is
// available, including zero bytes, rather than blocking indefinitely.
type Transport interface {
	// Flush discards any buffered, unread input.
	Flush() error
	// Read reads into buf, returning the number of bytes read. Returning
	// (0, nil) on a timeout with no data is expected, not an error.
	Read(buf []byte) (int, error)
	// Write writes buf in full or returns an error.
	Write(buf []byte) error
	// SetControlLines sets the DTR and RTS signals.
	SetControlLines(dtr, rts bool) error
	// Close releases the underlying link.
	Close() error
}

// BaudSetter is implemented by transports that can retune their baud rate
// without reopening the link, used after CHANGE_BAUDRATE is acknowledged.
type BaudSetter interface {
	SetBaudRate(baud int) error
}

// ReadTimeoutSetter is implemented by transports whose Read timeout can be
// adjusted. The session does not use it: it enforces each command's
// deadline by polling Read at the transport's fixed read timeout.
type ReadTimeoutSetter interface {
	SetReadTimeout(d time.Duration) error
}

// enterBootloaderSequence and runUserCodeSequence are the DTR/RTS pulse
// trains that drive the classic Espressif auto-reset circuit: holding
// GPIO0 low across a reset enters the ROM loader, releasing it boots the
// flashed application. Each entry is (dtr, rts, holdAfter).
type linePulse struct {
	dtr, rts bool
	hold     time.Duration
}

var enterBootloaderSequence = []linePulse{
	{dtr: true, rts: false, hold: 100 * time.Millisecond},
	{dtr: false, rts: true, hold: 100 * time.Millisecond},
	{dtr: true, rts: false, hold: 0},
}

var runUserCodeSequence = []linePulse{
	{dtr: false, rts: false, hold: 100 * time.Millisecond},
	{dtr: false, rts: true, hold: 100 * time.Millisecond},
	{dtr: false, rts: false, hold: 0},
}

// EnterBootloader drives t through the reset-into-bootloader pulse train.
func EnterBootloader(t Transport) error {
	return runSequence(t, enterBootloaderSequence)
}

// RunUserCode drives t through the reset-and-release pulse train that
// boots the flashed application.
func RunUserCode(t Transport) error {
	return runSequence(t, runUserCodeSequence)
}

func runSequence(t Transport, seq []linePulse) error {
	for _, p := range seq {
		if err := t.SetControlLines(p.dtr, p.rts); err != nil {
			return err
		}
		if p.hold > 0 {
			time.Sleep(p.hold)
		}
	}
	return nil
}
