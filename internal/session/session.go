// Package session implements the stateful side of the bootloader
// protocol: reset/sync/detect, optional RAM stub upload, SPI attach and
// parameter set, baud renegotiation, the flash write pipeline with
// chunking/retry/compression, MD5 verification, and finish/reset. It is
// the Orchestration layer's only dependency below the CLI.
package session

import (
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/dkaukov/esp-32-flash/internal/protocol"
	"github.com/dkaukov/esp-32-flash/internal/stub"
	"github.com/dkaukov/esp-32-flash/internal/transport"
)

// Session holds everything a programming run needs: the command channel,
// the detected chip, and the negotiated state that per-command behavior
// depends on (stub loaded, current baud, flash params set).
type Session struct {
	t      transport.Transport
	ch     *channel
	config Config

	chip           protocol.Chip
	chipKnown      bool
	stubLoaded     bool
	flashParamsSet bool
	currentBaud    int

	startedAt time.Time
}

// New creates a Session over an already-open Transport at its current
// baud rate. The Transport is exclusively owned by the Session for its
// lifetime, per the single-writer contract the protocol requires.
func New(t transport.Transport, currentBaud int, opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Session{
		t:           t,
		ch:          newChannel(t, cfg.StrictCorrelation),
		config:      cfg,
		currentBaud: currentBaud,
		startedAt:   time.Now(),
	}
}

func (s *Session) report(p Progress) {
	if s.config.Progress == nil {
		return
	}
	p.Elapsed = time.Since(s.startedAt)
	s.config.Progress(p)
}

// EnterBootloader drives the DTR/RTS pulse train that holds GPIO0 low
// across a reset, landing the chip in the ROM loader.
func (s *Session) EnterBootloader() error {
	s.report(Progress{Phase: PhaseEnteringBootloader})
	if err := transport.EnterBootloader(s.t); err != nil {
		return errors.Annotate(&TransportError{Cause: err}, "enter bootloader")
	}
	return nil
}

// Close releases the underlying Transport. The Session is unusable after
// this call.
func (s *Session) Close() error {
	return s.t.Close()
}

// Reset releases the chip to boot the flashed application.
func (s *Session) Reset() error {
	s.report(Progress{Phase: PhaseResetting})
	if err := transport.RunUserCode(s.t); err != nil {
		return errors.Annotate(&TransportError{Cause: err}, "reset")
	}
	return nil
}

// Sync sends SYNC up to config.SyncAttempts times, flushing the channel
// between attempts, until the chip replies with status 0.
func (s *Session) Sync() error {
	s.report(Progress{Phase: PhaseSyncing})
	req := protocol.NewControlRequest(protocol.OpSync, protocol.SyncPayload())

	var lastErr error
	for attempt := 0; attempt < s.config.SyncAttempts; attempt++ {
		if err := s.ch.flush(); err != nil {
			lastErr = err
			continue
		}
		resp, err := s.ch.send(req, s.config.SyncTimeout)
		if err != nil {
			lastErr = err
			time.Sleep(protocol.SyncInterAttemptWait)
			continue
		}
		if resp.Success() {
			return nil
		}
		lastErr = &ChipError{Op: protocol.OpSync.String(), Status: resp.Status}
		time.Sleep(protocol.SyncInterAttemptWait)
	}
	return errors.Annotatef(lastErr, "sync failed after %d attempts", s.config.SyncAttempts)
}

// DetectChip issues READ_REG on the chip-family magic register and maps
// the result via the chip registry.
func (s *Session) DetectChip() (protocol.Chip, error) {
	s.report(Progress{Phase: PhaseDetectingChip})
	req := protocol.NewControlRequest(protocol.OpReadReg, protocol.ReadRegPayload(protocol.ChipDetectMagicRegAddr))
	resp, err := s.ch.send(req, protocol.DefaultTimeout)
	if err != nil {
		return protocol.ChipUnknown, errors.Trace(err)
	}
	if !resp.Success() {
		return protocol.ChipUnknown, errors.Trace(&ChipError{Op: protocol.OpReadReg.String(), Status: resp.Status})
	}

	chip, err := protocol.DetectChip(resp.Value)
	if err != nil {
		if uce, ok := err.(*protocol.UnsupportedChipError); ok {
			return protocol.ChipUnknown, errors.Trace(&UnsupportedChipError{Magic: uce.Magic})
		}
		return protocol.ChipUnknown, errors.Trace(err)
	}

	s.chip = chip
	s.chipKnown = true
	glog.V(1).Infof("detected chip: %s", chip)
	return chip, nil
}

// Chip returns the chip identity detected by DetectChip. Valid only after
// a successful DetectChip call.
func (s *Session) Chip() protocol.Chip {
	return s.chip
}

// LoadStub uploads the chip's RAM stub, if it has one. Chips without a
// stub (ESP8266, ESP32-C2) succeed as a no-op and continue in ROM-only
// mode. A failure partway through the upload aborts the stub path without
// failing the session — ROM-only programming remains available.
func (s *Session) LoadStub() error {
	if !s.chipKnown {
		return errors.New("session: LoadStub called before DetectChip")
	}
	s.report(Progress{Phase: PhaseLoadingStub})
	if !s.chip.HasStub() {
		return nil
	}

	desc, err := stub.ForChip(s.chip)
	if err != nil {
		glog.Warningf("no stub image for %s, continuing ROM-only: %v", s.chip, err)
		return nil
	}

	for _, region := range desc.Regions() {
		if err := s.uploadRegion(region); err != nil {
			glog.Warningf("stub upload failed, continuing ROM-only: %v", err)
			return nil
		}
	}

	if err := s.memEnd(desc.Entry); err != nil {
		glog.Warningf("stub MEM_END failed, continuing ROM-only: %v", err)
		return nil
	}

	s.stubLoaded = true
	return nil
}

func (s *Session) uploadRegion(region protocol.Region) error {
	numBlocks := ceilDiv(len(region.Bytes), protocol.MemBlockSize)
	beginReq := protocol.NewControlRequest(protocol.OpMemBegin,
		protocol.MemBeginPayload(uint32(len(region.Bytes)), uint32(numBlocks), protocol.MemBlockSize, region.Addr))
	resp, err := s.ch.send(beginReq, protocol.DefaultTimeout)
	if err != nil {
		return errors.Annotate(err, "MEM_BEGIN")
	}
	if !resp.Success() {
		return &StubLoadFailedError{Phase: "MEM_BEGIN"}
	}

	for seq := 0; seq < numBlocks; seq++ {
		start := seq * protocol.MemBlockSize
		end := start + protocol.MemBlockSize
		if end > len(region.Bytes) {
			end = len(region.Bytes)
		}
		block := region.Bytes[start:end]

		dataReq := protocol.NewDataRequest(protocol.OpMemData, protocol.MemDataPayload(block, uint32(seq)))
		resp, err := s.ch.send(dataReq, protocol.DefaultTimeout)
		if err != nil {
			return errors.Annotatef(err, "MEM_DATA seq=%d", seq)
		}
		if !resp.Success() {
			return &StubLoadFailedError{Phase: "MEM_DATA"}
		}
	}
	return nil
}

func (s *Session) memEnd(entryAddr uint32) error {
	req := protocol.NewControlRequest(protocol.OpMemEnd, protocol.MemEndPayload(entryAddr))
	resp, err := s.ch.send(req, protocol.MemEndROMTimeout)
	if err != nil {
		return errors.Annotate(err, "MEM_END")
	}
	if !resp.Success() {
		return &StubLoadFailedError{Phase: "MEM_END"}
	}
	return nil
}

// Init attaches the SPI flash (ROM path only) and sets flash parameters.
func (s *Session) Init() error {
	s.report(Progress{Phase: PhaseAttaching})
	if !s.stubLoaded {
		req := protocol.NewControlRequest(protocol.OpSpiAttach, protocol.SpiAttachPayload())
		resp, err := s.ch.send(req, protocol.DefaultTimeout)
		if err != nil {
			return errors.Annotate(err, "SPI_ATTACH")
		}
		if !resp.Success() {
			return errors.Trace(&ChipError{Op: protocol.OpSpiAttach.String(), Status: resp.Status})
		}
	}

	req := protocol.NewControlRequest(protocol.OpSpiSetParams, protocol.SpiSetParamsPayload(s.config.FlashSize))
	resp, err := s.ch.send(req, protocol.DefaultTimeout)
	if err != nil {
		return errors.Annotate(err, "SPI_SET_PARAMS")
	}
	if !resp.Success() {
		return errors.Trace(&ChipError{Op: protocol.OpSpiSetParams.String(), Status: resp.Status})
	}
	s.flashParamsSet = true
	return nil
}

// ChangeBaudRate renegotiates the link speed: the chip is told the new
// rate, and only after it acknowledges does the host Transport itself
// switch. Skipped entirely for ESP8266, whose ROM doesn't support it.
func (s *Session) ChangeBaudRate(newBaud int) error {
	if !s.chipKnown {
		return errors.New("session: ChangeBaudRate called before DetectChip")
	}
	if s.chip.SkipBaudChange() {
		return nil
	}
	s.report(Progress{Phase: PhaseChangingBaud})

	secondArg := uint32(0)
	if s.stubLoaded {
		secondArg = uint32(s.currentBaud)
	}

	req := protocol.NewControlRequest(protocol.OpChangeBaudrate, protocol.ChangeBaudratePayload(uint32(newBaud), secondArg))
	resp, err := s.ch.send(req, protocol.DefaultTimeout)
	if err != nil {
		return errors.Annotate(err, "CHANGE_BAUDRATE")
	}
	if !resp.Success() {
		return errors.Trace(&ChipError{Op: protocol.OpChangeBaudrate.String(), Status: resp.Status})
	}

	setter, ok := s.t.(transport.BaudSetter)
	if !ok {
		return errors.New("session: transport does not support baud rate changes")
	}
	if err := setter.SetBaudRate(newBaud); err != nil {
		return errors.Annotate(&TransportError{Cause: err}, "set host baud rate")
	}
	s.currentBaud = newBaud
	return nil
}

func ceilDiv(n, d int) int {
	if n == 0 {
		return 0
	}
	return (n + d - 1) / d
}

func (s *Session) blockSize() int {
	if s.stubLoaded {
		return protocol.FlashBlockSizeStub
	}
	return protocol.FlashBlockSizeROM
}
