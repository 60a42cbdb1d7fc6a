package session

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/dkaukov/esp-32-flash/internal/protocol"
)

// FlashData writes image to offset using the raw (uncompressed) path.
func (s *Session) FlashData(image []byte, offset uint32) error {
	return s.writeImage(image, offset, false)
}

// FlashCompressedData writes image to offset using the deflate path,
// compressing it with zlib at maximum compression before transfer.
func (s *Session) FlashCompressedData(image []byte, offset uint32) error {
	return s.writeImage(image, offset, true)
}

func (s *Session) writeImage(image []byte, offset uint32, compressed bool) error {
	s.report(Progress{Phase: PhaseWriting, Offset: offset, TotalBytes: len(image)})

	payload := image
	if compressed {
		deflated, err := deflate(image)
		if err != nil {
			return errors.Annotate(err, "compress image")
		}
		payload = deflated
	}

	blockSize := s.blockSize()
	numBlocks := ceilDiv(len(payload), blockSize)

	beginOp := protocol.OpFlashBegin
	dataOp := protocol.OpFlashData
	if compressed {
		beginOp = protocol.OpFlashDeflBegin
		dataOp = protocol.OpFlashDeflData
	}

	writeSize := uint32(len(image))
	if !s.stubLoaded {
		eraseBlocks := ceilDiv(len(image), blockSize)
		writeSize = uint32(eraseBlocks * blockSize)
	}

	beginPayload := protocol.FlashBeginPayload(writeSize, uint32(numBlocks), uint32(blockSize), offset, s.chip.FlashBeginTrailer())
	beginReq := protocol.NewControlRequest(beginOp, beginPayload)
	// In ROM-only mode BEGIN triggers a synchronous erase of the whole
	// write region before it replies, which takes far longer than a
	// single block transfer; the stub erases as it goes, so its BEGIN
	// reply is fast.
	beginTimeoutRate := s.config.BlockTimeoutPerMB
	if !s.stubLoaded {
		beginTimeoutRate = s.config.EraseTimeoutPerMB
	}
	beginTimeout := protocol.TimeoutForSize(beginTimeoutRate, len(image))
	resp, err := s.ch.send(beginReq, beginTimeout)
	if err != nil {
		return errors.Annotate(err, beginOp.String())
	}
	if !resp.Success() {
		return errors.Trace(&ChipError{Op: beginOp.String(), Status: resp.Status})
	}

	for seq := 0; seq < numBlocks; seq++ {
		start := seq * blockSize
		end := start + blockSize
		if end > len(payload) {
			end = len(payload)
		}
		block := payload[start:end]
		if !compressed && len(block) < blockSize {
			padded := make([]byte, blockSize)
			copy(padded, block)
			for i := len(block); i < blockSize; i++ {
				padded[i] = 0xFF
			}
			block = padded
		}

		if err := s.sendBlockWithRetry(dataOp, block, seq); err != nil {
			return errors.Annotatef(err, "block seq=%d", seq)
		}

		s.report(Progress{
			Phase:        PhaseWriting,
			Offset:       offset,
			BlockSeq:     seq,
			TotalBlocks:  numBlocks,
			BytesWritten: end,
			TotalBytes:   len(image),
		})
	}

	if err := s.verifyMD5(image, offset); err != nil {
		return err
	}

	return nil
}

func (s *Session) sendBlockWithRetry(op protocol.Op, block []byte, seq int) error {
	payload := protocol.FlashDataPayload(block, uint32(seq))
	req := protocol.NewDataRequest(op, payload)
	timeout := protocol.TimeoutForSize(s.config.BlockTimeoutPerMB, len(block))

	var lastErr error
	for attempt := 0; attempt <= s.config.BlockRetries; attempt++ {
		resp, err := s.ch.send(req, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Success() {
			return nil
		}
		lastErr = &ChipError{Op: op.String(), Status: resp.Status}
	}
	return errors.Trace(lastErr)
}

// verifyMD5 asks the chip for the MD5 of the just-written region and
// compares it to the digest computed locally over the raw image. Skipped
// entirely on ESP8266, whose ROM has no SPI_FLASH_MD5 support.
func (s *Session) verifyMD5(image []byte, offset uint32) error {
	if s.config.SkipVerify || !s.chip.SupportsMD5() {
		return nil
	}
	s.report(Progress{Phase: PhaseVerifying, Offset: offset, TotalBytes: len(image)})

	payload := protocol.FlashMD5Payload(offset, uint32(len(image)))
	req := protocol.NewControlRequest(protocol.OpSpiFlashMD5, payload)
	timeout := protocol.TimeoutForSize(protocol.MD5TimeoutPerMB, len(image))

	resp, err := s.ch.send(req, timeout)
	if err != nil {
		return errors.Annotate(err, "SPI_FLASH_MD5")
	}
	if !resp.Success() {
		return errors.Trace(&ChipError{Op: protocol.OpSpiFlashMD5.String(), Status: resp.Status})
	}

	digest, err := decodeMD5Body(resp.Body)
	if err != nil {
		return errors.Trace(&BadFrameError{Reason: err.Error()})
	}

	want := md5.Sum(image)
	if !bytes.Equal(digest, want[:]) {
		return errors.Trace(&VerifyFailedError{Offset: offset})
	}
	return nil
}

// decodeMD5Body handles both observed reply shapes: 16 raw digest bytes
// (stub mode) or a 32-byte ASCII hex string (ROM mode). Length alone
// disambiguates them.
func decodeMD5Body(body []byte) ([]byte, error) {
	switch len(body) {
	case 16:
		return body, nil
	case 32:
		decoded, err := hex.DecodeString(string(body))
		if err != nil {
			return nil, fmt.Errorf("decode hex-encoded MD5 body: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unexpected SPI_FLASH_MD5 reply body length %d", len(body))
	}
}

// deflate compresses data at zlib's best-compression level, matching the
// reference bootloader's compressed write path.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FlashFinish sends the terminal FLASH_END, telling the chip to hold off
// rebooting until Reset is called, then waits for the chip to settle.
func (s *Session) FlashFinish() error {
	req := protocol.NewControlRequest(protocol.OpFlashEnd, protocol.FlashEndPayload(false))
	resp, err := s.ch.send(req, protocol.ShortCommandTimeout)
	if err != nil {
		return errors.Annotate(err, "FLASH_END")
	}
	if !resp.Success() {
		return errors.Trace(&ChipError{Op: protocol.OpFlashEnd.String(), Status: resp.Status})
	}
	time.Sleep(protocol.FlashFinishSettle)
	return nil
}
