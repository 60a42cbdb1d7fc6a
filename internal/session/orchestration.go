package session

import (
	"github.com/juju/errors"

	"github.com/dkaukov/esp-32-flash/internal/transport"
)

// Image is one firmware blob and the flash offset it belongs at.
type Image struct {
	Data   []byte
	Offset uint32
}

// Bootstrap drives the full reset→sync→detect→stub→init sequence and
// returns a Session ready for FlashData/FlashCompressedData/FlashImages/
// ChangeBaudRate calls. It is the
// Orchestration façade's entry point, combining components E and F so
// callers that just want "get me a working session" don't have to know
// the component boundaries.
func Bootstrap(t transport.Transport, currentBaud int, opts ...Option) (*Session, error) {
	s := New(t, currentBaud, opts...)

	if err := s.EnterBootloader(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.Sync(); err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := s.DetectChip(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.LoadStub(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.Init(); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// FlashImages writes every image in order, through the deflate path when
// compress is set and the raw path otherwise, verifying each, then issues
// one FLASH_END for the whole run. It does not reset the chip; Reset is a
// separate call. Progress is reported per-image via the session's
// configured ProgressCallback.
func (s *Session) FlashImages(images []Image, compress bool) error {
	for _, img := range images {
		var err error
		if compress {
			err = s.FlashCompressedData(img.Data, img.Offset)
		} else {
			err = s.FlashData(img.Data, img.Offset)
		}
		if err != nil {
			return errors.Annotatef(err, "flash image at offset 0x%X", img.Offset)
		}
	}

	if err := s.FlashFinish(); err != nil {
		return errors.Trace(err)
	}
	s.report(Progress{Phase: PhaseComplete})
	return nil
}
