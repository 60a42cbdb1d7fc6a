package session

import (
	"time"

	"github.com/dkaukov/esp-32-flash/internal/protocol"
)

// Config holds tunable session behavior. All fields have defaults that
// match the reference bootloader's own budgets; callers override them via
// Option.
type Config struct {
	// FlashSize is reported to the chip in SPI_SET_PARAMS. Defaults to
	// 4 MiB.
	FlashSize uint32

	// SyncAttempts bounds how many SYNC attempts, the first included, are
	// made before giving up.
	SyncAttempts int

	// SyncTimeout is the per-attempt SYNC reply deadline.
	SyncTimeout time.Duration

	// BlockTimeoutPerMB scales the per-block write deadline by chunk
	// size, floored at protocol.DefaultTimeout.
	BlockTimeoutPerMB time.Duration

	// EraseTimeoutPerMB scales the FLASH_BEGIN/FLASH_DEFL_BEGIN deadline
	// in ROM-only mode, where BEGIN triggers a synchronous flash erase
	// over the whole write region rather than a single block transfer.
	EraseTimeoutPerMB time.Duration

	// BlockRetries bounds how many times a single block is resent after
	// a failure before the image transfer aborts.
	BlockRetries int

	// StrictCorrelation, when true, treats a reply whose echoed opcode
	// does not match the request as a failure. The reference bootloader
	// does not check this; default is false to match it.
	StrictCorrelation bool

	// Progress receives phase and block-level progress reports, if set.
	Progress ProgressCallback

	// SkipVerify disables the post-write SPI_FLASH_MD5 check entirely.
	SkipVerify bool
}

func defaultConfig() Config {
	return Config{
		FlashSize:         4 * 1024 * 1024,
		SyncAttempts:      7,
		SyncTimeout:       100 * time.Millisecond,
		BlockTimeoutPerMB: 40 * time.Millisecond,
		EraseTimeoutPerMB: protocol.EraseTimeoutPerMB,
		BlockRetries:      1,
		StrictCorrelation: false,
	}
}

// Option configures a Session at construction time.
type Option func(*Config)

// WithFlashSize overrides the flash size reported to the chip.
func WithFlashSize(size uint32) Option {
	return func(c *Config) { c.FlashSize = size }
}

// WithSyncAttempts overrides the total number of SYNC attempts.
func WithSyncAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.SyncAttempts = n
		}
	}
}

// WithSyncTimeout overrides the per-attempt SYNC deadline.
func WithSyncTimeout(d time.Duration) Option {
	return func(c *Config) { c.SyncTimeout = d }
}

// WithBlockTimeout overrides the per-MB scaling factor for block write
// deadlines.
func WithBlockTimeout(perMB time.Duration) Option {
	return func(c *Config) { c.BlockTimeoutPerMB = perMB }
}

// WithEraseTimeout overrides the per-MB scaling factor for the ROM-only
// FLASH_BEGIN/FLASH_DEFL_BEGIN erase deadline.
func WithEraseTimeout(perMB time.Duration) Option {
	return func(c *Config) { c.EraseTimeoutPerMB = perMB }
}

// WithBlockRetries overrides how many times a failed block is resent.
func WithBlockRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.BlockRetries = n
		}
	}
}

// WithStrictCorrelation enables op_echo validation on every reply.
func WithStrictCorrelation(strict bool) Option {
	return func(c *Config) { c.StrictCorrelation = strict }
}

// WithProgress sets the progress observer.
func WithProgress(cb ProgressCallback) Option {
	return func(c *Config) { c.Progress = cb }
}

// WithSkipVerify disables the post-write MD5 verification phase.
func WithSkipVerify(skip bool) Option {
	return func(c *Config) { c.SkipVerify = skip }
}
