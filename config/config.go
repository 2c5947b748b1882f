// Package config parses mount options and backend selection into a typed
// Config, the way spec.md §6's MountOption enum and §1's "CLI passes
// endpoints, mountpoint, and parsed options into the core constructor"
// describe, kept deliberately thin per that Non-goal.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultBlockSize is the block size used when no blksize= mount option is
// given (1<<16, matching the original TiFs::DEFAULT_BLOCK_SIZE).
const DefaultBlockSize uint64 = 1 << 16

// ScanLimit mirrors the original's TiFs::SCAN_LIMIT (1<<10). The core does
// not pass it to Store.Scan: block-range reads are capped at the number of
// blocks in the range, and block deletion and statfs accounting scan
// without a limit.
const ScanLimit = 1 << 10

// Backend selects which txn.Factory the core is constructed against.
type Backend string

const (
	BackendTiKV   Backend = "tikv"
	BackendMemory Backend = "memory"
)

// Config is the fully parsed set of knobs the core constructor needs: the
// backend to dial, the block size the mount either confirms or establishes,
// and the per-mount behavior flags.
type Config struct {
	Backend     Backend
	PDEndpoints []string
	DialTimeout time.Duration

	MountPoint string
	BlockSize  uint64
	DirectIO   bool

	// Passthrough flags for the kernel bridge's own mount call; the core
	// does not interpret these, only forwards them (§1: the FUSE bridge
	// itself is out of scope).
	AllowOther bool
	ReadOnly   bool
}

// Default returns a Config with the original source's defaults: in-memory
// backend, default block size, no mount options set.
func Default() Config {
	return Config{
		Backend:     BackendMemory,
		DialTimeout: 10 * time.Second,
		BlockSize:   DefaultBlockSize,
	}
}

// ApplyMountOption applies one raw `-o` style mount option string, matching
// the MountOption enum spec.md §6 lists: `direct_io` and `blksize=<N>`
// (stored value is N<<10 bytes).
func (c *Config) ApplyMountOption(opt string) error {
	switch {
	case opt == "direct_io":
		c.DirectIO = true
	case opt == "allow_other":
		c.AllowOther = true
	case opt == "ro":
		c.ReadOnly = true
	case strings.HasPrefix(opt, "blksize="):
		n, err := strconv.ParseUint(strings.TrimPrefix(opt, "blksize="), 10, 64)
		if err != nil {
			return fmt.Errorf("config: invalid blksize mount option %q: %w", opt, err)
		}
		c.BlockSize = n << 10
	default:
		return fmt.Errorf("config: unrecognized mount option %q", opt)
	}
	return nil
}

// ParseMountOptions applies a comma-separated `-o a,b,c` option string, the
// shape a CLI front-end typically hands the core constructor.
func (c *Config) ParseMountOptions(csv string) error {
	if csv == "" {
		return nil
	}
	for _, opt := range strings.Split(csv, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		if err := c.ApplyMountOption(opt); err != nil {
			return err
		}
	}
	return nil
}
