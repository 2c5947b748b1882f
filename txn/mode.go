package txn

import "github.com/kvfs/tifs/kv"

// Unix S_IFMT file-type bits, used to translate a raw POSIX mode (as
// delivered by mknod/create/mkdir) into the kv.Kind enum and back. Kept
// local rather than importing syscall's S_IFxxx constants because the
// mapping is small, fixed, and needed on both Linux and the in-memory test
// backend regardless of build target.
const (
	sIFIFO  = 0o010000
	sIFCHR  = 0o020000
	sIFDIR  = 0o040000
	sIFBLK  = 0o060000
	sIFREG  = 0o100000
	sIFLNK  = 0o120000
	sIFSOCK = 0o140000
	sIFMT   = 0o170000
)

// kindFromMode derives the file-type enum from a raw mode_t, the way the
// original transaction layer's as_file_kind helper does.
func kindFromMode(mode uint32) kv.Kind {
	switch mode & sIFMT {
	case sIFDIR:
		return kv.KindDirectory
	case sIFLNK:
		return kv.KindSymlink
	case sIFIFO:
		return kv.KindFifo
	case sIFSOCK:
		return kv.KindSocket
	case sIFCHR:
		return kv.KindCharDevice
	case sIFBLK:
		return kv.KindBlockDevice
	default:
		return kv.KindRegular
	}
}

// permFromMode strips the file-type bits, leaving the permission bits.
func permFromMode(mode uint32) uint16 {
	return uint16(mode &^ sIFMT)
}

// kindModeBits returns the S_IFMT bits for kind, the inverse of kindFromMode.
func kindModeBits(kind kv.Kind) uint32 {
	switch kind {
	case kv.KindDirectory:
		return sIFDIR
	case kv.KindSymlink:
		return sIFLNK
	case kv.KindFifo:
		return sIFIFO
	case kv.KindSocket:
		return sIFSOCK
	case kv.KindCharDevice:
		return sIFCHR
	case kv.KindBlockDevice:
		return sIFBLK
	default:
		return sIFREG
	}
}

// MakeMode recombines a kv.Kind and permission bits into a raw mode_t, for
// callers (fsadapter) that need to hand a full mode back to the kernel.
func MakeMode(kind kv.Kind, perm uint16) uint32 {
	return kindModeBits(kind) | uint32(perm)
}
