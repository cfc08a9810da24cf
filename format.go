package engram

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Wire-format constants, spec §6.
const (
	HeaderSize         = 64
	EndSize            = 64
	CDEntrySize        = 320
	MaxPathLength      = 255
	FrameSize          = 65536
	LargeFileThreshold = 52_428_800 // 50 MiB
	SmallFileBypass    = 4096

	localSignature = "LOCA"
	centralSignatureTag = "CENT"
	endSignature   = "ENDR"
)

var fileMagic = [8]byte{0x89, 'E', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// CurrentMajor/CurrentMinor are the format version this package writes.
// SupportedMajorVersions is the read-compat range decided in DESIGN.md
// Open Question (a): a reader accepts any of these majors but the writer
// only ever emits CurrentMajor/CurrentMinor.
const (
	CurrentMajor = 1
	CurrentMinor = 0
)

var SupportedMajorVersions = []uint16{0, 1}

func majorSupported(major uint16) bool {
	for _, m := range SupportedMajorVersions {
		if m == major {
			return true
		}
	}
	return false
}

// CompressionMethod identifies how an entry's stored bytes relate to its
// plaintext. Spec §4.1.
type CompressionMethod uint8

const (
	MethodNone     CompressionMethod = 0
	MethodFast     CompressionMethod = 1
	MethodBalanced CompressionMethod = 2
)

func (m CompressionMethod) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodFast:
		return "fast"
	case MethodBalanced:
		return "balanced"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

func (m CompressionMethod) valid() bool {
	return m == MethodNone || m == MethodFast || m == MethodBalanced
}

// EncryptionMode occupies header flag bits 0-1, spec §6.
type EncryptionMode uint8

const (
	EncryptionNone         EncryptionMode = 0
	EncryptionWholeArchive EncryptionMode = 1
	EncryptionPerEntry     EncryptionMode = 2
)

const encryptionModeMask = 0x3

// fileHeader is the in-memory form of the 64-byte file header.
type fileHeader struct {
	versionMajor   uint16
	versionMinor   uint16
	cdOffset       uint64
	cdSize         uint64
	entryCount     uint32
	contentVersion uint32
	flags          uint32
}

func (h fileHeader) encryptionMode() EncryptionMode {
	return EncryptionMode(h.flags & encryptionModeMask)
}

func (h fileHeader) marshal() [HeaderSize]byte {
	var b [HeaderSize]byte
	copy(b[0:8], fileMagic[:])
	binary.LittleEndian.PutUint16(b[8:10], h.versionMajor)
	binary.LittleEndian.PutUint16(b[10:12], h.versionMinor)
	binary.LittleEndian.PutUint32(b[12:16], crc32.ChecksumIEEE(b[0:12]))
	binary.LittleEndian.PutUint64(b[16:24], h.cdOffset)
	binary.LittleEndian.PutUint64(b[24:32], h.cdSize)
	binary.LittleEndian.PutUint32(b[32:36], h.entryCount)
	binary.LittleEndian.PutUint32(b[36:40], h.contentVersion)
	binary.LittleEndian.PutUint32(b[40:44], h.flags)
	// bytes 44:64 reserved, left zero
	return b
}

func parseFileHeader(b []byte) (fileHeader, error) {
	if len(b) < HeaderSize {
		return fileHeader{}, &Error{Kind: TruncatedError, Op: "open", Err: fmt.Errorf("header: got %d bytes, want %d", len(b), HeaderSize)}
	}
	if [8]byte(b[0:8]) != fileMagic {
		return fileHeader{}, &Error{Kind: FormatError, Op: "open", Err: fmt.Errorf("bad magic")}
	}
	wantCRC := crc32.ChecksumIEEE(b[0:12])
	gotCRC := binary.LittleEndian.Uint32(b[12:16])
	if wantCRC != gotCRC {
		return fileHeader{}, &Error{Kind: FormatError, Op: "open", Err: fmt.Errorf("header crc32 mismatch: got %#x want %#x", gotCRC, wantCRC)}
	}
	h := fileHeader{
		versionMajor:   binary.LittleEndian.Uint16(b[8:10]),
		versionMinor:   binary.LittleEndian.Uint16(b[10:12]),
		cdOffset:       binary.LittleEndian.Uint64(b[16:24]),
		cdSize:         binary.LittleEndian.Uint64(b[24:32]),
		entryCount:     binary.LittleEndian.Uint32(b[32:36]),
		contentVersion: binary.LittleEndian.Uint32(b[36:40]),
		flags:          binary.LittleEndian.Uint32(b[40:44]),
	}
	if !majorSupported(h.versionMajor) {
		return fileHeader{}, &Error{Kind: UnsupportedVersion, Op: "open", Err: fmt.Errorf("format major version %d not in supported range %v", h.versionMajor, SupportedMajorVersions)}
	}
	if h.flags&^uint32(encryptionModeMask) != 0 {
		return fileHeader{}, &Error{Kind: FormatError, Op: "open", Err: fmt.Errorf("reserved flag bits set: %#x", h.flags)}
	}
	return h, nil
}

// localRecord is the variable-length record preceding an entry's stored bytes.
type localRecord struct {
	uncompressedSize uint64
	compressedSize   uint64
	crc32            uint32
	modTime          int64
	method           CompressionMethod
	flags            uint8
	path             string
}

func (l localRecord) marshal() []byte {
	pathBytes := []byte(l.path)
	b := make([]byte, 40+len(pathBytes))
	copy(b[0:4], localSignature)
	binary.LittleEndian.PutUint64(b[4:12], l.uncompressedSize)
	binary.LittleEndian.PutUint64(b[12:20], l.compressedSize)
	binary.LittleEndian.PutUint32(b[20:24], l.crc32)
	binary.LittleEndian.PutUint64(b[24:32], uint64(l.modTime))
	b[32] = byte(l.method)
	b[33] = l.flags
	binary.LittleEndian.PutUint16(b[34:36], uint16(len(pathBytes)))
	// 36:40 reserved
	copy(b[40:], pathBytes)
	return b
}

// localRecordFixedSize is the size of the fixed portion (before the path).
const localRecordFixedSize = 40

func parseLocalRecordFixed(b []byte) (localRecord, int, error) {
	if len(b) < localRecordFixedSize {
		return localRecord{}, 0, &Error{Kind: TruncatedError, Op: "read", Err: fmt.Errorf("local record: got %d bytes, want at least %d", len(b), localRecordFixedSize)}
	}
	if string(b[0:4]) != localSignature {
		return localRecord{}, 0, &Error{Kind: FormatError, Op: "read", Err: fmt.Errorf("bad local record signature %q", b[0:4])}
	}
	pathLen := int(binary.LittleEndian.Uint16(b[34:36]))
	l := localRecord{
		uncompressedSize: binary.LittleEndian.Uint64(b[4:12]),
		compressedSize:   binary.LittleEndian.Uint64(b[12:20]),
		crc32:            binary.LittleEndian.Uint32(b[20:24]),
		modTime:          int64(binary.LittleEndian.Uint64(b[24:32])),
		method:           CompressionMethod(b[32]),
		flags:            b[33],
	}
	return l, pathLen, nil
}

// centralRecord is one fixed 320-byte slot in the central directory.
type centralRecord struct {
	localOffset      uint64
	uncompressedSize uint64
	compressedSize   uint64
	crc32            uint32
	modTime          int64
	method           CompressionMethod
	flags            uint8
	path             string
}

func (c centralRecord) marshal() ([CDEntrySize]byte, error) {
	var b [CDEntrySize]byte
	pathBytes := []byte(c.path)
	if len(pathBytes) > MaxPathLength {
		return b, &Error{Kind: PathError, Op: "finalize", Path: c.path, Err: fmt.Errorf("path exceeds %d bytes", MaxPathLength)}
	}
	copy(b[0:4], centralSignatureTag)
	binary.LittleEndian.PutUint64(b[4:12], c.localOffset)
	binary.LittleEndian.PutUint64(b[12:20], c.uncompressedSize)
	binary.LittleEndian.PutUint64(b[20:28], c.compressedSize)
	binary.LittleEndian.PutUint32(b[28:32], c.crc32)
	binary.LittleEndian.PutUint64(b[32:40], uint64(c.modTime))
	b[40] = byte(c.method)
	b[41] = c.flags
	binary.LittleEndian.PutUint16(b[42:44], uint16(len(pathBytes)))
	copy(b[44:44+256], pathBytes)
	return b, nil
}

func parseCentralRecord(b []byte) (centralRecord, error) {
	if len(b) != CDEntrySize {
		return centralRecord{}, &Error{Kind: FormatError, Op: "initialize", Err: fmt.Errorf("central record: got %d bytes, want %d", len(b), CDEntrySize)}
	}
	if string(b[0:4]) != centralSignatureTag {
		return centralRecord{}, &Error{Kind: FormatError, Op: "initialize", Err: fmt.Errorf("bad central record signature %q", b[0:4])}
	}
	pathLen := int(binary.LittleEndian.Uint16(b[42:44]))
	if pathLen > 256 {
		return centralRecord{}, &Error{Kind: FormatError, Op: "initialize", Err: fmt.Errorf("central record path_length %d exceeds field width", pathLen)}
	}
	c := centralRecord{
		localOffset:      binary.LittleEndian.Uint64(b[4:12]),
		uncompressedSize: binary.LittleEndian.Uint64(b[12:20]),
		compressedSize:   binary.LittleEndian.Uint64(b[20:28]),
		crc32:            binary.LittleEndian.Uint32(b[28:32]),
		modTime:          int64(binary.LittleEndian.Uint64(b[32:40])),
		method:           CompressionMethod(b[40]),
		flags:            b[41],
		path:             string(b[44 : 44+pathLen]),
	}
	return c, nil
}

// endRecord is the fixed 64-byte trailer.
type endRecord struct {
	cdOffset   uint64
	cdSize     uint64
	entryCount uint32
}

func (e endRecord) marshal() [EndSize]byte {
	var b [EndSize]byte
	copy(b[0:4], endSignature)
	binary.LittleEndian.PutUint64(b[4:12], e.cdOffset)
	binary.LittleEndian.PutUint64(b[12:20], e.cdSize)
	binary.LittleEndian.PutUint32(b[20:24], e.entryCount)
	binary.LittleEndian.PutUint32(b[24:28], crc32.ChecksumIEEE(b[0:24]))
	return b
}

func parseEndRecord(b []byte) (endRecord, error) {
	if len(b) < EndSize {
		return endRecord{}, &Error{Kind: TruncatedError, Op: "initialize", Err: fmt.Errorf("end record: got %d bytes, want %d", len(b), EndSize)}
	}
	if string(b[0:4]) != endSignature {
		return endRecord{}, &Error{Kind: FormatError, Op: "initialize", Err: fmt.Errorf("bad end record signature %q", b[0:4])}
	}
	wantCRC := crc32.ChecksumIEEE(b[0:24])
	gotCRC := binary.LittleEndian.Uint32(b[24:28])
	if wantCRC != gotCRC {
		return endRecord{}, &Error{Kind: FormatError, Op: "initialize", Err: fmt.Errorf("end record crc32 mismatch: got %#x want %#x", gotCRC, wantCRC)}
	}
	e := endRecord{
		cdOffset:   binary.LittleEndian.Uint64(b[4:12]),
		cdSize:     binary.LittleEndian.Uint64(b[12:20]),
		entryCount: binary.LittleEndian.Uint32(b[20:24]),
	}
	return e, nil
}
