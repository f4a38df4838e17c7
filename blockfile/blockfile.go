// Package blockfile implements the on-disk layout of one block file: a
// fixed header, a directory of fixed-size block entries, and a payload
// region holding each block's (possibly compressed) bytes.
//
// Layout (little-endian throughout):
//
//	offset 0   magic "IBLK" (4 bytes)
//	offset 4   version (uint16)
//	offset 6   blocksPerFile (uint16)
//	offset 8   directory: blocksPerFile * DirEntrySize bytes
//	offset 8+N block payloads, each referenced by its directory entry's
//	           Offset/CompSize
package blockfile

import (
	"bytes"

	"github.com/xiyuyi/visusgo/endian"
	"github.com/xiyuyi/visusgo/errs"
	"github.com/xiyuyi/visusgo/internal/hash"
)

// Magic identifies a block file.
var Magic = [4]byte{'I', 'B', 'L', 'K'}

const (
	// Version is the current on-disk format version.
	Version = 1
	// HeaderSize is the fixed size of the block file header.
	HeaderSize = 8
	// DirEntrySize is the fixed size of one directory entry.
	DirEntrySize = 1 + 1 + 2 + 4 + 8 + 4 // codec, flags, reserved, compSize, offset, checksum

	// FlagHole marks a directory entry whose block has never been
	// written (a "hole"); its CompSize/Offset/Checksum are meaningless.
	FlagHole uint8 = 0x01
	// FlagLossy marks a directory entry whose payload was written with a
	// lossy codec, so WriteBlock can refuse to later overwrite it with a
	// different lossy codec (errs.ErrMixedLossyCodec).
	FlagLossy uint8 = 0x02
)

var engine = endian.GetLittleEndianEngine()

// DirEntry is one block's directory record.
type DirEntry struct {
	Codec    uint8 // codec index; the index-to-tag table is kept by the caller (access.codecTable)
	Flags    uint8
	CompSize uint32
	Offset   uint64
	Checksum uint32 // low 32 bits of the xxHash64 digest of the compressed payload
}

// IsHole reports whether the entry's block has never been written.
func (e DirEntry) IsHole() bool { return e.Flags&FlagHole != 0 }

// IsLossy reports whether the entry's payload was written with a lossy codec.
func (e DirEntry) IsLossy() bool { return e.Flags&FlagLossy != 0 }

// Bytes serializes the entry to DirEntrySize bytes.
func (e DirEntry) Bytes() []byte {
	b := make([]byte, DirEntrySize)
	b[0] = e.Codec
	b[1] = e.Flags
	// bytes 2-3 reserved, left zero
	engine.PutUint32(b[4:8], e.CompSize)
	engine.PutUint64(b[8:16], e.Offset)
	engine.PutUint32(b[16:20], e.Checksum)

	return b
}

// ParseDirEntry parses a DirEntrySize-byte record.
func ParseDirEntry(b []byte) (DirEntry, error) {
	if len(b) != DirEntrySize {
		return DirEntry{}, errs.ErrInvalidHeaderSize
	}

	return DirEntry{
		Codec:    b[0],
		Flags:    b[1],
		CompSize: engine.Uint32(b[4:8]),
		Offset:   engine.Uint64(b[8:16]),
		Checksum: engine.Uint32(b[16:20]),
	}, nil
}

// Header is the parsed fixed header plus its directory.
type Header struct {
	Version       uint16
	BlocksPerFile uint16
	Dir           []DirEntry
}

// NewHeader creates an empty header (all entries holes) for a file
// holding blocksPerFile blocks.
func NewHeader(blocksPerFile uint16) Header {
	dir := make([]DirEntry, blocksPerFile)
	for i := range dir {
		dir[i].Flags = FlagHole
	}

	return Header{Version: Version, BlocksPerFile: blocksPerFile, Dir: dir}
}

// Size returns the total byte size of the header plus directory.
func (h Header) Size() int {
	return HeaderSize + len(h.Dir)*DirEntrySize
}

// Bytes serializes the header and directory.
func (h Header) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, h.Size()))
	buf.Write(Magic[:])

	var tmp [4]byte
	engine.PutUint16(tmp[0:2], h.Version)
	engine.PutUint16(tmp[2:4], h.BlocksPerFile)
	buf.Write(tmp[:])

	for _, e := range h.Dir {
		buf.Write(e.Bytes())
	}

	return buf.Bytes()
}

// Parse parses a header plus directory out of b.
func Parse(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errs.Wrap(errs.KindMalformedHeader, "block file too short for header", errs.ErrInvalidHeaderSize)
	}
	if !bytes.Equal(b[0:4], Magic[:]) {
		return Header{}, errs.New(errs.KindMalformedHeader, "bad block file magic")
	}

	version := engine.Uint16(b[4:6])
	blocksPerFile := engine.Uint16(b[6:8])

	need := HeaderSize + int(blocksPerFile)*DirEntrySize
	if len(b) < need {
		return Header{}, errs.Wrap(errs.KindMalformedHeader, "block file too short for directory", errs.ErrTruncated)
	}

	dir := make([]DirEntry, blocksPerFile)
	for i := range dir {
		off := HeaderSize + i*DirEntrySize
		e, err := ParseDirEntry(b[off : off+DirEntrySize])
		if err != nil {
			return Header{}, err
		}
		dir[i] = e
	}

	return Header{Version: version, BlocksPerFile: blocksPerFile, Dir: dir}, nil
}

// Checksum computes the directory checksum for a compressed payload: the
// low 32 bits of its xxHash64 digest.
func Checksum(payload []byte) uint32 {
	return uint32(hash.Bytes(payload))
}
