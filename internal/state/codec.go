package state

import (
	"errors"
	"fmt"
)

// ErrInvalidAccountData is returned when decoding bytes whose discriminator
// does not match the expected entity type, or whose payload is truncated.
var ErrInvalidAccountData = errors.New("invalid account data")

// Every persisted entity is prefixed with an 8-byte discriminator so a blob
// can never be decoded as the wrong type.
const DiscriminatorLen = 8

var (
	ProposalDiscriminator    = [8]byte{0x50, 0x52, 0x4f, 0x50, 0x4f, 0x53, 0x41, 0x4c} // "PROPOSAL"
	PositionDiscriminator    = [8]byte{0x50, 0x4f, 0x53, 0x49, 0x54, 0x49, 0x4f, 0x4e} // "POSITION"
	ChainDiscriminator       = [8]byte{0x43, 0x48, 0x41, 0x49, 0x4e, 0x50, 0x4f, 0x53} // "CHAINPOS"
	CrossMarginDiscriminator = [8]byte{0x58, 0x4d, 0x41, 0x52, 0x47, 0x49, 0x4e, 0x41} // "XMARGINA"
	VaultDiscriminator       = [8]byte{0x4d, 0x4d, 0x54, 0x56, 0x41, 0x55, 0x4c, 0x54} // "MMTVAULT"
)

// checkDiscriminator validates the 8-byte prefix and returns the payload.
func checkDiscriminator(data []byte, want [8]byte, entity string) ([]byte, error) {
	if len(data) < DiscriminatorLen {
		return nil, fmt.Errorf("%w: %s blob too short (%d bytes)", ErrInvalidAccountData, entity, len(data))
	}
	for i := 0; i < DiscriminatorLen; i++ {
		if data[i] != want[i] {
			return nil, fmt.Errorf("%w: discriminator mismatch for %s", ErrInvalidAccountData, entity)
		}
	}
	return data[DiscriminatorLen:], nil
}

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func appendUint16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

// decoder reads little-endian fields from a payload, tracking a single
// error so call sites stay flat.
type decoder struct {
	buf []byte
	off int
	err error
}

func newDecoder(payload []byte) *decoder {
	return &decoder{buf: payload}
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated %s at offset %d", ErrInvalidAccountData, what, d.off)
	}
}

func (d *decoder) bytes(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.fail(what)
		return nil
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out
}

func (d *decoder) uint64(what string) uint64 {
	b := d.bytes(8, what)
	if b == nil {
		return 0
	}
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func (d *decoder) int64(what string) int64 {
	return int64(d.uint64(what))
}

func (d *decoder) uint16(what string) uint16 {
	b := d.bytes(2, what)
	if b == nil {
		return 0
	}
	return uint16(b[0]) | uint16(b[1])<<8
}

func (d *decoder) byte(what string) byte {
	b := d.bytes(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uuid(what string) [16]byte {
	var out [16]byte
	b := d.bytes(16, what)
	if b != nil {
		copy(out[:], b)
	}
	return out
}

// str reads a single-byte length-prefixed string.
func (d *decoder) str(what string) string {
	n := d.byte(what)
	b := d.bytes(int(n), what)
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *decoder) finish(entity string) error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return fmt.Errorf("%w: %d trailing bytes after %s", ErrInvalidAccountData, len(d.buf)-d.off, entity)
	}
	return nil
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, []byte(s)...)
}
