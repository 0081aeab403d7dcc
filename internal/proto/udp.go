package proto

import (
	"encoding/binary"
	"errors"
)

// UDPHeaderSize is the fixed per-datagram header: request ID, sequence
// number, total datagrams, reserved, each a big-endian uint16.
const UDPHeaderSize = 8

// UDPMaxPayloadSize is the maximum size of one UDP datagram, header
// included.
const UDPMaxPayloadSize = 1400

// UDPMaxDataPerDatagram is the body budget left after the header.
const UDPMaxDataPerDatagram = UDPMaxPayloadSize - UDPHeaderSize

// ErrShortDatagram is returned by DecodeUDPHeader when a datagram is too
// small to hold even the 8-byte header.
var ErrShortDatagram = errors.New("proto: datagram shorter than udp header")

// UDPHeader is the 8-byte per-datagram framing header.
type UDPHeader struct {
	RequestID uint16
	Sequence  uint16
	Total     uint16
	Reserved  uint16
}

// Encode serializes h as the 8 on-wire bytes.
func (h UDPHeader) Encode() [UDPHeaderSize]byte {
	var b [UDPHeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.RequestID)
	binary.BigEndian.PutUint16(b[2:4], h.Sequence)
	binary.BigEndian.PutUint16(b[4:6], h.Total)
	binary.BigEndian.PutUint16(b[6:8], h.Reserved)
	return b
}

// DecodeUDPHeader parses the 8-byte header prefixing an incoming
// datagram.
func DecodeUDPHeader(b []byte) (UDPHeader, error) {
	if len(b) < UDPHeaderSize {
		return UDPHeader{}, ErrShortDatagram
	}
	return UDPHeader{
		RequestID: binary.BigEndian.Uint16(b[0:2]),
		Sequence:  binary.BigEndian.Uint16(b[2:4]),
		Total:     binary.BigEndian.Uint16(b[4:6]),
		Reserved:  binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// FragmentDatagrams packs frags into a sequence of UDP datagrams no
// larger than UDPMaxPayloadSize (header included), each prefixed with a
// header carrying requestID and an ascending sequence number. Atomic
// fragments are never split across a datagram boundary; non-atomic
// fragments are split freely to keep datagrams full.
func FragmentDatagrams(requestID uint16, frags []Fragment) [][]byte {
	var payloads [][]byte
	var cur []byte

	flush := func() {
		payloads = append(payloads, cur)
		cur = nil
	}

	var appendSplit func(d []byte)
	appendSplit = func(d []byte) {
		for len(d) > 0 {
			room := UDPMaxDataPerDatagram - len(cur)
			if room <= 0 {
				flush()
				room = UDPMaxDataPerDatagram
			}
			n := len(d)
			if n > room {
				n = room
			}
			cur = append(cur, d[:n]...)
			d = d[n:]
		}
	}

	appendAtomic := func(d []byte) {
		if len(cur)+len(d) > UDPMaxDataPerDatagram {
			flush()
		}
		if len(d) > UDPMaxDataPerDatagram {
			// Pathological: a single atomic fragment wider than one
			// datagram's whole payload budget. Split it as a last resort
			// rather than drop data -- a VALUE header line never gets here,
			// since even a 250-byte key keeps it well under the ~1.4KB
			// budget.
			appendSplit(d)
			return
		}
		cur = append(cur, d...)
	}

	for _, f := range frags {
		if f.Atomic {
			appendAtomic(f.Data)
		} else {
			appendSplit(f.Data)
		}
	}
	if len(cur) > 0 || len(payloads) == 0 {
		flush()
	}

	total := uint16(len(payloads))
	out := make([][]byte, len(payloads))
	for i, payload := range payloads {
		hdr := UDPHeader{RequestID: requestID, Sequence: uint16(i), Total: total}
		enc := hdr.Encode()
		msg := make([]byte, 0, len(enc)+len(payload))
		msg = append(msg, enc[:]...)
		msg = append(msg, payload...)
		out[i] = msg
	}
	return out
}
