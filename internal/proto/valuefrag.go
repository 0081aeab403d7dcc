package proto

import "strconv"

// Fragment is one piece of a multi-key get response. Atomic fragments
// (a VALUE header line) are never split across a UDP datagram boundary;
// non-atomic fragments (raw value bytes) may be.
type Fragment struct {
	Data   []byte
	Atomic bool
}

// ValueFragments builds the wire fragments for one `get` hit: a
// "VALUE <key> <flags> <len>\r\n" header followed by the value bytes and
// their own trailing CRLF. The header is emitted as a single atomic
// fragment so it's never split across a UDP datagram boundary; the value
// itself may be split.
func ValueFragments(key []byte, flags uint32, value []byte) []Fragment {
	header := make([]byte, 0, len("VALUE ")+len(key)+32)
	header = append(header, "VALUE "...)
	header = append(header, key...)
	header = append(header, ' ')
	header = strconv.AppendUint(header, uint64(flags), 10)
	header = append(header, ' ')
	header = strconv.AppendUint(header, uint64(len(value)), 10)
	header = append(header, '\r', '\n')

	body := make([]byte, len(value)+2)
	copy(body, value)
	body[len(body)-2] = '\r'
	body[len(body)-1] = '\n'

	return []Fragment{
		{Data: header, Atomic: true},
		{Data: body, Atomic: false},
	}
}
