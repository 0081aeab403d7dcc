package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeCollapsesRuns(t *testing.T) {
	tokens := Tokenize([]byte("get   a  b c"))
	want := []string{"get", "a", "b", "c"}
	require.Len(t, tokens, len(want))
	for i, w := range want {
		require.Equal(t, w, string(tokens[i]))
	}
}

func TestValidKey(t *testing.T) {
	require.True(t, ValidKey([]byte("foo")))
	require.False(t, ValidKey([]byte("")))
	require.False(t, ValidKey([]byte("has space")))
	require.False(t, ValidKey(bytes.Repeat([]byte("a"), 251)))
	require.True(t, ValidKey(bytes.Repeat([]byte("a"), 250)))
}

// Property 10: concatenating datagram payloads in sequence order, with
// headers stripped, reproduces exactly the bytes a TCP client would see.
func TestFragmentDatagramsRoundTrips(t *testing.T) {
	var frags []Fragment
	for i := 0; i < 50; i++ {
		value := bytes.Repeat([]byte{'x'}, 100)
		frags = append(frags, ValueFragments([]byte("key-that-is-reasonably-long"), 7, value)...)
	}
	frags = append(frags, Fragment{Data: ReplyEnd})

	datagrams := FragmentDatagrams(42, frags)
	require.True(t, len(datagrams) > 1, "expected a response that needs multiple datagrams")

	var reassembled []byte
	for i, dg := range datagrams {
		hdr, err := DecodeUDPHeader(dg)
		require.NoError(t, err)
		require.Equal(t, uint16(42), hdr.RequestID)
		require.Equal(t, uint16(i), hdr.Sequence)
		require.Equal(t, uint16(len(datagrams)), hdr.Total)
		require.LessOrEqual(t, len(dg), UDPMaxPayloadSize)
		reassembled = append(reassembled, dg[UDPHeaderSize:]...)
	}

	var want []byte
	for _, f := range frags {
		want = append(want, f.Data...)
	}
	require.Equal(t, want, reassembled)
}

func TestFragmentDatagramsSingleSmallResponse(t *testing.T) {
	datagrams := FragmentDatagrams(1, []Fragment{{Data: ReplyEnd}})
	require.Len(t, datagrams, 1)
	hdr, err := DecodeUDPHeader(datagrams[0])
	require.NoError(t, err)
	require.Equal(t, uint16(1), hdr.Total)
	require.Equal(t, "END\r\n", string(datagrams[0][UDPHeaderSize:]))
}

func TestDecodeUDPHeaderShort(t *testing.T) {
	_, err := DecodeUDPHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortDatagram)
}
