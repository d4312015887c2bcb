package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/nodeid"
)

func TestRequestFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	payload := ClientHelloRequest{Addr: "127.0.0.1:7777", PriorID: nodeid.Zero, Point: geo.Point{Latitude: 1, Longitude: 2}}.Encode()
	require.NoError(t, WriteRequest(&buf, OpClientHello, 42, MasterObjectID, payload))

	hdr, body, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpClientHello, hdr.Opcode)
	assert.Equal(t, uint64(42), hdr.RequestID)
	assert.Equal(t, uint64(MasterObjectID), hdr.ObjectID)

	decoded, err := DecodeClientHelloRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", decoded.Addr)
	assert.Equal(t, 2.0, decoded.Point.Longitude)
}

func TestReplyFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	payload := GetMetadataReply{Value: "bar"}.Encode()
	require.NoError(t, WriteReply(&buf, OpGetMetadata, 7, errs.WireCode(0), payload))

	hdr, body, err := ReadReply(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpGetMetadata, hdr.Opcode)
	assert.Equal(t, uint64(7), hdr.RequestID)
	assert.Equal(t, errs.WireCode(0), hdr.Code)

	decoded, err := DecodeGetMetadataReply(body)
	require.NoError(t, err)
	assert.Equal(t, "bar", decoded.Value)
}

// rangePrefix builds a NodeID usable as a Range.From: the high `mask`
// bits set to value, everything else zero, deliberately without the
// validity flag FromHighBits forces (a Range.From is a bare bit prefix,
// never a constructed client NodeID).
func rangePrefix(value uint64, mask int) nodeid.ID {
	id := nodeid.FromHighBits(value, mask)
	b := id.Bytes()
	b[nodeid.Size-1] &^= 1
	out, _ := nodeid.FromBytes(b[:])
	return out
}

func TestNodeIDRangeRoundTrips(t *testing.T) {
	rng := nodeid.Range{From: rangePrefix(0b101, 3), Mask: 3}
	w := NewWriter()
	w.PutRange(rng)
	r := NewReader(w.Bytes())
	got, err := r.GetRange()
	require.NoError(t, err)
	assert.Equal(t, rng, got)
}

func TestNodeIDHexRoundTrips(t *testing.T) {
	id := nodeid.FromHighBits(0xDEADBEEF, 64)
	parsed, err := nodeid.Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestStringMapRoundTripsInOrder(t *testing.T) {
	m := map[string]string{"a": "1", "b": "2", "c": "3"}
	order := []string{"c", "a", "b"}
	w := NewWriter()
	w.PutStringMap(m, order)

	r := NewReader(w.Bytes())
	gotMap, gotOrder, err := r.GetStringMap()
	require.NoError(t, err)
	assert.Equal(t, m, gotMap)
	assert.Equal(t, order, gotOrder)
}

func TestAddRemoteRangeRequestRoundTrips(t *testing.T) {
	req := AddRemoteRangeRequest{Range: nodeid.Range{From: rangePrefix(1, 4), Mask: 4}, Addr: "[::1]:7777"}
	decoded, err := DecodeAddRemoteRangeRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestSearchClientsRequestRoundTrips(t *testing.T) {
	req := SearchClientsRequest{
		Lower: geo.Point{Latitude: -1, Longitude: -1}, Upper: geo.Point{Latitude: 90, Longitude: 180},
		HasBounds: true, HMin: 10, HMax: 200,
	}
	decoded, err := DecodeSearchClientsRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestParseAddressDefaultsPort(t *testing.T) {
	host, port, err := ParseAddress("192.168.0.1")
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.1", host)
	assert.Equal(t, DefaultPort, port)

	host, port, err = ParseAddress("192.168.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.1", host)
	assert.Equal(t, 9000, port)
}

func TestParseAddressIPv6(t *testing.T) {
	host, port, err := ParseAddress("[::1]:7777")
	require.NoError(t, err)
	assert.Equal(t, "::1", host)
	assert.Equal(t, 7777, port)
}

func TestPayloadExceedingMaxIsRejected(t *testing.T) {
	var buf bytes.Buffer
	err := WriteRequest(&buf, OpSetMetadata, 1, MasterObjectID, make([]byte, MaxPayload+1))
	assert.Error(t, err)
}
