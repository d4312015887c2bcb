package wire

import (
	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/nodeid"
)

// GeoPoint wire codec: two IEEE-754 little-endian doubles (spec §6).

// PutGeoPoint appends a GeoPoint as (latitude, longitude) doubles.
func (w *Writer) PutGeoPoint(p geo.Point) {
	w.PutFloat64(p.Latitude)
	w.PutFloat64(p.Longitude)
}

// GetGeoPoint reads a GeoPoint.
func (r *Reader) GetGeoPoint() (geo.Point, error) {
	lat, err := r.GetFloat64()
	if err != nil {
		return geo.Point{}, err
	}
	lon, err := r.GetFloat64()
	if err != nil {
		return geo.Point{}, err
	}
	return geo.Point{Latitude: lat, Longitude: lon}, nil
}

// ServerHelloRequest is spec §4.6's server_hello(addr).
type ServerHelloRequest struct {
	Addr string
}

func (m ServerHelloRequest) Encode() []byte {
	w := NewWriter()
	w.PutString(m.Addr)
	return w.Bytes()
}

func DecodeServerHelloRequest(payload []byte) (ServerHelloRequest, error) {
	r := NewReader(payload)
	addr, err := r.GetString()
	return ServerHelloRequest{Addr: addr}, err
}

// ClientHelloRequest is spec §4.6's client_hello(addr, prior_id, point).
type ClientHelloRequest struct {
	Addr    string
	PriorID nodeid.ID
	Point   geo.Point
}

func (m ClientHelloRequest) Encode() []byte {
	w := NewWriter()
	w.PutString(m.Addr)
	w.PutNodeID(m.PriorID)
	w.PutGeoPoint(m.Point)
	return w.Bytes()
}

func DecodeClientHelloRequest(payload []byte) (ClientHelloRequest, error) {
	r := NewReader(payload)
	addr, err := r.GetString()
	if err != nil {
		return ClientHelloRequest{}, err
	}
	id, err := r.GetNodeID()
	if err != nil {
		return ClientHelloRequest{}, err
	}
	pt, err := r.GetGeoPoint()
	if err != nil {
		return ClientHelloRequest{}, err
	}
	return ClientHelloRequest{Addr: addr, PriorID: id, Point: pt}, nil
}

// ClientHelloResult enumerates client_hello's result tag.
type ClientHelloResult uint8

const (
	ClientHelloWrongServer ClientHelloResult = iota
	ClientHelloCreated
	ClientHelloAlreadyExists
)

// ClientHelloReply is spec §4.6's (result, assigned NodeID) reply.
type ClientHelloReply struct {
	Result ClientHelloResult
	ID     nodeid.ID
}

func (m ClientHelloReply) Encode() []byte {
	w := NewWriter()
	w.PutUint8(uint8(m.Result))
	w.PutNodeID(m.ID)
	return w.Bytes()
}

func DecodeClientHelloReply(payload []byte) (ClientHelloReply, error) {
	r := NewReader(payload)
	result, err := r.GetUint8()
	if err != nil {
		return ClientHelloReply{}, err
	}
	id, err := r.GetNodeID()
	if err != nil {
		return ClientHelloReply{}, err
	}
	return ClientHelloReply{Result: ClientHelloResult(result), ID: id}, nil
}

// AddRemoteRangeRequest is spec §4.6's add_remote_range(range, addr).
type AddRemoteRangeRequest struct {
	Range nodeid.Range
	Addr  string
}

func (m AddRemoteRangeRequest) Encode() []byte {
	w := NewWriter()
	w.PutRange(m.Range)
	w.PutString(m.Addr)
	return w.Bytes()
}

func DecodeAddRemoteRangeRequest(payload []byte) (AddRemoteRangeRequest, error) {
	r := NewReader(payload)
	rng, err := r.GetRange()
	if err != nil {
		return AddRemoteRangeRequest{}, err
	}
	addr, err := r.GetString()
	if err != nil {
		return AddRemoteRangeRequest{}, err
	}
	return AddRemoteRangeRequest{Range: rng, Addr: addr}, nil
}

// ControlRangeRequest is spec §4.6's control_range(range).
type ControlRangeRequest struct {
	Range nodeid.Range
}

func (m ControlRangeRequest) Encode() []byte {
	w := NewWriter()
	w.PutRange(m.Range)
	return w.Bytes()
}

func DecodeControlRangeRequest(payload []byte) (ControlRangeRequest, error) {
	r := NewReader(payload)
	rng, err := r.GetRange()
	return ControlRangeRequest{Range: rng}, err
}

// AdoptClientRequest is spec §4.6's adopt_client(id, point, addr, metadata).
type AdoptClientRequest struct {
	ID       nodeid.ID
	Point    geo.Point
	Addr     string
	Metadata map[string]string
	Order    []string
}

func (m AdoptClientRequest) Encode() []byte {
	w := NewWriter()
	w.PutNodeID(m.ID)
	w.PutGeoPoint(m.Point)
	w.PutString(m.Addr)
	w.PutStringMap(m.Metadata, m.Order)
	return w.Bytes()
}

func DecodeAdoptClientRequest(payload []byte) (AdoptClientRequest, error) {
	r := NewReader(payload)
	id, err := r.GetNodeID()
	if err != nil {
		return AdoptClientRequest{}, err
	}
	pt, err := r.GetGeoPoint()
	if err != nil {
		return AdoptClientRequest{}, err
	}
	addr, err := r.GetString()
	if err != nil {
		return AdoptClientRequest{}, err
	}
	m, order, err := r.GetStringMap()
	if err != nil {
		return AdoptClientRequest{}, err
	}
	return AdoptClientRequest{ID: id, Point: pt, Addr: addr, Metadata: m, Order: order}, nil
}

// FindControllingServerRequest is spec §4.6's find_controlling_server(id).
type FindControllingServerRequest struct {
	ID nodeid.ID
}

func (m FindControllingServerRequest) Encode() []byte {
	w := NewWriter()
	w.PutNodeID(m.ID)
	return w.Bytes()
}

func DecodeFindControllingServerRequest(payload []byte) (FindControllingServerRequest, error) {
	r := NewReader(payload)
	id, err := r.GetNodeID()
	return FindControllingServerRequest{ID: id}, err
}

// FindServerForPointRequest is spec §4.6's find_server_for_point(pt).
type FindServerForPointRequest struct {
	Point geo.Point
}

func (m FindServerForPointRequest) Encode() []byte {
	w := NewWriter()
	w.PutGeoPoint(m.Point)
	return w.Bytes()
}

func DecodeFindServerForPointRequest(payload []byte) (FindServerForPointRequest, error) {
	r := NewReader(payload)
	pt, err := r.GetGeoPoint()
	return FindServerForPointRequest{Point: pt}, err
}

// FindServerReply is the (addr, range) reply shared by
// find_controlling_server and find_server_for_point.
type FindServerReply struct {
	Addr  string
	Range nodeid.Range
}

func (m FindServerReply) Encode() []byte {
	w := NewWriter()
	w.PutString(m.Addr)
	w.PutRange(m.Range)
	return w.Bytes()
}

func DecodeFindServerReply(payload []byte) (FindServerReply, error) {
	r := NewReader(payload)
	addr, err := r.GetString()
	if err != nil {
		return FindServerReply{}, err
	}
	rng, err := r.GetRange()
	if err != nil {
		return FindServerReply{}, err
	}
	return FindServerReply{Addr: addr, Range: rng}, nil
}

// SetLocationRequest is spec §4.6's set_location(new_point).
type SetLocationRequest struct {
	Point geo.Point
}

func (m SetLocationRequest) Encode() []byte {
	w := NewWriter()
	w.PutGeoPoint(m.Point)
	return w.Bytes()
}

func DecodeSetLocationRequest(payload []byte) (SetLocationRequest, error) {
	r := NewReader(payload)
	pt, err := r.GetGeoPoint()
	return SetLocationRequest{Point: pt}, err
}

// SetLocationResult enumerates set_location's result tag.
type SetLocationResult uint8

const (
	SetLocationSameServer SetLocationResult = iota
	SetLocationDifferentServer
)

// SetLocationReply is spec §4.6's (result, id, addr) reply.
type SetLocationReply struct {
	Result SetLocationResult
	ID     nodeid.ID
	Addr   string
}

func (m SetLocationReply) Encode() []byte {
	w := NewWriter()
	w.PutUint8(uint8(m.Result))
	w.PutNodeID(m.ID)
	w.PutString(m.Addr)
	return w.Bytes()
}

func DecodeSetLocationReply(payload []byte) (SetLocationReply, error) {
	r := NewReader(payload)
	result, err := r.GetUint8()
	if err != nil {
		return SetLocationReply{}, err
	}
	id, err := r.GetNodeID()
	if err != nil {
		return SetLocationReply{}, err
	}
	addr, err := r.GetString()
	if err != nil {
		return SetLocationReply{}, err
	}
	return SetLocationReply{Result: SetLocationResult(result), ID: id, Addr: addr}, nil
}

// SetMetadataRequest is spec §4.6's set_metadata(k, v).
type SetMetadataRequest struct {
	Key, Value string
}

func (m SetMetadataRequest) Encode() []byte {
	w := NewWriter()
	w.PutString(m.Key)
	w.PutString(m.Value)
	return w.Bytes()
}

func DecodeSetMetadataRequest(payload []byte) (SetMetadataRequest, error) {
	r := NewReader(payload)
	k, err := r.GetString()
	if err != nil {
		return SetMetadataRequest{}, err
	}
	v, err := r.GetString()
	if err != nil {
		return SetMetadataRequest{}, err
	}
	return SetMetadataRequest{Key: k, Value: v}, nil
}

// GetMetadataRequest is spec §4.6's get_metadata(id, key).
type GetMetadataRequest struct {
	ID  nodeid.ID
	Key string
}

func (m GetMetadataRequest) Encode() []byte {
	w := NewWriter()
	w.PutNodeID(m.ID)
	w.PutString(m.Key)
	return w.Bytes()
}

func DecodeGetMetadataRequest(payload []byte) (GetMetadataRequest, error) {
	r := NewReader(payload)
	id, err := r.GetNodeID()
	if err != nil {
		return GetMetadataRequest{}, err
	}
	key, err := r.GetString()
	if err != nil {
		return GetMetadataRequest{}, err
	}
	return GetMetadataRequest{ID: id, Key: key}, nil
}

// GetMetadataReply carries get_metadata's value.
type GetMetadataReply struct {
	Value string
}

func (m GetMetadataReply) Encode() []byte {
	w := NewWriter()
	w.PutString(m.Value)
	return w.Bytes()
}

func DecodeGetMetadataReply(payload []byte) (GetMetadataReply, error) {
	r := NewReader(payload)
	v, err := r.GetString()
	return GetMetadataReply{Value: v}, err
}

// SearchClientsRequest is spec §4.6's search_clients(lower, upper), with
// the Hilbert scan-bound narrowing of spec §4.8 carried alongside for
// server-to-server forwarding.
type SearchClientsRequest struct {
	Lower, Upper geo.Point
	HasBounds    bool
	HMin, HMax   uint64
}

func (m SearchClientsRequest) Encode() []byte {
	w := NewWriter()
	w.PutGeoPoint(m.Lower)
	w.PutGeoPoint(m.Upper)
	if m.HasBounds {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
	w.PutUint64(m.HMin)
	w.PutUint64(m.HMax)
	return w.Bytes()
}

func DecodeSearchClientsRequest(payload []byte) (SearchClientsRequest, error) {
	r := NewReader(payload)
	lower, err := r.GetGeoPoint()
	if err != nil {
		return SearchClientsRequest{}, err
	}
	upper, err := r.GetGeoPoint()
	if err != nil {
		return SearchClientsRequest{}, err
	}
	hasBounds, err := r.GetUint8()
	if err != nil {
		return SearchClientsRequest{}, err
	}
	hmin, err := r.GetUint64()
	if err != nil {
		return SearchClientsRequest{}, err
	}
	hmax, err := r.GetUint64()
	if err != nil {
		return SearchClientsRequest{}, err
	}
	return SearchClientsRequest{Lower: lower, Upper: upper, HasBounds: hasBounds != 0, HMin: hmin, HMax: hmax}, nil
}

// SearchClientsReply is spec §4.6's list of NodeID.
type SearchClientsReply struct {
	IDs []nodeid.ID
}

func (m SearchClientsReply) Encode() []byte {
	w := NewWriter()
	w.PutUint16(uint16(len(m.IDs)))
	for _, id := range m.IDs {
		w.PutNodeID(id)
	}
	return w.Bytes()
}

func DecodeSearchClientsReply(payload []byte) (SearchClientsReply, error) {
	r := NewReader(payload)
	count, err := r.GetUint16()
	if err != nil {
		return SearchClientsReply{}, err
	}
	ids := make([]nodeid.ID, 0, count)
	for i := uint16(0); i < count; i++ {
		id, err := r.GetNodeID()
		if err != nil {
			return SearchClientsReply{}, err
		}
		ids = append(ids, id)
	}
	return SearchClientsReply{IDs: ids}, nil
}

// PingReply carries the responding server's current load, sourced from
// gopsutil. No PingRequest payload is defined: an empty body.
type PingReply struct {
	CPUPercent     float64
	MemUsedPercent float64
	ClientCount    uint64
}

func (m PingReply) Encode() []byte {
	w := NewWriter()
	w.PutFloat64(m.CPUPercent)
	w.PutFloat64(m.MemUsedPercent)
	w.PutUint64(m.ClientCount)
	return w.Bytes()
}

func DecodePingReply(payload []byte) (PingReply, error) {
	r := NewReader(payload)
	cpu, err := r.GetFloat64()
	if err != nil {
		return PingReply{}, err
	}
	mem, err := r.GetFloat64()
	if err != nil {
		return PingReply{}, err
	}
	clients, err := r.GetUint64()
	if err != nil {
		return PingReply{}, err
	}
	return PingReply{CPUPercent: cpu, MemUsedPercent: mem, ClientCount: clients}, nil
}
