package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// RecordLen is the size of one encoded peer: room(1) + IPv4(4) + port(4).
const RecordLen = 9

var (
	ErrMalformedRecords = errors.New("malformed peer records")
	ErrNotIPv4          = errors.New("peer address is not IPv4")
)

// Record is the wire form of a remote peer in a HOSTS_RESP payload.
type Record struct {
	Room int8
	Addr netip.AddrPort
}

// AppendRecord appends the 9-byte encoding of r to buf.
func AppendRecord(buf []byte, r Record) ([]byte, error) {
	ip := r.Addr.Addr().Unmap()
	if !ip.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrNotIPv4, r.Addr)
	}
	a4 := ip.As4()

	buf = append(buf, byte(r.Room))
	buf = append(buf, a4[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Addr.Port()))
	return buf, nil
}

// DecodeRecords parses a concatenation of 9-byte peer records.
func DecodeRecords(b []byte) ([]Record, error) {
	if len(b)%RecordLen != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedRecords, len(b))
	}

	records := make([]Record, 0, len(b)/RecordLen)
	for off := 0; off < len(b); off += RecordLen {
		rec := b[off : off+RecordLen]
		ip := netip.AddrFrom4([4]byte(rec[1:5]))
		port := binary.BigEndian.Uint32(rec[5:9])
		if port > 0xFFFF {
			return nil, fmt.Errorf("%w: record %d has port %d", ErrMalformedRecords, off/RecordLen, port)
		}
		records = append(records, Record{
			Room: int8(rec[0]),
			Addr: netip.AddrPortFrom(ip, uint16(port)),
		})
	}
	return records, nil
}
