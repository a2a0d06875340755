package decoder

import (
	"encoding/binary"
	"fmt"

	"github.com/jmpesp/opte/internal/core"
)

const (
	// GenevePort is the IANA UDP port for Geneve.
	GenevePort = 6081

	// geneveProtoEthernet is Transparent Ethernet Bridging: the payload is a full L2 frame.
	geneveProtoEthernet = 0x6558

	geneveHeaderLen   = 8
	ethernetHeaderLen = 14
	maxVNI            = 1<<24 - 1
)

// EncodeGeneve returns a Geneve base header without options.
func EncodeGeneve(vni uint32) ([]byte, error) {
	if vni > maxVNI {
		return nil, fmt.Errorf("%w: vni %d exceeds 24 bits", core.ErrConfigInvalid, vni)
	}
	// Geneve header format:
	// 0: Version (2 bits) + Opt Len (6 bits)
	// 1: O/C flags + reserved
	// 2-3: Protocol Type
	// 4-6: VNI
	// 7: Reserved
	hdr := make([]byte, geneveHeaderLen)
	binary.BigEndian.PutUint16(hdr[2:4], geneveProtoEthernet)
	hdr[4] = byte(vni >> 16)
	hdr[5] = byte(vni >> 8)
	hdr[6] = byte(vni)
	return hdr, nil
}

// DecodeGeneve validates a Geneve header and returns its VNI and total
// length including options.
func DecodeGeneve(data []byte) (vni uint32, hdrLen int, err error) {
	if len(data) < geneveHeaderLen {
		return 0, 0, fmt.Errorf("%w: geneve header %d bytes", core.ErrMalformed, len(data))
	}
	if version := data[0] >> 6; version != 0 {
		return 0, 0, fmt.Errorf("%w: geneve version %d", core.ErrMalformed, version)
	}
	if proto := binary.BigEndian.Uint16(data[2:4]); proto != geneveProtoEthernet {
		return 0, 0, fmt.Errorf("%w: geneve protocol 0x%04x", core.ErrUnsupportedProto, proto)
	}
	optLen := int(data[0]&0x3F) * 4
	hdrLen = geneveHeaderLen + optLen
	if len(data) < hdrLen+ethernetHeaderLen {
		return 0, 0, fmt.Errorf("%w: geneve payload truncated", core.ErrMalformed)
	}
	vni = uint32(data[4])<<16 | uint32(data[5])<<8 | uint32(data[6])
	return vni, hdrLen, nil
}
