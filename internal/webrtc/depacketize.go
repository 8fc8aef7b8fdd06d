package webrtc

import (
	"encoding/binary"

	"github.com/pion/rtp"
)

// H264 RTP payload structures (RFC 6184).
const (
	nalTypeMask = 0x1f
	nalFNRIMask = 0xe0

	nalTypeSingleMax = 23
	nalTypeSTAPA     = 24
	nalTypeFUA       = 28

	fuStart = 0x80
	fuEnd   = 0x40
)

// fragment is a FU-A NAL unit being reassembled.
type fragment struct {
	nalu    []byte
	lastSeq uint16
}

// h264Depacketizer turns the RTP packets of one H264 stream back into NAL
// units. A fragmented unit that misses a packet is dropped whole.
type h264Depacketizer struct {
	pending *fragment
}

// push returns the NAL units completed by pkt.
func (d *h264Depacketizer) push(pkt *rtp.Packet) [][]byte {
	payload := pkt.Payload
	if len(payload) == 0 {
		return nil
	}

	switch typ := payload[0] & nalTypeMask; {
	case typ >= 1 && typ <= nalTypeSingleMax:
		return [][]byte{payload}
	case typ == nalTypeSTAPA:
		return splitSTAPA(payload[1:])
	case typ == nalTypeFUA:
		if nalu := d.pushFragment(pkt.SequenceNumber, payload); nalu != nil {
			return [][]byte{nalu}
		}
	}
	return nil
}

// splitSTAPA returns the units aggregated in a STAP-A body. Parsing stops at
// the first empty or truncated unit.
func splitSTAPA(body []byte) [][]byte {
	var nalus [][]byte
	for len(body) >= 2 {
		size := int(binary.BigEndian.Uint16(body))
		body = body[2:]
		if size == 0 || size > len(body) {
			break
		}
		nalus = append(nalus, body[:size])
		body = body[size:]
	}
	return nalus
}

func (d *h264Depacketizer) pushFragment(seq uint16, payload []byte) []byte {
	if len(payload) < 2 {
		return nil
	}
	header := payload[1]

	switch {
	case header&fuStart != 0:
		// The original NAL header is F+NRI of the indicator plus the type
		// carried in the FU header.
		nalu := make([]byte, 1, len(payload)-1)
		nalu[0] = payload[0]&nalFNRIMask | header&nalTypeMask
		d.pending = &fragment{nalu: append(nalu, payload[2:]...)}
	case d.pending == nil:
		return nil
	case seq != d.pending.lastSeq+1:
		d.pending = nil
		return nil
	default:
		d.pending.nalu = append(d.pending.nalu, payload[2:]...)
	}
	d.pending.lastSeq = seq

	if header&fuEnd == 0 {
		return nil
	}
	nalu := d.pending.nalu
	d.pending = nil
	return nalu
}
