package webrtc

import (
	"errors"
	"fmt"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// RTPReader is satisfied by *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// WriteH264 depacketizes H264 RTP packets from r and writes the NAL units to
// w as an Annex-B stream. Each NAL unit is written with a single Write call.
// It returns nil when r reaches EOF.
func WriteH264(r RTPReader, w io.Writer) error {
	depack := &h264Depacketizer{}

	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}

		for _, nalu := range depack.push(pkt) {
			if len(nalu) == 0 {
				continue
			}
			frame := make([]byte, 0, len(annexBStartCode)+len(nalu))
			frame = append(frame, annexBStartCode...)
			frame = append(frame, nalu...)
			if _, err := w.Write(frame); err != nil {
				return fmt.Errorf("write nal unit: %w", err)
			}
		}
	}
}

// Drain discards packets from r until it fails.
func Drain(r RTPReader) {
	for {
		if _, _, err := r.ReadRTP(); err != nil {
			return
		}
	}
}
