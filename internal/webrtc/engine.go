package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"

	"peerlink/native/internal/domain"
)

// firstDynamicPayloadType is where payload type assignment starts for codecs
// without a static RTP payload type.
const firstDynamicPayloadType = 96

var staticPayloadTypes = map[string]pion.PayloadType{
	strings.ToLower(pion.MimeTypePCMU): 0,
	strings.ToLower(pion.MimeTypePCMA): 8,
}

// defaultCapabilities are used when the session carries no RTP capabilities.
var defaultCapabilities = domain.Capabilities{Codecs: []domain.CodecCapability{
	{
		Kind:        domain.MediaKindVideo,
		MimeType:    pion.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	},
	{
		Kind:      domain.MediaKindAudio,
		MimeType:  pion.MimeTypePCMU,
		ClockRate: 8000,
		Channels:  1,
	},
}}

func codecType(kind domain.MediaKind) (pion.RTPCodecType, error) {
	switch kind {
	case domain.MediaKindAudio:
		return pion.RTPCodecTypeAudio, nil
	case domain.MediaKindVideo:
		return pion.RTPCodecTypeVideo, nil
	default:
		return 0, fmt.Errorf("unknown media kind %q", kind)
	}
}

// codecParameters assigns payload types to caps in order: static types for
// codecs that have one, dynamic types from 96 for the rest.
func codecParameters(caps domain.Capabilities) ([]pion.RTPCodecParameters, []pion.RTPCodecType, error) {
	next := pion.PayloadType(firstDynamicPayloadType)
	params := make([]pion.RTPCodecParameters, 0, len(caps.Codecs))
	types := make([]pion.RTPCodecType, 0, len(caps.Codecs))

	for _, c := range caps.Codecs {
		typ, err := codecType(c.Kind)
		if err != nil {
			return nil, nil, err
		}

		pt, ok := staticPayloadTypes[strings.ToLower(c.MimeType)]
		if !ok {
			pt = next
			next++
		}

		var feedback []pion.RTCPFeedback
		if typ == pion.RTPCodecTypeVideo {
			feedback = []pion.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}}
		}

		params = append(params, pion.RTPCodecParameters{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				SDPFmtpLine:  c.SDPFmtpLine,
				RTCPFeedback: feedback,
			},
			PayloadType: pt,
		})
		types = append(types, typ)
	}
	return params, types, nil
}

// newAPI builds a pion API restricted to caps, with NACK generation and
// response, logging through factory.
func newAPI(caps domain.Capabilities, factory logging.LoggerFactory) (*pion.API, error) {
	if len(caps.Codecs) == 0 {
		caps = defaultCapabilities
	}

	m := &pion.MediaEngine{}
	params, types, err := codecParameters(caps)
	if err != nil {
		return nil, err
	}
	for i, p := range params {
		if err := m.RegisterCodec(p, types[i]); err != nil {
			return nil, fmt.Errorf("register %s: %w", p.MimeType, err)
		}
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	s := pion.SettingEngine{LoggerFactory: factory}

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	), nil
}

func iceServers(servers []domain.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// rtpParameters converts what pion negotiated for a sender into the
// parameters announced to the remote peer.
func rtpParameters(mid string, p pion.RTPSendParameters) domain.RTPParameters {
	out := domain.RTPParameters{MID: mid}
	for _, c := range p.Codecs {
		out.Codecs = append(out.Codecs, domain.Codec{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
		})
	}
	for _, ext := range p.HeaderExtensions {
		out.HeaderExtensions = append(out.HeaderExtensions, domain.HeaderExtension{URI: ext.URI, ID: ext.ID})
	}
	for _, e := range p.Encodings {
		out.Encodings = append(out.Encodings, domain.Encoding{SSRC: uint32(e.SSRC), RID: e.RID})
	}
	return out
}

func connectionState(state pion.PeerConnectionState) (domain.ConnectionState, bool) {
	switch state {
	case pion.PeerConnectionStateNew:
		return domain.ConnectionStateNew, true
	case pion.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting, true
	case pion.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected, true
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected, true
	case pion.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed, true
	case pion.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed, true
	default:
		return "", false
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
