package domain

import "strings"

// AppData is an opaque application payload attached to transports and proxies.
type AppData map[string]any

// Direction gates which attach operations a transport accepts.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// ConnectionState mirrors the handler's transport connection state.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateClosed       ConnectionState = "closed"
)

// Originator tells whether a close or pause came from this side or the remote peer.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
)

// MediaKind is "audio" or "video".
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Codec is one negotiated codec of an RTP stream.
type Codec struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

// HeaderExtension is a negotiated RTP header extension.
type HeaderExtension struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

// Encoding describes one RTP stream of a sender.
type Encoding struct {
	SSRC uint32 `json:"ssrc"`
	RID  string `json:"rid,omitempty"`
}

// RTPParameters are the negotiated parameters of a sender or the parameters
// a receiver must be able to decode.
type RTPParameters struct {
	MID              string            `json:"mid,omitempty"`
	Codecs           []Codec           `json:"codecs"`
	HeaderExtensions []HeaderExtension `json:"headerExtensions,omitempty"`
	Encodings        []Encoding        `json:"encodings,omitempty"`
}

// CodecCapability is a codec the local endpoint can encode or decode.
type CodecCapability struct {
	Kind        MediaKind `json:"kind"`
	MimeType    string    `json:"mimeType"`
	ClockRate   uint32    `json:"clockRate"`
	Channels    uint16    `json:"channels,omitempty"`
	SDPFmtpLine string    `json:"sdpFmtpLine,omitempty"`
}

// Capabilities are the RTP capabilities negotiated between this endpoint and
// the remote peer.
type Capabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// CanReceive reports whether the first media codec of params (RTX excluded)
// is present in the capabilities.
func (c Capabilities) CanReceive(params RTPParameters) bool {
	for _, codec := range params.Codecs {
		if strings.HasSuffix(strings.ToLower(codec.MimeType), "/rtx") {
			continue
		}
		return c.supports(codec)
	}
	return false
}

func (c Capabilities) supports(codec Codec) bool {
	for _, capability := range c.Codecs {
		if !strings.EqualFold(capability.MimeType, codec.MimeType) {
			continue
		}
		if capability.ClockRate != codec.ClockRate {
			continue
		}
		if capability.Channels > 0 && codec.Channels > 0 && capability.Channels != codec.Channels {
			continue
		}
		return true
	}
	return false
}

// ICECandidate is a trickled ICE candidate.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// LocalParameters are produced by the handler when it needs the remote peer
// to learn about a change in its local description.
type LocalParameters struct {
	Type      string        `json:"type,omitempty"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// RemoteParameters acknowledge a negotiation: the remote SDP answer.
type RemoteParameters struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SCTPStreamParameters describe the data channel behind a data producer.
type SCTPStreamParameters struct {
	StreamID          *uint16 `json:"streamId,omitempty"`
	Ordered           bool    `json:"ordered"`
	MaxPacketLifeTime *uint16 `json:"maxPacketLifeTime,omitempty"`
	MaxRetransmits    *uint16 `json:"maxRetransmits,omitempty"`
}

// DataProducerOptions configure a new data producer.
type DataProducerOptions struct {
	Label             string
	Protocol          string
	Ordered           bool
	MaxPacketLifeTime *uint16
	MaxRetransmits    *uint16
	AppData           AppData
}
