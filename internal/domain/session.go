package domain

// Session holds signaling credentials, ICE servers and the RTP capabilities
// returned by the API for one room.
type Session struct {
	ID              string       `json:"id"`
	Room            string       `json:"room"`
	SignalURL       string       `json:"signalUrl"`
	AccessToken     string       `json:"accessToken"`
	PingInterval    int          `json:"pingInterval"`
	ICEServers      []ICEServer  `json:"iceServers"`
	RTPCapabilities Capabilities `json:"rtpCapabilities"`
	ExpirationTime  int64        `json:"expirationTime"`
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
