package domain

// Request methods sent to the remote peer.
const (
	MethodCreateTransport    = "createTransport"
	MethodNegotiateTransport = "negotiateTransport"
	MethodCreateReceiver     = "createReceiver"
	MethodEnableSender       = "enableSender"
	MethodCreateDataReceiver = "createDataReceiver"
	MethodCloseTransport     = "closeTransport"
)

// Notify methods sent to the remote peer.
const (
	MethodUpdateTransport   = "updateTransport"
	MethodCloseReceiver     = "closeReceiver"
	MethodPauseReceiver     = "pauseReceiver"
	MethodResumeReceiver    = "resumeReceiver"
	MethodPauseSender       = "pauseSender"
	MethodResumeSender      = "resumeSender"
	MethodCloseDataReceiver = "closeDataReceiver"
)

// Notifications received from the remote peer.
const (
	MethodTransportClosed    = "transportClosed"
	MethodTransportCandidate = "transportCandidate"
	MethodNewSender          = "newSender"
	MethodSenderClosed       = "senderClosed"
	MethodSenderPaused       = "senderPaused"
	MethodSenderResumed      = "senderResumed"
	MethodReceiverClosed     = "receiverClosed"
	MethodReceiverPaused     = "receiverPaused"
	MethodReceiverResumed    = "receiverResumed"
)

// CreateTransportRequest asks the remote to create the mirror transport.
type CreateTransportRequest struct {
	ID        string          `json:"id"`
	Direction Direction       `json:"direction"`
	AppData   AppData         `json:"appData,omitempty"`
	Local     LocalParameters `json:"localParameters"`
}

// NegotiateTransportRequest carries a renegotiated local description.
type NegotiateTransportRequest struct {
	ID    string          `json:"id"`
	Local LocalParameters `json:"localParameters"`
}

// UpdateTransportNotification carries local parameters that need no answer.
type UpdateTransportNotification struct {
	ID    string          `json:"id"`
	Local LocalParameters `json:"localParameters"`
}

// CreateReceiverRequest asks the remote to create a receiver mirroring a local sender.
type CreateReceiverRequest struct {
	ID            string        `json:"id"`
	TransportID   string        `json:"transportId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
	Paused        bool          `json:"paused"`
	AppData       AppData       `json:"appData,omitempty"`
}

// EnableSenderRequest asks the remote to start feeding a local receiver.
type EnableSenderRequest struct {
	ID          string  `json:"id"`
	TransportID string  `json:"transportId"`
	Paused      bool    `json:"paused"`
	AppData     AppData `json:"appData,omitempty"`
}

// CreateDataReceiverRequest asks the remote to mirror a local data producer.
type CreateDataReceiverRequest struct {
	ID                   string               `json:"id"`
	TransportID          string               `json:"transportId"`
	Label                string               `json:"label"`
	Protocol             string               `json:"protocol"`
	SCTPStreamParameters SCTPStreamParameters `json:"sctpStreamParameters"`
	AppData              AppData              `json:"appData,omitempty"`
}

// IDMessage is the payload of close/pause/resume messages.
type IDMessage struct {
	ID string `json:"id"`
}

// NewSenderNotification announces a remote sender this side may receive.
type NewSenderNotification struct {
	ID            string        `json:"id"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
	AppData       AppData       `json:"appData,omitempty"`
}

// TransportCandidateNotification carries a remote trickled ICE candidate.
type TransportCandidateNotification struct {
	TransportID string       `json:"transportId"`
	Candidate   ICECandidate `json:"candidate"`
}
