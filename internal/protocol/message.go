// Package protocol defines the signaling message format exchanged between the
// monitor and the viewer.
package protocol

// Message is the JSON structure exchanged over the signaling channel.
// Exactly one payload field is populated per message.
type Message struct {
	SdpOffer     *SdpData          `json:"sdpOffer,omitempty"`
	SdpAnswer    *SdpData          `json:"sdpAnswer,omitempty"`
	SdpError     *string           `json:"sdpError,omitempty"`
	IceCandidate *IceCandidateData `json:"iceCandidate,omitempty"`

	// Channel-level control payloads.
	PairingCode            *string `json:"pairingCode,omitempty"`
	PairingApproved        *bool   `json:"pairingApproved,omitempty"`
	Action                 *string `json:"action,omitempty"`
	PushNotificationsToken *string `json:"pushNotificationsToken,omitempty"`
	BabyName               *string `json:"babyName,omitempty"`
}

// SdpData carries a session description. Type is "offer" or "answer".
type SdpData struct {
	SDP  string `json:"sdp"`
	Type string `json:"type,omitempty"`
}

// IceCandidateData carries one trickled ICE candidate.
type IceCandidateData struct {
	SDP       string `json:"sdp"`
	Mid       string `json:"sdpMid"`
	LineIndex int    `json:"sdpMLineIndex"`
}

// ActionReset asks the peer to forget the pairing.
const ActionReset = "reset"

// Kind names the populated payload of a message.
type Kind string

const (
	KindNone                   Kind = ""
	KindSdpOffer               Kind = "sdpOffer"
	KindSdpAnswer              Kind = "sdpAnswer"
	KindSdpError               Kind = "sdpError"
	KindIceCandidate           Kind = "iceCandidate"
	KindPairingCode            Kind = "pairingCode"
	KindPairingApproved        Kind = "pairingApproved"
	KindAction                 Kind = "action"
	KindPushNotificationsToken Kind = "pushNotificationsToken"
	KindBabyName               Kind = "babyName"
)

// Kind reports which payload is set. It returns KindNone when no payload is
// set and the first one found when several are; Validate rejects the latter.
func (m Message) Kind() Kind {
	kinds := m.kinds()
	if len(kinds) == 0 {
		return KindNone
	}
	return kinds[0]
}

func (m Message) kinds() []Kind {
	var ks []Kind
	if m.SdpOffer != nil {
		ks = append(ks, KindSdpOffer)
	}
	if m.SdpAnswer != nil {
		ks = append(ks, KindSdpAnswer)
	}
	if m.SdpError != nil {
		ks = append(ks, KindSdpError)
	}
	if m.IceCandidate != nil {
		ks = append(ks, KindIceCandidate)
	}
	if m.PairingCode != nil {
		ks = append(ks, KindPairingCode)
	}
	if m.PairingApproved != nil {
		ks = append(ks, KindPairingApproved)
	}
	if m.Action != nil {
		ks = append(ks, KindAction)
	}
	if m.PushNotificationsToken != nil {
		ks = append(ks, KindPushNotificationsToken)
	}
	if m.BabyName != nil {
		ks = append(ks, KindBabyName)
	}
	return ks
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func NewSdpOffer(sdp string) Message {
	return Message{SdpOffer: &SdpData{SDP: sdp, Type: "offer"}}
}

func NewSdpAnswer(sdp, typ string) Message {
	return Message{SdpAnswer: &SdpData{SDP: sdp, Type: typ}}
}

func NewSdpError(reason string) Message {
	return Message{SdpError: &reason}
}

func NewIceCandidate(sdp, mid string, lineIndex int) Message {
	return Message{IceCandidate: &IceCandidateData{SDP: sdp, Mid: mid, LineIndex: lineIndex}}
}

func NewPairingCode(code string) Message {
	return Message{PairingCode: &code}
}

func NewPairingApproved(approved bool) Message {
	return Message{PairingApproved: &approved}
}
