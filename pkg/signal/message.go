package signal

import "encoding/json"

// Message types exchanged with the relay.
const (
	TypeJoinRoom     = "JOIN_ROOM"
	TypeListRooms    = "LIST_ROOMS"
	TypeRoomList     = "ROOM_LIST"
	TypeOffer        = "OFFER"
	TypeAnswer       = "ANSWER"
	TypeICECandidate = "ICE_CANDIDATE"
	TypeUserJoined   = "USER_JOINED"
	TypeUserLeft     = "USER_LEFT"
	TypeError        = "ERROR"
)

// Message is the JSON envelope for every signaling message. All fields are
// optional except Type; which ones are set depends on the message type.
type Message struct {
	Type         string `json:"type"`
	RoomID       string `json:"roomId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	ProjectName  string `json:"projectName,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`
	SenderUserID string `json:"senderUserId,omitempty"`

	// SDP and ICE payloads are relayed verbatim; the relay never looks inside.
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Rooms []RoomInfo `json:"rooms,omitempty"`
	Error string     `json:"error,omitempty"`
}

// RoomInfo is one entry in a ROOM_LIST reply.
type RoomInfo struct {
	RoomID      string `json:"roomId"`
	ProjectName string `json:"projectName"`
	HostID      string `json:"hostId,omitempty"`
	Members     int    `json:"members,omitempty"`
}

// DefaultProjectName labels rooms whose host never supplied a project name.
const DefaultProjectName = "Untitled project"
