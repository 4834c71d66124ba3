package session

import "encoding/json"

// Data-channel message types. Types not listed here are passed through to
// generic subscribers untouched (cursor-move, chat-message, ...).
const (
	TypeOperation      = "operation"
	TypeLockNode       = "lock-node"
	TypeUnlockNode     = "unlock-node"
	TypeRequestProject = "request-project"
	TypeProjectData    = "project-data"
	TypeFileStart      = "file-start"
	TypeFileChunk      = "file-chunk"
	TypeFileEnd        = "file-end"
	TypeRequestFile    = "request-file"
)

// Envelope is the JSON envelope for every peer-to-peer message. Only Type is
// mandatory; the populated fields depend on the message type.
type Envelope struct {
	Type string `json:"type"`

	// operation
	Operation *Operation `json:"operation,omitempty"`

	// lock-node / unlock-node / file targeting
	NodeID string `json:"nodeId,omitempty"`
	UserID string `json:"userId,omitempty"`

	// project-data
	Project    json.RawMessage `json:"project,omitempty"`
	Operations []Operation     `json:"operations,omitempty"`

	// file transfer
	TransferID  string `json:"transferId,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileType    string `json:"fileType,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	ChunkIndex  int    `json:"chunkIndex,omitempty"`
	Chunk       string `json:"chunk,omitempty"` // base64
	PacketID    string `json:"packetId,omitempty"`
}
