package session

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
)

// ChunkSize is the practical per-message limit of a WebRTC data channel.
const ChunkSize = 16 * 1024

// DefaultChunkPace is the delay between chunk sends so a large transfer does
// not starve other traffic on the channel.
const DefaultChunkPace = time.Millisecond

// SendFunc delivers one envelope to a peer (or to all peers).
type SendFunc func(env Envelope) error

// FileInfo describes a payload served in response to a request-file message.
type FileInfo struct {
	FileName string
	MimeType string
	Data     []byte
}

// inboundTransfer is one in-progress reassembly, keyed by transfer ID.
// Chunks are trusted to arrive in order over the reliable, ordered channel.
type inboundTransfer struct {
	transferID string
	fromPeerID string
	nodeID     string
	fileName   string
	mimeType   string
	totalBytes int64
	chunks     [][]byte
}

// TransferEngine splits binary payloads into channel-sized chunks on the
// sender and reassembles them on the receiver.
type TransferEngine struct {
	mu      sync.Mutex
	inbound map[string]*inboundTransfer

	onFile     func(nodeID, fileName, mimeType string, data []byte)
	fileSource func(nodeID string) (FileInfo, bool)

	chunkSize int
	pace      time.Duration
	log       logging.LeveledLogger
}

// NewTransferEngine creates an engine with the default chunk size and pacing.
func NewTransferEngine(loggerFactory logging.LoggerFactory) *TransferEngine {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &TransferEngine{
		inbound:   make(map[string]*inboundTransfer),
		chunkSize: ChunkSize,
		pace:      DefaultChunkPace,
		log:       loggerFactory.NewLogger("transfer"),
	}
}

// SetFileHandler sets the consumer for completed inbound transfers.
func (e *TransferEngine) SetFileHandler(h func(nodeID, fileName, mimeType string, data []byte)) {
	e.mu.Lock()
	e.onFile = h
	e.mu.Unlock()
}

// SetFileSource sets the provider used to answer request-file messages.
func (e *TransferEngine) SetFileSource(src func(nodeID string) (FileInfo, bool)) {
	e.mu.Lock()
	e.fileSource = src
	e.mu.Unlock()
}

// Send chunks a payload and emits file-start, file-chunk (strictly increasing
// index) and file-end through send. A zero-byte payload is sent as a single
// empty chunk. Returns the transfer ID.
func (e *TransferEngine) Send(send SendFunc, nodeID, fileName, mimeType string, data []byte) (string, error) {
	transferID := uuid.NewString()
	totalChunks := chunkCount(len(data), e.chunkSize)

	err := send(Envelope{
		Type:        TypeFileStart,
		TransferID:  transferID,
		NodeID:      nodeID,
		FileName:    fileName,
		FileType:    mimeType,
		FileSize:    int64(len(data)),
		TotalChunks: totalChunks,
	})
	if err != nil {
		return "", fmt.Errorf("send file-start: %w", err)
	}

	for i := 0; i < totalChunks; i++ {
		start := i * e.chunkSize
		end := start + e.chunkSize
		if end > len(data) {
			end = len(data)
		}
		err := send(Envelope{
			Type:       TypeFileChunk,
			TransferID: transferID,
			ChunkIndex: i,
			Chunk:      base64.StdEncoding.EncodeToString(data[start:end]),
		})
		if err != nil {
			return "", fmt.Errorf("send chunk %d/%d: %w", i, totalChunks, err)
		}
		if e.pace > 0 && i < totalChunks-1 {
			time.Sleep(e.pace)
		}
	}

	if err := send(Envelope{Type: TypeFileEnd, TransferID: transferID}); err != nil {
		return "", fmt.Errorf("send file-end: %w", err)
	}

	e.log.Debugf("sent %s (%d bytes, %d chunks) for node %s", fileName, len(data), totalChunks, nodeID)
	return transferID, nil
}

// HandleStart allocates the reassembly buffer for a new inbound transfer.
func (e *TransferEngine) HandleStart(fromPeerID string, env Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inbound[env.TransferID] = &inboundTransfer{
		transferID: env.TransferID,
		fromPeerID: fromPeerID,
		nodeID:     env.NodeID,
		fileName:   env.FileName,
		mimeType:   env.FileType,
		totalBytes: env.FileSize,
		chunks:     make([][]byte, 0, env.TotalChunks),
	}
}

// HandleChunk appends one chunk. A chunk without a matching file-start is
// ignored, never an error.
func (e *TransferEngine) HandleChunk(env Envelope) {
	data, err := base64.StdEncoding.DecodeString(env.Chunk)
	if err != nil {
		e.log.Warnf("dropping chunk %d of transfer %s: bad base64: %v", env.ChunkIndex, env.TransferID, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	transfer, exists := e.inbound[env.TransferID]
	if !exists {
		e.log.Warnf("ignoring chunk for unknown transfer %s", env.TransferID)
		return
	}
	transfer.chunks = append(transfer.chunks, data)
}

// HandleEnd concatenates the chunks, hands the payload to the consumer and
// discards the transfer state.
func (e *TransferEngine) HandleEnd(env Envelope) {
	e.mu.Lock()
	transfer, exists := e.inbound[env.TransferID]
	if exists {
		delete(e.inbound, env.TransferID)
	}
	onFile := e.onFile
	e.mu.Unlock()

	if !exists {
		e.log.Warnf("ignoring file-end for unknown transfer %s", env.TransferID)
		return
	}

	size := 0
	for _, c := range transfer.chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range transfer.chunks {
		data = append(data, c...)
	}

	e.log.Debugf("completed transfer %s: %s (%d bytes) for node %s",
		transfer.transferID, transfer.fileName, len(data), transfer.nodeID)

	if onFile != nil {
		onFile(transfer.nodeID, transfer.fileName, transfer.mimeType, data)
	}
}

// HandleRequest answers a request-file message by re-sending the payload for
// the requested node through reply. Unknown nodes are ignored.
func (e *TransferEngine) HandleRequest(reply SendFunc, env Envelope) {
	e.mu.Lock()
	src := e.fileSource
	e.mu.Unlock()

	if src == nil {
		return
	}
	info, ok := src(env.NodeID)
	if !ok {
		e.log.Warnf("ignoring request-file for unknown node %s", env.NodeID)
		return
	}
	if _, err := e.Send(reply, env.NodeID, info.FileName, info.MimeType, info.Data); err != nil {
		e.log.Warnf("re-send for node %s failed: %v", env.NodeID, err)
	}
}

// AbandonFrom discards in-progress inbound transfers from a peer that
// disconnected mid-send.
func (e *TransferEngine) AbandonFrom(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, transfer := range e.inbound {
		if transfer.fromPeerID == peerID {
			delete(e.inbound, id)
			e.log.Infof("abandoning transfer %s: peer %s disconnected", id, peerID)
		}
	}
}

// PendingCount returns the number of in-progress inbound transfers.
func (e *TransferEngine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbound)
}

// chunkCount returns ceil(size/chunkSize), with a zero-byte payload counted
// as one empty chunk.
func chunkCount(size, chunkSize int) int {
	if size == 0 {
		return 1
	}
	chunks := size / chunkSize
	if size%chunkSize != 0 {
		chunks++
	}
	return chunks
}
