package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"

	"github.com/sketchmesh/sketchmesh/pkg/signal"
)

// peerTransport is the send/receive surface the session drives. Satisfied by
// *PeerManager; faked in tests.
type peerTransport interface {
	InitiateLink(peerID string) error
	HandleOffer(fromPeerID string, offer json.RawMessage) error
	HandleAnswer(fromPeerID string, answer json.RawMessage) error
	HandleCandidate(fromPeerID string, candidate json.RawMessage) error
	SendToPeer(peerID string, env Envelope) error
	Broadcast(env Envelope, exceptPeerID string)
	BroadcastRaw(data []byte, exceptPeerID string)
	RemovePeer(peerID string)
	OpenPeers() []string
	Close()
}

// Config wires a Session to its consumers. PeerID comes from the identity
// service and is trusted as supplied.
type Config struct {
	PeerID   string
	RelayURL string

	// ProjectName names the document when hosting; ignored when joining.
	ProjectName string

	// ICEServers overrides the default STUN list when non-nil.
	ICEServers []webrtc.ICEServer

	// SnapshotProvider returns the current document snapshot for replay to a
	// late joiner. Required for hosts; optional for guests (any connected
	// peer may be asked via request-project).
	SnapshotProvider func() json.RawMessage

	// OnSnapshot delivers a snapshot plus replayed history to a late joiner.
	OnSnapshot func(project json.RawMessage, ops []Operation)

	// OnOperations delivers newly applied operations in log order.
	OnOperations func(ops []Operation)

	// OnLockChanged reports lock acquire/release, local and remote.
	OnLockChanged func(objectID, holderPeerID string, locked bool)

	// OnPeerEvent reports a peer's channel opening (joined=true) or its link
	// reaching a terminal state (joined=false).
	OnPeerEvent func(peerID string, joined bool)

	// OnRelayDisconnect fires when the signaling connection drops. Established
	// peer links keep working; new peers can no longer be discovered.
	OnRelayDisconnect func()

	// OnFile delivers a completed inbound file transfer.
	OnFile func(nodeID, fileName, mimeType string, data []byte)

	// FileSource serves request-file re-sends.
	FileSource func(nodeID string) (FileInfo, bool)

	// OnTrack receives remote media tracks.
	OnTrack func(peerID string, track *webrtc.TrackRemote)

	LoggerFactory logging.LoggerFactory
}

// Session is one peer's view of a shared document room: the signaling
// connection, the peer mesh, the operation log, the lock registry and the
// transfer engine.
type Session struct {
	cfg    Config
	roomID string

	client    *signal.SignalClient
	peers     peerTransport
	pm        *PeerManager // nil in tests driving a fake transport
	router    *Router
	oplog     *Log
	locks     *LockRegistry
	transfers *TransferEngine

	mu         sync.Mutex
	hosting    bool
	synced     bool   // guest: snapshot already requested or received
	syncSource string // peer the pending snapshot request went to

	log logging.LeveledLogger
}

// Host opens a session as the authoritative holder of the document. An empty
// roomID generates a fresh room code.
func Host(cfg Config, roomID string) (*Session, error) {
	if roomID == "" {
		roomID = signal.GenerateRoomCode()
	}
	s, err := connect(cfg, roomID, true)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Join opens a session as a guest of an existing room. The joiner never
// initiates peer connections; existing members offer to it.
func Join(cfg Config, roomID string) (*Session, error) {
	return connect(cfg, roomID, false)
}

func connect(cfg Config, roomID string, hosting bool) (*Session, error) {
	if cfg.PeerID == "" {
		return nil, fmt.Errorf("session: peer ID is required")
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	s := newSession(cfg)
	s.roomID = roomID
	s.hosting = hosting

	client, err := signal.Dial(cfg.RelayURL, cfg.LoggerFactory)
	if err != nil {
		return nil, err
	}
	s.client = client
	if cfg.OnRelayDisconnect != nil {
		client.SetDisconnectHandler(cfg.OnRelayDisconnect)
	}

	pm := NewPeerManager(PeerManagerConfig{
		LocalPeerID:   cfg.PeerID,
		ICEServers:    cfg.ICEServers,
		SendSignal:    client.Send,
		OnMessage:     s.handleData,
		OnPeerOpen:    s.handlePeerOpen,
		OnPeerClosed:  s.handlePeerClosed,
		OnTrack:       cfg.OnTrack,
		LoggerFactory: cfg.LoggerFactory,
	})
	s.pm = pm
	s.peers = pm

	join := signal.Message{Type: signal.TypeJoinRoom, RoomID: roomID, UserID: cfg.PeerID}
	if hosting {
		join.ProjectName = cfg.ProjectName
	}
	if err := client.Send(join); err != nil {
		client.Close()
		pm.Close()
		return nil, err
	}

	go s.run()
	return s, nil
}

// newSession builds the session core without a relay connection or peer
// manager. connect and the tests wire those in.
func newSession(cfg Config) *Session {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	s := &Session{
		cfg:       cfg,
		router:    NewRouter(cfg.LoggerFactory),
		oplog:     NewLog(),
		locks:     NewLockRegistry(),
		transfers: NewTransferEngine(cfg.LoggerFactory),
		log:       cfg.LoggerFactory.NewLogger("session"),
	}
	s.transfers.SetFileHandler(cfg.OnFile)
	s.transfers.SetFileSource(cfg.FileSource)
	s.setupRoutes()
	return s
}

func (s *Session) setupRoutes() {
	s.router.Route(TypeOperation, func(from string, env Envelope) {
		if env.Operation == nil {
			return
		}
		s.applyAndForward([]Operation{*env.Operation}, from)
	})

	s.router.Route(TypeProjectData, func(from string, env Envelope) {
		applied := s.oplog.Merge(env.Operations)
		s.mu.Lock()
		s.synced = true
		s.syncSource = ""
		s.mu.Unlock()
		if s.cfg.OnSnapshot != nil {
			s.cfg.OnSnapshot(env.Project, applied)
		}
	})

	s.router.Route(TypeRequestProject, func(from string, env Envelope) {
		s.sendProjectData(from)
	})

	s.router.Route(TypeLockNode, func(from string, env Envelope) {
		if s.locks.Acquire(env.NodeID, env.UserID) && s.cfg.OnLockChanged != nil {
			s.cfg.OnLockChanged(env.NodeID, env.UserID, true)
		}
	})

	s.router.Route(TypeUnlockNode, func(from string, env Envelope) {
		if s.locks.Release(env.NodeID, env.UserID) && s.cfg.OnLockChanged != nil {
			s.cfg.OnLockChanged(env.NodeID, env.UserID, false)
		}
	})

	s.router.Route(TypeFileStart, func(from string, env Envelope) {
		s.transfers.HandleStart(from, env)
	})
	s.router.Route(TypeFileChunk, func(from string, env Envelope) {
		s.transfers.HandleChunk(env)
	})
	s.router.Route(TypeFileEnd, func(from string, env Envelope) {
		s.transfers.HandleEnd(env)
	})
	s.router.Route(TypeRequestFile, func(from string, env Envelope) {
		s.transfers.HandleRequest(func(reply Envelope) error {
			return s.peers.SendToPeer(from, reply)
		}, env)
	})
}

// run drains signaling messages until the relay connection drops. There is no
// automatic reconnect; the caller re-hosts or re-joins.
func (s *Session) run() {
	for msg := range s.client.Messages() {
		s.handleSignal(msg)
	}
	s.log.Warnf("signaling connection lost")
}

func (s *Session) handleSignal(msg signal.Message) {
	switch msg.Type {
	case signal.TypeUserJoined:
		// We were already a member when this peer joined, so we offer. The
		// joining side never initiates; that asymmetry prevents glare.
		if err := s.peers.InitiateLink(msg.UserID); err != nil {
			s.log.Errorf("initiating link to %s: %v", msg.UserID, err)
		}
	case signal.TypeUserLeft:
		s.peers.RemovePeer(msg.UserID)
	case signal.TypeOffer:
		if err := s.peers.HandleOffer(msg.SenderUserID, msg.Offer); err != nil {
			s.log.Errorf("handling offer from %s: %v", msg.SenderUserID, err)
		}
	case signal.TypeAnswer:
		if err := s.peers.HandleAnswer(msg.SenderUserID, msg.Answer); err != nil {
			s.log.Errorf("handling answer from %s: %v", msg.SenderUserID, err)
		}
	case signal.TypeICECandidate:
		if err := s.peers.HandleCandidate(msg.SenderUserID, msg.Candidate); err != nil {
			s.log.Warnf("handling candidate from %s: %v", msg.SenderUserID, err)
		}
	case signal.TypeError:
		s.log.Errorf("relay error: %s", msg.Error)
	}
}

// handleData feeds one inbound data-channel payload to the router.
func (s *Session) handleData(fromPeerID string, data []byte) {
	s.router.Dispatch(fromPeerID, data)
}

// handlePeerOpen runs the snapshot exchange: hosts push the document and full
// history to the new peer, guests request it from the first peer they reach.
func (s *Session) handlePeerOpen(peerID string) {
	s.mu.Lock()
	hosting := s.hosting
	s.mu.Unlock()

	if hosting {
		s.sendProjectData(peerID)
	} else {
		s.requestSnapshotFrom(peerID)
	}

	if s.cfg.OnPeerEvent != nil {
		s.cfg.OnPeerEvent(peerID, true)
	}
}

// requestSnapshotFrom asks one peer for the project unless a request is
// already pending or the snapshot has arrived.
func (s *Session) requestSnapshotFrom(peerID string) {
	s.mu.Lock()
	if s.synced {
		s.mu.Unlock()
		return
	}
	s.synced = true
	s.syncSource = peerID
	s.mu.Unlock()

	if err := s.peers.SendToPeer(peerID, Envelope{Type: TypeRequestProject}); err != nil {
		s.log.Warnf("requesting project from %s: %v", peerID, err)
		s.mu.Lock()
		s.synced = false
		s.syncSource = ""
		s.mu.Unlock()
	}
}

// handlePeerClosed garbage-collects everything tied to a departed peer: its
// advisory locks and any half-received transfers. If the departed peer owed
// us the project snapshot, another open peer is asked instead.
func (s *Session) handlePeerClosed(peerID string) {
	for _, objectID := range s.locks.ReleaseAllHeldBy(peerID) {
		if s.cfg.OnLockChanged != nil {
			s.cfg.OnLockChanged(objectID, peerID, false)
		}
	}
	s.transfers.AbandonFrom(peerID)

	s.mu.Lock()
	retry := !s.hosting && s.syncSource == peerID
	if retry {
		s.synced = false
		s.syncSource = ""
	}
	s.mu.Unlock()
	if retry {
		for _, next := range s.peers.OpenPeers() {
			if next == peerID {
				continue
			}
			s.requestSnapshotFrom(next)
			break
		}
	}

	if s.cfg.OnPeerEvent != nil {
		s.cfg.OnPeerEvent(peerID, false)
	}
}

// applyAndForward merges operations, hands the applied ones to the consumer
// and floods them to every other peer except the one that delivered them.
func (s *Session) applyAndForward(ops []Operation, fromPeerID string) {
	applied := s.oplog.Merge(ops)
	if len(applied) == 0 {
		return
	}
	if s.cfg.OnOperations != nil {
		s.cfg.OnOperations(applied)
	}
	for _, op := range applied {
		op := op
		s.peers.Broadcast(Envelope{Type: TypeOperation, Operation: &op}, fromPeerID)
	}
}

// sendProjectData replies to a late joiner with the snapshot and history.
func (s *Session) sendProjectData(peerID string) {
	var project json.RawMessage
	if s.cfg.SnapshotProvider != nil {
		project = s.cfg.SnapshotProvider()
	}
	env := Envelope{
		Type:       TypeProjectData,
		Project:    project,
		Operations: s.oplog.History(),
	}
	if err := s.peers.SendToPeer(peerID, env); err != nil {
		s.log.Warnf("sending project data to %s: %v", peerID, err)
	}
}

// BroadcastOperation records a locally created operation and sends it to
// every connected peer.
func (s *Session) BroadcastOperation(op Operation) {
	applied := s.oplog.Merge([]Operation{op})
	if len(applied) == 0 {
		return
	}
	s.peers.Broadcast(Envelope{Type: TypeOperation, Operation: &op}, "")
}

// LockObject tries to take the advisory lock on an object. On success the
// acquire is broadcast so every peer can render it. A failed acquire is a
// silent no-op.
func (s *Session) LockObject(objectID string) bool {
	if !s.locks.Acquire(objectID, s.cfg.PeerID) {
		return false
	}
	s.peers.Broadcast(Envelope{Type: TypeLockNode, NodeID: objectID, UserID: s.cfg.PeerID}, "")
	if s.cfg.OnLockChanged != nil {
		s.cfg.OnLockChanged(objectID, s.cfg.PeerID, true)
	}
	return true
}

// UnlockObject releases the advisory lock if held locally.
func (s *Session) UnlockObject(objectID string) {
	if !s.locks.Release(objectID, s.cfg.PeerID) {
		return
	}
	s.peers.Broadcast(Envelope{Type: TypeUnlockNode, NodeID: objectID, UserID: s.cfg.PeerID}, "")
	if s.cfg.OnLockChanged != nil {
		s.cfg.OnLockChanged(objectID, s.cfg.PeerID, false)
	}
}

// LockHolder returns who holds an object's lock, if anyone.
func (s *Session) LockHolder(objectID string) (string, bool) {
	return s.locks.Holder(objectID)
}

// SendFile chunks a binary payload to every connected peer.
func (s *Session) SendFile(nodeID, fileName, mimeType string, data []byte) (string, error) {
	return s.transfers.Send(func(env Envelope) error {
		s.peers.Broadcast(env, "")
		return nil
	}, nodeID, fileName, mimeType, data)
}

// RequestFile asks one peer to re-send the payload attached to a node.
func (s *Session) RequestFile(peerID, packetID, nodeID string) error {
	return s.peers.SendToPeer(peerID, Envelope{Type: TypeRequestFile, PacketID: packetID, NodeID: nodeID})
}

// BroadcastRaw sends a pre-encoded passthrough message (cursor, chat,
// presence) to every connected peer. The payload must be a JSON object with a
// type field the router does not claim.
func (s *Session) BroadcastRaw(data []byte) {
	s.peers.BroadcastRaw(data, "")
}

// Subscribe registers a consumer for passthrough message kinds.
func (s *Session) Subscribe(sub Subscriber) func() {
	return s.router.Subscribe(sub)
}

// AttachMediaTrack adds a local media track to every peer link, triggering a
// renegotiation per link.
func (s *Session) AttachMediaTrack(track webrtc.TrackLocal) error {
	if s.pm == nil {
		return fmt.Errorf("session has no media-capable transport")
	}
	return s.pm.AttachTrack(track)
}

// DetachMediaTrack removes a previously attached track, renegotiating.
func (s *Session) DetachMediaTrack(trackID string) {
	if s.pm != nil {
		s.pm.DetachTrack(trackID)
	}
}

// PeerID returns the local peer identity.
func (s *Session) PeerID() string { return s.cfg.PeerID }

// RoomID returns the joined room.
func (s *Session) RoomID() string { return s.roomID }

// Hosting reports whether this session is the room's informational host.
func (s *Session) Hosting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hosting
}

// ConnectedPeers returns peers with an open data channel.
func (s *Session) ConnectedPeers() []string {
	return s.peers.OpenPeers()
}

// History returns the merged operation log.
func (s *Session) History() []Operation {
	return s.oplog.History()
}

// Close tears down all peer links and the relay connection.
func (s *Session) Close() {
	s.peers.Close()
	if s.client != nil {
		s.client.Close()
	}
}

// ListRooms queries a relay for its open rooms.
func ListRooms(relayURL string, loggerFactory logging.LoggerFactory, timeout time.Duration) ([]signal.RoomInfo, error) {
	client, err := signal.Dial(relayURL, loggerFactory)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Send(signal.Message{Type: signal.TypeListRooms}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return nil, fmt.Errorf("relay connection closed before ROOM_LIST")
			}
			if msg.Type == signal.TypeRoomList {
				return msg.Rooms, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("timed out waiting for ROOM_LIST")
		}
	}
}
