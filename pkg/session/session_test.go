package session

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records what the session sends instead of opening real
// peer connections.
type fakeTransport struct {
	mu         sync.Mutex
	initiated  []string
	sent       map[string][]Envelope
	broadcasts []fakeBroadcast
	removed    []string
	open       []string
}

type fakeBroadcast struct {
	env    Envelope
	except string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][]Envelope)}
}

func (f *fakeTransport) InitiateLink(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, peerID)
	return nil
}

func (f *fakeTransport) HandleOffer(string, json.RawMessage) error     { return nil }
func (f *fakeTransport) HandleAnswer(string, json.RawMessage) error    { return nil }
func (f *fakeTransport) HandleCandidate(string, json.RawMessage) error { return nil }

func (f *fakeTransport) SendToPeer(peerID string, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peerID] = append(f.sent[peerID], env)
	return nil
}

func (f *fakeTransport) Broadcast(env Envelope, except string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, fakeBroadcast{env: env, except: except})
}

func (f *fakeTransport) BroadcastRaw(data []byte, except string) {
	var env Envelope
	_ = json.Unmarshal(data, &env)
	f.Broadcast(env, except)
}

func (f *fakeTransport) RemovePeer(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, peerID)
}

func (f *fakeTransport) OpenPeers() []string { return f.open }
func (f *fakeTransport) Close()              {}

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeTransport) {
	t.Helper()
	cfg.PeerID = "local-peer"
	s := newSession(cfg)
	transport := newFakeTransport()
	s.peers = transport
	return s, transport
}

func dispatch(s *Session, from string, env Envelope) {
	data, _ := json.Marshal(env)
	s.handleData(from, data)
}

func TestInboundOperationAppliedAndForwarded(t *testing.T) {
	var applied []Operation
	s, transport := newTestSession(t, Config{
		OnOperations: func(ops []Operation) { applied = append(applied, ops...) },
	})

	op := NewOperation("move", "obj-1", json.RawMessage(`{"x":4}`), "peer-a")
	dispatch(s, "peer-a", Envelope{Type: TypeOperation, Operation: &op})

	require.Len(t, applied, 1)
	assert.Equal(t, op.ID, applied[0].ID)

	require.Len(t, transport.broadcasts, 1)
	assert.Equal(t, "peer-a", transport.broadcasts[0].except, "delivering peer must not get the op back")
	assert.Equal(t, op.ID, transport.broadcasts[0].env.Operation.ID)
}

func TestDuplicateOperationNotReForwarded(t *testing.T) {
	s, transport := newTestSession(t, Config{})

	op := NewOperation("move", "obj-1", nil, "peer-a")
	dispatch(s, "peer-a", Envelope{Type: TypeOperation, Operation: &op})
	dispatch(s, "peer-b", Envelope{Type: TypeOperation, Operation: &op})

	assert.Len(t, transport.broadcasts, 1, "a replayed operation must be absorbed silently")
	assert.Equal(t, 1, s.oplog.Len())
}

func TestBroadcastOperationRecordsLocally(t *testing.T) {
	s, transport := newTestSession(t, Config{})

	op := NewOperation("create", "obj-1", nil, "local-peer")
	s.BroadcastOperation(op)

	assert.True(t, s.oplog.Contains(op.ID))
	require.Len(t, transport.broadcasts, 1)
	assert.Equal(t, "", transport.broadcasts[0].except)

	// Re-broadcasting the same operation is a no-op.
	s.BroadcastOperation(op)
	assert.Len(t, transport.broadcasts, 1)
}

func TestHostPushesProjectOnPeerOpen(t *testing.T) {
	snapshot := json.RawMessage(`{"obj-1":{"x":1}}`)
	s, transport := newTestSession(t, Config{
		SnapshotProvider: func() json.RawMessage { return snapshot },
	})
	s.hosting = true
	s.oplog.Merge([]Operation{NewOperation("create", "obj-1", nil, "local-peer")})

	s.handlePeerOpen("peer-a")

	require.Len(t, transport.sent["peer-a"], 1)
	env := transport.sent["peer-a"][0]
	assert.Equal(t, TypeProjectData, env.Type)
	assert.Equal(t, snapshot, env.Project)
	assert.Len(t, env.Operations, 1)
}

func TestGuestRequestsProjectOnce(t *testing.T) {
	s, transport := newTestSession(t, Config{})

	s.handlePeerOpen("peer-a")
	s.handlePeerOpen("peer-b")

	require.Len(t, transport.sent["peer-a"], 1)
	assert.Equal(t, TypeRequestProject, transport.sent["peer-a"][0].Type)
	assert.Empty(t, transport.sent["peer-b"], "snapshot is requested from the first peer only")
}

func TestSnapshotReRequestedWhenSourceDisconnects(t *testing.T) {
	s, transport := newTestSession(t, Config{})

	s.handlePeerOpen("peer-a")
	require.Len(t, transport.sent["peer-a"], 1)
	require.Equal(t, TypeRequestProject, transport.sent["peer-a"][0].Type)

	// The asked peer drops before answering; the next open peer is asked.
	transport.open = []string{"peer-b"}
	s.handlePeerClosed("peer-a")

	require.Len(t, transport.sent["peer-b"], 1)
	assert.Equal(t, TypeRequestProject, transport.sent["peer-b"][0].Type)
}

func TestSnapshotNotReRequestedAfterSync(t *testing.T) {
	s, transport := newTestSession(t, Config{})

	s.handlePeerOpen("peer-a")
	dispatch(s, "peer-a", Envelope{Type: TypeProjectData, Project: json.RawMessage(`{}`)})

	transport.open = []string{"peer-b"}
	s.handlePeerClosed("peer-a")

	assert.Empty(t, transport.sent["peer-b"], "a delivered snapshot settles the exchange")
}

func TestProjectDataDeliversSnapshotAndReplay(t *testing.T) {
	var gotProject json.RawMessage
	var gotOps []Operation
	s, _ := newTestSession(t, Config{
		OnSnapshot: func(project json.RawMessage, ops []Operation) {
			gotProject = project
			gotOps = ops
		},
	})

	history := []Operation{
		NewOperation("create", "obj-1", nil, "peer-a"),
		NewOperation("move", "obj-1", nil, "peer-a"),
	}
	dispatch(s, "peer-a", Envelope{
		Type:       TypeProjectData,
		Project:    json.RawMessage(`{"obj-1":{}}`),
		Operations: history,
	})

	assert.JSONEq(t, `{"obj-1":{}}`, string(gotProject))
	assert.Len(t, gotOps, 2)
	assert.Equal(t, 2, s.oplog.Len())
}

func TestRequestProjectAnswered(t *testing.T) {
	s, transport := newTestSession(t, Config{
		SnapshotProvider: func() json.RawMessage { return json.RawMessage(`{}`) },
	})

	dispatch(s, "peer-a", Envelope{Type: TypeRequestProject})

	require.Len(t, transport.sent["peer-a"], 1)
	assert.Equal(t, TypeProjectData, transport.sent["peer-a"][0].Type)
}

func TestLockObjectBroadcastsOnSuccess(t *testing.T) {
	var events []string
	s, transport := newTestSession(t, Config{
		OnLockChanged: func(objectID, holder string, locked bool) {
			events = append(events, objectID)
		},
	})

	require.True(t, s.LockObject("obj-1"))
	require.Len(t, transport.broadcasts, 1)
	assert.Equal(t, TypeLockNode, transport.broadcasts[0].env.Type)
	assert.Equal(t, "local-peer", transport.broadcasts[0].env.UserID)
	assert.Equal(t, []string{"obj-1"}, events)

	// Remote peer already holds the object: local acquire fails silently.
	dispatch(s, "peer-a", Envelope{Type: TypeLockNode, NodeID: "obj-2", UserID: "peer-a"})
	assert.False(t, s.LockObject("obj-2"))
	assert.Len(t, transport.broadcasts, 1, "failed acquire must not broadcast")
}

func TestUnlockOnlyByHolder(t *testing.T) {
	s, transport := newTestSession(t, Config{})

	dispatch(s, "peer-a", Envelope{Type: TypeLockNode, NodeID: "obj-1", UserID: "peer-a"})

	s.UnlockObject("obj-1") // not the holder
	assert.Empty(t, transport.broadcasts)

	holder, held := s.LockHolder("obj-1")
	require.True(t, held)
	assert.Equal(t, "peer-a", holder)
}

func TestPeerClosedReleasesLocksAndTransfers(t *testing.T) {
	var unlocked []string
	var left []string
	s, _ := newTestSession(t, Config{
		OnLockChanged: func(objectID, holder string, locked bool) {
			if !locked {
				unlocked = append(unlocked, objectID)
			}
		},
		OnPeerEvent: func(peerID string, joined bool) {
			if !joined {
				left = append(left, peerID)
			}
		},
	})

	dispatch(s, "peer-a", Envelope{Type: TypeLockNode, NodeID: "obj-1", UserID: "peer-a"})
	dispatch(s, "peer-a", Envelope{Type: TypeFileStart, TransferID: "t1", NodeID: "n1"})
	require.Equal(t, 1, s.transfers.PendingCount())

	s.handlePeerClosed("peer-a")

	assert.Equal(t, []string{"obj-1"}, unlocked)
	assert.Equal(t, []string{"peer-a"}, left)
	assert.Equal(t, 0, s.transfers.PendingCount())

	_, held := s.LockHolder("obj-1")
	assert.False(t, held, "a disconnected holder must not pin a lock forever")
}

func TestFileMessagesReachConsumer(t *testing.T) {
	var gotName string
	var gotData []byte
	s, _ := newTestSession(t, Config{})
	s.transfers.SetFileHandler(func(nodeID, fileName, mimeType string, data []byte) {
		gotName = fileName
		gotData = data
	})

	dispatch(s, "peer-a", Envelope{Type: TypeFileStart, TransferID: "t1", NodeID: "n1", FileName: "a.bin", TotalChunks: 1})
	dispatch(s, "peer-a", Envelope{Type: TypeFileChunk, TransferID: "t1", ChunkIndex: 0, Chunk: "aGVsbG8="})
	dispatch(s, "peer-a", Envelope{Type: TypeFileEnd, TransferID: "t1"})

	assert.Equal(t, "a.bin", gotName)
	assert.Equal(t, []byte("hello"), gotData)
}

func TestPassthroughReachesSubscribers(t *testing.T) {
	s, _ := newTestSession(t, Config{})

	var gotType, gotFrom string
	s.Subscribe(func(from, msgType string, raw []byte) {
		gotFrom = from
		gotType = msgType
	})

	s.handleData("peer-a", []byte(`{"type":"cursor-move","x":3,"y":9}`))

	assert.Equal(t, "peer-a", gotFrom)
	assert.Equal(t, "cursor-move", gotType)
}
