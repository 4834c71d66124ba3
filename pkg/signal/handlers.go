package signal

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// readPump reads messages from the WebSocket
func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.closeSend()
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Warnf("websocket error: %v", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.server.log.Warnf("invalid message format: %v", err)
			continue
		}

		c.handleMessage(msg)
	}
}

// writePump sends messages to the WebSocket
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.server.log.Warnf("websocket write error: %v", err)
			return
		}
	}
}

// handleMessage processes incoming signaling messages
func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case TypeJoinRoom:
		c.handleJoin(msg)
	case TypeListRooms:
		c.handleListRooms()
	case TypeOffer, TypeAnswer, TypeICECandidate:
		c.relay(msg)
	default:
		c.server.log.Warnf("unknown message type: %s", msg.Type)
	}
}

// handleJoin registers the client into a room, creating the room if absent.
// A second join with an identity already registered in the room replaces the
// old registration and closes its socket.
func (c *Client) handleJoin(msg Message) {
	if msg.RoomID == "" || msg.UserID == "" {
		c.sendMessage(Message{Type: TypeError, Error: "JOIN_ROOM requires roomId and userId"})
		return
	}

	room := c.server.getOrCreateRoom(msg.RoomID)

	room.mu.Lock()
	if old, exists := room.members[msg.UserID]; exists && old != c {
		c.server.log.Infof("peer %s re-joined room %s, closing stale connection", msg.UserID, room.id)
		old.closeSend()
	}

	c.roomID = room.id
	c.userID = msg.UserID
	room.members[msg.UserID] = c

	// A supplied project name marks this peer as the room's informational host.
	if msg.ProjectName != "" {
		room.projectName = msg.ProjectName
		room.hostID = msg.UserID
	}

	joined := Message{Type: TypeUserJoined, UserID: msg.UserID}
	data, _ := json.Marshal(joined)
	for id, member := range room.members {
		if id == msg.UserID {
			continue
		}
		member.trySend(data)
	}
	total := len(room.members)
	room.mu.Unlock()

	c.server.log.Infof("peer %s joined room %s (total members: %d)", msg.UserID, room.id, total)
}

// handleListRooms answers a room-discovery query.
func (c *Client) handleListRooms() {
	c.sendMessage(Message{Type: TypeRoomList, Rooms: c.server.ListRooms()})
}

// relay forwards an OFFER, ANSWER or ICE_CANDIDATE to the target peer in the
// sender's room, stamping the sender's identity onto the message. A missing
// target is a silent drop; the sender is never informed.
func (c *Client) relay(msg Message) {
	if c.roomID == "" {
		c.server.log.Warnf("dropping %s from unregistered client", msg.Type)
		return
	}

	c.server.mu.RLock()
	room, exists := c.server.rooms[c.roomID]
	c.server.mu.RUnlock()
	if !exists {
		return
	}

	msg.SenderUserID = c.userID
	data, _ := json.Marshal(msg)

	room.mu.RLock()
	defer room.mu.RUnlock()

	target, found := room.members[msg.TargetUserID]
	if !found {
		c.server.log.Warnf("dropping %s: target %s not in room %s", msg.Type, msg.TargetUserID, room.id)
		return
	}

	if !target.trySend(data) {
		c.server.log.Warnf("dropping %s: target %s not accepting messages", msg.Type, msg.TargetUserID)
	}
}

// sendMessage marshals and queues a message for this client.
func (c *Client) sendMessage(msg Message) {
	data, _ := json.Marshal(msg)
	c.trySend(data)
}
