package channels

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
	"github.com/tomnagengast/revurb-sub002/internal/protocol"
)

// MemberData is the parsed channel_data of a presence subscription.
type MemberData struct {
	UserID   string
	UserInfo json.RawMessage // nil when the client sent none
	Raw      json.RawMessage // the original channel_data object
}

// ParseMemberData decodes presence channel_data. user_id is required and may
// arrive as a JSON string or number; it normalizes to its string form.
func ParseMemberData(channelData string) (*MemberData, error) {
	if channelData == "" {
		return nil, fmt.Errorf("channel_data is required")
	}

	var envelope struct {
		UserID   json.RawMessage `json:"user_id"`
		UserInfo json.RawMessage `json:"user_info"`
	}
	if err := json.Unmarshal([]byte(channelData), &envelope); err != nil {
		return nil, fmt.Errorf("parsing channel_data: %w", err)
	}
	if len(envelope.UserID) == 0 {
		return nil, fmt.Errorf("channel_data is missing user_id")
	}

	dec := json.NewDecoder(bytes.NewReader(envelope.UserID))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing user_id: %w", err)
	}

	var userID string
	switch v := raw.(type) {
	case string:
		userID = v
	case json.Number:
		userID = v.String()
	default:
		return nil, fmt.Errorf("user_id must be a string or number")
	}
	if userID == "" {
		return nil, fmt.Errorf("user_id must not be empty")
	}

	return &MemberData{
		UserID:   userID,
		UserInfo: envelope.UserInfo,
		Raw:      json.RawMessage(channelData),
	}, nil
}

// PresenceChannel tracks distinct users over the subscriber set and gossips
// join/leave transitions. Multiple connections may share a user id; only the
// 0→1 and 1→0 transitions of a user are visible to peers.
type PresenceChannel struct {
	channel

	// all guarded by channel.mu
	users map[string][]string        // user_id → socket_ids
	order []string                   // user_id insertion order
	infos map[string]json.RawMessage // user_id → user_info
}

func newPresence(app *apps.Application, name string) PresenceChannel {
	return PresenceChannel{
		channel: newBase(app, name),
		users:   make(map[string][]string),
		infos:   make(map[string]json.RawMessage),
	}
}

func (c *PresenceChannel) Type() string { return TypePresence }

func (c *PresenceChannel) Subscribe(conn *connection.Conn, auth, channelData string) error {
	if err := VerifyAuth(c.app, conn.ID(), c.name, auth, channelData); err != nil {
		return err
	}

	member, err := ParseMemberData(channelData)
	if err != nil {
		return protocol.NewError(protocol.CodeSubscriptionFailed,
			"Subscription failed: presence channels require channel_data with a user_id")
	}

	socketID := conn.ID()

	c.mu.Lock()
	var priorUser string
	priorLast := false
	if existing, ok := c.subscribers[socketID]; ok {
		// Re-subscribing replaces the prior membership.
		priorUser, priorLast = c.removeMemberLocked(socketID, existing)
	}
	c.subscribers[socketID] = &Subscriber{Conn: conn, Member: member}
	first := len(c.users[member.UserID]) == 0
	c.users[member.UserID] = append(c.users[member.UserID], socketID)
	if first {
		c.order = append(c.order, member.UserID)
	}
	c.infos[member.UserID] = member.UserInfo
	c.mu.Unlock()

	if priorLast && priorUser != member.UserID {
		c.gossipMemberRemoved(priorUser)
	}
	if first {
		c.gossipMemberAdded(member, socketID)
	}
	return nil
}

func (c *PresenceChannel) Unsubscribe(conn *connection.Conn) {
	socketID := conn.ID()

	c.mu.Lock()
	sub, ok := c.subscribers[socketID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subscribers, socketID)
	userID, last := c.removeMemberLocked(socketID, sub)
	c.mu.Unlock()

	if last {
		c.gossipMemberRemoved(userID)
	}
}

// removeMemberLocked unwinds the presence bookkeeping for one socket and
// reports whether its user just lost their last connection. Caller holds mu.
func (c *PresenceChannel) removeMemberLocked(socketID string, sub *Subscriber) (string, bool) {
	userID := sub.Member.UserID
	ids := c.users[userID]
	for i, id := range ids {
		if id == socketID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) > 0 {
		c.users[userID] = ids
		return userID, false
	}

	delete(c.users, userID)
	delete(c.infos, userID)
	for i, u := range c.order {
		if u == userID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return userID, true
}

func (c *PresenceChannel) gossipMemberAdded(member *MemberData, exceptSocketID string) {
	data, err := protocol.EncodeData(member.Raw)
	if err != nil {
		return
	}
	frame, err := protocol.Message{Event: protocol.EventMemberAdded, Channel: c.name, Data: data}.Encode()
	if err != nil {
		return
	}
	c.fanOut(frame, exceptSocketID)
}

func (c *PresenceChannel) gossipMemberRemoved(userID string) {
	data, err := protocol.EncodeData(map[string]string{"user_id": userID})
	if err != nil {
		return
	}
	frame, err := protocol.Message{Event: protocol.EventMemberRemoved, Channel: c.name, Data: data}.Encode()
	if err != nil {
		return
	}
	c.fanOut(frame, "")
}

type presenceBlock struct {
	Count int                        `json:"count"`
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
}

// SubscriptionData carries the full presence set to a new subscriber.
func (c *PresenceChannel) SubscriptionData() any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, len(c.order))
	copy(ids, c.order)

	hash := make(map[string]json.RawMessage, len(ids))
	for _, userID := range ids {
		info := c.infos[userID]
		if len(info) == 0 || string(info) == "null" {
			info = json.RawMessage("{}")
		}
		hash[userID] = info
	}

	return map[string]any{
		"presence": presenceBlock{Count: len(ids), IDs: ids, Hash: hash},
	}
}

// Users returns the distinct user ids in insertion order.
func (c *PresenceChannel) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	return ids
}

// UserCount is the number of distinct users, not connections.
func (c *PresenceChannel) UserCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
