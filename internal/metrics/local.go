// Package metrics answers occupancy questions about channels, users and
// connections, either from this node alone or aggregated across the fleet
// over the bus.
package metrics

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/channels"
	"github.com/tomnagengast/revurb-sub002/internal/connection"
)

// Gatherable metric types.
const (
	TypeChannels     = "channels"
	TypeChannel      = "channel"
	TypeChannelUsers = "channel_users"
	TypeConnections  = "connections"
)

// Info fields a caller may request per channel.
const (
	InfoOccupied          = "occupied"
	InfoUserCount         = "user_count"
	InfoSubscriptionCount = "subscription_count"
	InfoCache             = "cache"
)

// Options narrows a gather: Channel for single-channel types, Prefix and
// Info for listings.
type Options struct {
	Channel string   `json:"channel,omitempty"`
	Prefix  string   `json:"prefix,omitempty"`
	Info    []string `json:"info,omitempty"`
}

// InfoAllowed reports whether every requested info field is known.
func InfoAllowed(fields []string) bool {
	for _, f := range fields {
		switch f {
		case InfoOccupied, InfoUserCount, InfoSubscriptionCount, InfoCache:
		default:
			return false
		}
	}
	return true
}

// ChannelInfo carries the requested attributes of one channel. Unrequested
// fields stay nil and disappear from the JSON.
type ChannelInfo struct {
	Occupied          *bool   `json:"occupied,omitempty"`
	UserCount         *int    `json:"user_count,omitempty"`
	SubscriptionCount *int    `json:"subscription_count,omitempty"`
	Cache             *string `json:"cache,omitempty"`
}

// ChannelsPayload is the channels listing exchanged between nodes.
type ChannelsPayload struct {
	Channels map[string]ChannelInfo `json:"channels"`
}

// UsersPayload is the distinct presence user listing.
type UsersPayload struct {
	Users []string `json:"users"`
}

// ConnectionsPayload is the connection count.
type ConnectionsPayload struct {
	Connections int `json:"connections"`
}

// Local answers metrics questions from this node's state.
type Local struct {
	manager     *channels.Manager
	connections *connection.Registry
}

func NewLocal(manager *channels.Manager, connections *connection.Registry) *Local {
	return &Local{manager: manager, connections: connections}
}

// Collect builds the node-local answer for one metric type.
func (l *Local) Collect(app *apps.Application, metricsType string, opts Options) (any, error) {
	switch metricsType {
	case TypeChannels:
		return l.channelListing(app, opts), nil
	case TypeChannel:
		return l.channelInfo(app, opts), nil
	case TypeChannelUsers:
		return l.channelUsers(app, opts), nil
	case TypeConnections:
		return ConnectionsPayload{Connections: l.connections.Count(app.ID)}, nil
	default:
		return nil, fmt.Errorf("unknown metrics type: %s", metricsType)
	}
}

func (l *Local) channelListing(app *apps.Application, opts Options) ChannelsPayload {
	out := make(map[string]ChannelInfo)
	for _, ch := range l.manager.Channels(app) {
		if !ch.IsOccupied() {
			continue
		}
		name := ch.Name()
		if opts.Prefix != "" && !strings.HasPrefix(name, opts.Prefix) {
			continue
		}
		out[name] = describe(ch, opts.Info)
	}
	return ChannelsPayload{Channels: out}
}

func (l *Local) channelInfo(app *apps.Application, opts Options) ChannelInfo {
	ch, ok := l.manager.Find(app, opts.Channel)
	if !ok {
		return describeAbsent(opts.Info)
	}
	return describe(ch, opts.Info)
}

func (l *Local) channelUsers(app *apps.Application, opts Options) UsersPayload {
	ch, ok := l.manager.Find(app, opts.Channel)
	if !ok {
		return UsersPayload{Users: []string{}}
	}
	holder, ok := ch.(channels.PresenceHolder)
	if !ok {
		return UsersPayload{Users: []string{}}
	}
	return UsersPayload{Users: holder.Users()}
}

func describe(ch channels.Channel, fields []string) ChannelInfo {
	var out ChannelInfo
	for _, f := range fields {
		switch f {
		case InfoOccupied:
			v := ch.IsOccupied()
			out.Occupied = &v
		case InfoSubscriptionCount:
			v := ch.SubscriptionCount()
			out.SubscriptionCount = &v
		case InfoUserCount:
			if holder, ok := ch.(channels.PresenceHolder); ok {
				v := holder.UserCount()
				out.UserCount = &v
			}
		case InfoCache:
			if holder, ok := ch.(channels.CacheHolder); ok {
				if payload, found := holder.CachedPayload(); found {
					s := string(payload)
					out.Cache = &s
				}
			}
		}
	}
	return out
}

func describeAbsent(fields []string) ChannelInfo {
	var out ChannelInfo
	for _, f := range fields {
		switch f {
		case InfoOccupied:
			v := false
			out.Occupied = &v
		case InfoSubscriptionCount:
			v := 0
			out.SubscriptionCount = &v
		case InfoUserCount:
			v := 0
			out.UserCount = &v
		}
	}
	return out
}

// Merge folds per-node answers into the fleet-wide view. Counts add up,
// occupancy ORs, users union in arrival order, cache takes the first answer.

func MergeChannels(results []json.RawMessage) ChannelsPayload {
	merged := ChannelsPayload{Channels: make(map[string]ChannelInfo)}
	for _, raw := range results {
		var part ChannelsPayload
		if err := json.Unmarshal(raw, &part); err != nil {
			continue
		}
		for name, info := range part.Channels {
			merged.Channels[name] = mergeInfo(merged.Channels[name], info)
		}
	}
	return merged
}

func MergeChannel(results []json.RawMessage) ChannelInfo {
	var merged ChannelInfo
	for _, raw := range results {
		var part ChannelInfo
		if err := json.Unmarshal(raw, &part); err != nil {
			continue
		}
		merged = mergeInfo(merged, part)
	}
	return merged
}

func MergeUsers(results []json.RawMessage) UsersPayload {
	seen := make(map[string]struct{})
	merged := UsersPayload{Users: []string{}}
	for _, raw := range results {
		var part UsersPayload
		if err := json.Unmarshal(raw, &part); err != nil {
			continue
		}
		for _, id := range part.Users {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			merged.Users = append(merged.Users, id)
		}
	}
	return merged
}

func MergeConnections(results []json.RawMessage) ConnectionsPayload {
	var merged ConnectionsPayload
	for _, raw := range results {
		var part ConnectionsPayload
		if err := json.Unmarshal(raw, &part); err != nil {
			continue
		}
		merged.Connections += part.Connections
	}
	return merged
}

func mergeInfo(into, from ChannelInfo) ChannelInfo {
	if from.Occupied != nil {
		v := (into.Occupied != nil && *into.Occupied) || *from.Occupied
		into.Occupied = &v
	}
	if from.SubscriptionCount != nil {
		v := *from.SubscriptionCount
		if into.SubscriptionCount != nil {
			v += *into.SubscriptionCount
		}
		into.SubscriptionCount = &v
	}
	if from.UserCount != nil {
		v := *from.UserCount
		if into.UserCount != nil {
			v += *into.UserCount
		}
		into.UserCount = &v
	}
	if into.Cache == nil && from.Cache != nil {
		into.Cache = from.Cache
	}
	return into
}
