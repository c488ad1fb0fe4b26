package relay

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fernwood/tweet-relay/internal/twitter"
)

// Client to relay message types.
const (
	msgSetSubscriptions    = "set_subscriptions"
	msgInsertSubscriptions = "insert_subscriptions"
	msgRemoveSubscriptions = "remove_subscriptions"
	msgExit                = "exit"
)

// Relay to client message types.
const (
	msgAckSubscriptions = "ack_subscriptions"
	msgTweet            = "tweet"
	msgProtocolError    = "protocol_error"
)

// envelope is the outer frame of every protocol message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// commandKind enumerates decoded client commands.
type commandKind int

const (
	cmdSet commandKind = iota
	cmdInsert
	cmdRemove
	cmdExit
)

// clientCommand is a decoded inbound text frame.
type clientCommand struct {
	Kind commandKind
	IDs  []uint64
}

// decodeClientMessage parses one inbound text frame. Errors become
// protocol_error replies; they never tear the session down.
func decodeClientMessage(payload []byte) (clientCommand, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return clientCommand{}, fmt.Errorf("malformed message: %v", err)
	}

	switch env.Type {
	case msgExit:
		return clientCommand{Kind: cmdExit}, nil

	case msgSetSubscriptions, msgInsertSubscriptions, msgRemoveSubscriptions:
		var ids []uint64
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ids); err != nil {
				return clientCommand{}, fmt.Errorf("malformed %s data: %v", env.Type, err)
			}
		}
		kind := cmdSet
		switch env.Type {
		case msgInsertSubscriptions:
			kind = cmdInsert
		case msgRemoveSubscriptions:
			kind = cmdRemove
		}
		return clientCommand{Kind: kind, IDs: ids}, nil

	default:
		return clientCommand{}, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// ackPayload carries the client's full post-command subscription set.
type ackPayload struct {
	Type string   `json:"type"`
	Data []uint64 `json:"data"`
}

// encodeAck serializes an ack_subscriptions frame over the given set.
// The data array is always present and sorted ascending.
func encodeAck(follows twitter.FollowSet) ([]byte, error) {
	ids := follows.IDs()
	if ids == nil {
		ids = []uint64{}
	}
	return json.Marshal(ackPayload{Type: msgAckSubscriptions, Data: ids})
}

// encodeProtocolError serializes a protocol_error frame with a
// human-readable description.
func encodeProtocolError(desc string) ([]byte, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: msgProtocolError, Data: raw})
}

// tweetProjection is the client-facing shape of a status. It is a fixed
// contract independent of whatever the upstream adds to its payloads.
type tweetProjection struct {
	Text                string               `json:"text"`
	ID                  uint64               `json:"id"`
	CreatedAt           int64                `json:"created_at"`
	User                userProjection       `json:"user"`
	Truncated           bool                 `json:"truncated"`
	InReplyToUserID     *uint64              `json:"in_reply_to_user_id"`
	InReplyToScreenName *string              `json:"in_reply_to_screen_name"`
	InReplyToStatusID   *uint64              `json:"in_reply_to_status_id"`
	URLs                []tweetURLProjection `json:"urls"`
}

type userProjection struct {
	ID         uint64 `json:"id"`
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
}

type tweetURLProjection struct {
	URL         string `json:"url"`
	DisplayURL  string `json:"display_url"`
	ExpandedURL string `json:"expanded_url"`
	RangeStart  int    `json:"range_start"`
	RangeEnd    int    `json:"range_end"`
}

// encodeTweet projects a status into the client wire shape.
func encodeTweet(t *twitter.Tweet) ([]byte, error) {
	urls := make([]tweetURLProjection, 0, len(t.Entities.URLs))
	for _, u := range t.Entities.URLs {
		p := tweetURLProjection{
			URL:         u.URL,
			DisplayURL:  u.DisplayURL,
			ExpandedURL: u.ExpandedURL,
		}
		if len(u.Indices) == 2 {
			p.RangeStart = u.Indices[0]
			p.RangeEnd = u.Indices[1]
		}
		urls = append(urls, p)
	}
	sort.Slice(urls, func(i, j int) bool { return urls[i].RangeStart < urls[j].RangeStart })

	proj := tweetProjection{
		Text:                t.Text,
		ID:                  t.ID,
		CreatedAt:           t.CreatedAtUnix(),
		Truncated:           t.Truncated,
		InReplyToUserID:     t.InReplyToUserID,
		InReplyToScreenName: t.InReplyToScreenName,
		InReplyToStatusID:   t.InReplyToStatusID,
		URLs:                urls,
	}
	if t.User != nil {
		proj.User = userProjection{ID: t.User.ID, ScreenName: t.User.ScreenName, Name: t.User.Name}
	}

	raw, err := json.Marshal(proj)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: msgTweet, Data: raw})
}
