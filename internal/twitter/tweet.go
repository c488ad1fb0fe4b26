package twitter

import (
	"sort"
	"time"
)

// createdAtLayout is the timestamp format used by the v1.1 streaming API.
const createdAtLayout = time.RubyDate

// FollowSet is an unordered set of follow ids (upstream author ids).
type FollowSet map[uint64]struct{}

// NewFollowSet builds a set from ids, collapsing duplicates.
func NewFollowSet(ids ...uint64) FollowSet {
	s := make(FollowSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s FollowSet) Contains(id uint64) bool {
	_, ok := s[id]
	return ok
}

func (s FollowSet) Insert(id uint64) { s[id] = struct{}{} }

func (s FollowSet) Remove(id uint64) { delete(s, id) }

// Clone returns an independent copy of the set.
func (s FollowSet) Clone() FollowSet {
	c := make(FollowSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// IDs returns the members in ascending order.
func (s FollowSet) IDs() []uint64 {
	ids := make([]uint64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Delta is an absolute replacement of one client's interest set, keyed
// by the client's network address. An empty set unsubscribes the client.
type Delta struct {
	Client  string
	Follows FollowSet
}

// User is the tweet author as sent by the upstream.
type User struct {
	ID         uint64 `json:"id"`
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
}

// URLEntity is one URL embedded in a tweet, with its text range.
type URLEntity struct {
	URL         string `json:"url"`
	DisplayURL  string `json:"display_url"`
	ExpandedURL string `json:"expanded_url"`
	Indices     []int  `json:"indices"`
}

// Entities holds the subset of upstream entities the relay forwards.
type Entities struct {
	URLs []URLEntity `json:"urls"`
}

// Tweet is a status object from the upstream filtered stream. Only the
// fields the relay projects to clients are decoded; everything else is
// dropped at the JSON layer.
type Tweet struct {
	ID                  uint64   `json:"id"`
	Text                string   `json:"text"`
	CreatedAt           string   `json:"created_at"`
	Truncated           bool     `json:"truncated"`
	User                *User    `json:"user"`
	InReplyToUserID     *uint64  `json:"in_reply_to_user_id"`
	InReplyToScreenName *string  `json:"in_reply_to_screen_name"`
	InReplyToStatusID   *uint64  `json:"in_reply_to_status_id"`
	Entities            Entities `json:"entities"`
}

// AuthorID returns the author's follow id, or 0 when the user block is
// missing.
func (t *Tweet) AuthorID() uint64 {
	if t.User == nil {
		return 0
	}
	return t.User.ID
}

// CreatedAtUnix parses the upstream timestamp into Unix seconds.
// Returns 0 when the timestamp is absent or malformed.
func (t *Tweet) CreatedAtUnix() int64 {
	if t.CreatedAt == "" {
		return 0
	}
	ts, err := time.Parse(createdAtLayout, t.CreatedAt)
	if err != nil {
		return 0
	}
	return ts.Unix()
}
