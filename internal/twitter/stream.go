package twitter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/rs/zerolog"

	"github.com/fernwood/tweet-relay/internal/metrics"
)

const (
	defaultStreamEndpoint = "https://stream.twitter.com/1.1/statuses/filter.json"

	// The upstream rejects filter streams following more than this many ids.
	maxFollows = 5000

	// A healthy stream delivers keep-alives well within this window.
	upstreamStall = 90 * time.Second
)

// ErrInvalidFollowSet reports a follow set outside the 1..5000 range the
// upstream accepts.
var ErrInvalidFollowSet = errors.New("follow set must contain between 1 and 5000 ids")

// ErrorClass buckets stream terminations for the supervisor's backoff.
type ErrorClass int

const (
	ClassUnspecific ErrorClass = iota
	ClassRateLimited
	ClassBadStatus
	ClassNetError
	ClassStall
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassBadStatus:
		return "bad_status"
	case ClassNetError:
		return "net_error"
	case ClassStall:
		return "stall"
	default:
		return "unspecific"
	}
}

// StreamError is a stream termination tagged with its error class.
type StreamError struct {
	Class ErrorClass
	Err   error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Classify extracts the error class from a consumer error. Anything not
// carrying a class is unspecific.
func Classify(err error) ErrorClass {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassUnspecific
}

// Credentials are the OAuth1 secrets for the upstream API.
type Credentials struct {
	ConsumerKey       string
	ConsumerSecret    string
	AccessToken       string
	AccessTokenSecret string
}

// Sink receives tweets read off the stream.
type Sink interface {
	Publish(*Tweet)
}

// Consumer holds one filtered stream open against the upstream and
// publishes matching tweets to its sink. It never completes normally:
// Run returns a classified error, or the context's error when cancelled.
type Consumer struct {
	client   *http.Client
	sink     Sink
	logger   zerolog.Logger
	endpoint string
	stall    time.Duration
}

// NewConsumer builds a Consumer with an OAuth1-signing HTTP client.
func NewConsumer(creds Credentials, sink Sink, logger zerolog.Logger) *Consumer {
	oc := oauth1.NewConfig(creds.ConsumerKey, creds.ConsumerSecret)
	token := oauth1.NewToken(creds.AccessToken, creds.AccessTokenSecret)

	return &Consumer{
		client:   oc.Client(oauth1.NoContext, token),
		sink:     sink,
		logger:   logger.With().Str("component", "consumer").Logger(),
		endpoint: defaultStreamEndpoint,
		stall:    upstreamStall,
	}
}

// Run opens the stream for follows and reads it until it fails, stalls,
// or ctx is cancelled. Cancellation closes the response body, which
// bounds teardown time.
func (c *Consumer) Run(ctx context.Context, follows []uint64) error {
	if len(follows) < 1 || len(follows) > maxFollows {
		return &StreamError{
			Class: ClassUnspecific,
			Err:   fmt.Errorf("%w (got %d)", ErrInvalidFollowSet, len(follows)),
		}
	}

	c.logger.Info().Int("follows", len(follows)).Msg("Opening upstream stream")

	form := url.Values{
		"follow":         {joinIDs(follows)},
		"stall_warnings": {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &StreamError{Class: ClassUnspecific, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StreamError{Class: ClassNetError, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == 420:
		return &StreamError{Class: ClassRateLimited, Err: fmt.Errorf("upstream returned %s", resp.Status)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &StreamError{Class: ClassBadStatus, Err: fmt.Errorf("upstream returned %s", resp.Status)}
	}

	wanted := NewFollowSet(follows...)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		br := bufio.NewReader(resp.Body)
		for {
			line, err := br.ReadBytes('\n')
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-done:
				return
			}
		}
	}()

	stall := time.NewTimer(c.stall)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-stall.C:
			return &StreamError{Class: ClassStall, Err: fmt.Errorf("no upstream traffic for %s", c.stall)}

		case err := <-readErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return &StreamError{Class: ClassUnspecific, Err: fmt.Errorf("upstream stream ended: %w", err)}
			}
			return &StreamError{Class: ClassNetError, Err: err}

		case line := <-lines:
			// Any traffic, keep-alives included, counts against the
			// stall window.
			if !stall.Stop() {
				select {
				case <-stall.C:
				default:
				}
			}
			stall.Reset(c.stall)

			if err := c.handleLine(line, wanted); err != nil {
				return err
			}
		}
	}
}

// administrativeKeys are frame markers the relay reads and ignores.
var administrativeKeys = []string{
	"delete", "scrub_geo", "limit", "warning", "friends",
	"event", "status_withheld", "user_withheld",
}

func (c *Consumer) handleLine(line []byte, wanted FollowSet) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		c.logger.Debug().Msg("Upstream keep-alive")
		return nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return &StreamError{Class: ClassUnspecific, Err: fmt.Errorf("decoding upstream frame: %w", err)}
	}

	if _, ok := probe["disconnect"]; ok {
		// Keep reading until the connection actually closes.
		c.logger.Warn().RawJSON("frame", line).Msg("Upstream sent disconnect notice")
		return nil
	}

	for _, key := range administrativeKeys {
		if _, ok := probe[key]; ok {
			c.logger.Debug().Str("kind", key).Msg("Ignoring administrative frame")
			return nil
		}
	}

	if _, ok := probe["text"]; !ok {
		c.logger.Debug().RawJSON("frame", line).Msg("Unrecognized upstream frame")
		return nil
	}

	var tweet Tweet
	if err := json.Unmarshal(line, &tweet); err != nil {
		return &StreamError{Class: ClassUnspecific, Err: fmt.Errorf("decoding status: %w", err)}
	}
	if tweet.User == nil {
		c.logger.Debug().Uint64("id", tweet.ID).Msg("Dropping status without user block")
		return nil
	}

	// The upstream occasionally includes retweet-originator traffic for
	// authors outside the requested filter; drop it.
	if !wanted.Contains(tweet.User.ID) {
		c.logger.Debug().
			Uint64("author", tweet.User.ID).
			Msg("Dropping tweet from author outside filter")
		return nil
	}

	c.logger.Debug().
		Str("screen_name", tweet.User.ScreenName).
		Uint64("id", tweet.ID).
		Msg("Got a tweet")
	metrics.TweetsReceived.Inc()
	c.sink.Publish(&tweet)
	return nil
}

func joinIDs(ids []uint64) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(id, 10))
	}
	return b.String()
}
