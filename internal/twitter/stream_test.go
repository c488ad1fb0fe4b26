package twitter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	tweets []*Tweet
}

func (s *captureSink) Publish(t *Tweet) {
	s.mu.Lock()
	s.tweets = append(s.tweets, t)
	s.mu.Unlock()
}

func (s *captureSink) ids() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.tweets))
	for _, t := range s.tweets {
		ids = append(ids, t.ID)
	}
	return ids
}

func testConsumer(ts *httptest.Server, sink Sink) *Consumer {
	return &Consumer{
		client:   ts.Client(),
		sink:     sink,
		logger:   zerolog.Nop(),
		endpoint: ts.URL,
		stall:    time.Second,
	}
}

func TestConsumerRejectsInvalidFollowSet(t *testing.T) {
	c := &Consumer{logger: zerolog.Nop()}

	err := c.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidFollowSet)
	assert.Equal(t, ClassUnspecific, Classify(err))

	big := make([]uint64, maxFollows+1)
	err = c.Run(context.Background(), big)
	assert.ErrorIs(t, err, ErrInvalidFollowSet)
}

func TestConsumerClassifiesRateLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(420)
	}))
	defer ts.Close()

	err := testConsumer(ts, &captureSink{}).Run(context.Background(), []uint64{1})
	assert.Equal(t, ClassRateLimited, Classify(err))
}

func TestConsumerClassifiesBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := testConsumer(ts, &captureSink{}).Run(context.Background(), []uint64{1})
	assert.Equal(t, ClassBadStatus, Classify(err))
}

func TestConsumerDeliversMatchingTweets(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "10,20", r.PostForm.Get("follow"))
		assert.Equal(t, "true", r.PostForm.Get("stall_warnings"))

		fmt.Fprint(w, "\r\n")
		fmt.Fprint(w, `{"id":100,"text":"hello","user":{"id":10,"screen_name":"alice","name":"Alice"}}`+"\r\n")
		fmt.Fprint(w, `{"delete":{"status":{"id":5}}}`+"\r\n")
		fmt.Fprint(w, `{"id":101,"text":"rt","user":{"id":99,"screen_name":"other","name":"Other"}}`+"\r\n")
		fmt.Fprint(w, `{"id":102,"text":"again","user":{"id":20,"screen_name":"bob","name":"Bob"}}`+"\r\n")
	}))
	defer ts.Close()

	sink := &captureSink{}
	err := testConsumer(ts, sink).Run(context.Background(), []uint64{10, 20})

	// The body ends, which is an unspecific termination.
	assert.Equal(t, ClassUnspecific, Classify(err))
	assert.Equal(t, []uint64{100, 102}, sink.ids())
}

func TestConsumerIgnoresDisconnectNoticeAndKeepsReading(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"disconnect":{"code":7,"reason":"admin logout"}}`+"\r\n")
		fmt.Fprint(w, `{"id":200,"text":"after notice","user":{"id":10,"screen_name":"alice","name":"Alice"}}`+"\r\n")
	}))
	defer ts.Close()

	sink := &captureSink{}
	err := testConsumer(ts, sink).Run(context.Background(), []uint64{10})
	assert.Equal(t, ClassUnspecific, Classify(err))
	assert.Equal(t, []uint64{200}, sink.ids())
}

func TestConsumerStallWindow(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer ts.Close()
	defer close(release)

	c := testConsumer(ts, &captureSink{})
	c.stall = 50 * time.Millisecond

	start := time.Now()
	err := c.Run(context.Background(), []uint64{1})
	assert.Equal(t, ClassStall, Classify(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestConsumerReturnsContextErrOnCancel(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- testConsumer(ts, &captureSink{}).Run(ctx, []uint64{1})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

func TestConsumerRejectsMalformedFrame(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{not json\r\n")
	}))
	defer ts.Close()

	err := testConsumer(ts, &captureSink{}).Run(context.Background(), []uint64{1})
	assert.Equal(t, ClassUnspecific, Classify(err))
	assert.ErrorContains(t, err, "decoding upstream frame")
}

func TestHandleLineDropsStatusWithoutUser(t *testing.T) {
	sink := &captureSink{}
	c := &Consumer{sink: sink, logger: zerolog.Nop()}

	err := c.handleLine([]byte(`{"id":1,"text":"orphan"}`), NewFollowSet(1))
	require.NoError(t, err)
	assert.Empty(t, sink.ids())
}
