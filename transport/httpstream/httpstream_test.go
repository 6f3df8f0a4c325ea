package httpstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/dualstream/transport"
	"github.com/ggoodman/dualstream/transport/credentials"
	"github.com/ggoodman/dualstream/transport/transporttest"
)

type command struct {
	line   []byte
	hangup bool
}

// streamServer writes whatever its Peer methods send to the most recent
// streaming request.
type streamServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	streams []chan command
	lastReq *http.Request
	changed chan struct{}
}

func newStreamServer(t *testing.T, contentType string) *streamServer {
	s := &streamServer{changed: make(chan struct{}, 1)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmds := make(chan command)
		s.mu.Lock()
		s.streams = append(s.streams, cmds)
		s.lastReq = r
		s.mu.Unlock()
		select {
		case s.changed <- struct{}{}:
		default:
		}

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case cmd := <-cmds:
				if cmd.hangup {
					return
				}
				_, _ = w.Write(cmd.line)
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *streamServer) latest(ctx context.Context) (chan command, error) {
	for {
		s.mu.Lock()
		if n := len(s.streams); n > 0 {
			ch := s.streams[n-1]
			s.mu.Unlock()
			return ch, nil
		}
		s.mu.Unlock()
		select {
		case <-s.changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *streamServer) push(ctx context.Context, cmd command) error {
	ch, err := s.latest(ctx)
	if err != nil {
		return err
	}
	select {
	case ch <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *streamServer) Send(ctx context.Context, payload []byte) error {
	return s.push(ctx, command{line: append(append([]byte(nil), payload...), '\n')})
}

func (s *streamServer) Heartbeat(ctx context.Context) error {
	return s.push(ctx, command{line: []byte("\n")})
}

func (s *streamServer) Hangup(ctx context.Context) error {
	return s.push(ctx, command{hangup: true})
}

func TestHTTPTransport(t *testing.T) {
	transporttest.RunConnectionTests(t, func(t *testing.T) transporttest.Fixture {
		s := newStreamServer(t, "application/x-ndjson")
		return transporttest.Fixture{
			Dialer:  New(),
			Request: &transport.Request{Target: s.srv.URL, Timeout: 2 * time.Second},
			Peer:    s,
		}
	})
}

func TestDialTimesOutWithoutHeaders(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	_, err := New().Dial(context.Background(), &transport.Request{Target: srv.URL, Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, transport.ErrRequestTimeout)
	assert.True(t, transport.IsTimeout(err))
}

func TestDialRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New().Dial(context.Background(), &transport.Request{Target: srv.URL})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.False(t, transport.IsTimeout(err))
}

func TestDialRejectsUnexpectedMediaType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	_, err := New().Dial(context.Background(), &transport.Request{Target: srv.URL})
	require.ErrorIs(t, err, ErrUnsupportedMediaType)
}

func TestDialSendsRequestAndBearerToken(t *testing.T) {
	s := newStreamServer(t, "application/json; charset=utf-8")
	d := New(WithTokenSource(credentials.Static("tok-1")))

	conn, err := d.Dial(context.Background(), &transport.Request{
		Target: s.srv.URL + "/feed",
		Method: http.MethodPost,
		Header: map[string]string{"X-Feed": "prices"},
		Body:   []byte(`{"subscribe":"all"}`),
	})
	require.NoError(t, err)
	defer conn.Disconnect()

	s.mu.Lock()
	req := s.lastReq
	s.mu.Unlock()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/feed", req.URL.Path)
	assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
	assert.Equal(t, "prices", req.Header.Get("X-Feed"))
	assert.Contains(t, req.Header.Get("Accept"), "application/x-ndjson")
}

func TestDialHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New().Dial(ctx, &transport.Request{Target: srv.URL, Timeout: time.Minute})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
