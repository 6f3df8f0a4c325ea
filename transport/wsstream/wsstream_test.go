package wsstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/dualstream/transport"
	"github.com/ggoodman/dualstream/transport/credentials"
	"github.com/ggoodman/dualstream/transport/transporttest"
)

type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	auth    string
	changed chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{changed: make(chan struct{}, 1)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()
		select {
		case s.changed <- struct{}{}:
		default:
		}
		// Drain control frames until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.srv.Close()
	})
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *wsServer) latest(ctx context.Context) (*websocket.Conn, error) {
	for {
		s.mu.Lock()
		if n := len(s.conns); n > 0 {
			c := s.conns[n-1]
			s.mu.Unlock()
			return c, nil
		}
		s.mu.Unlock()
		select {
		case <-s.changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *wsServer) Send(ctx context.Context, payload []byte) error {
	c, err := s.latest(ctx)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsServer) Heartbeat(ctx context.Context) error {
	c, err := s.latest(ctx)
	if err != nil {
		return err
	}
	return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (s *wsServer) Hangup(ctx context.Context) error {
	c, err := s.latest(ctx)
	if err != nil {
		return err
	}
	return c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
}

func TestWebsocketTransport(t *testing.T) {
	transporttest.RunConnectionTests(t, func(t *testing.T) transporttest.Fixture {
		s := newWSServer(t)
		return transporttest.Fixture{
			Dialer:  New(),
			Request: &transport.Request{Target: s.url(), Timeout: 2 * time.Second},
			Peer:    s,
		}
	})
}

func TestAbnormalCloseIsErrorDisconnect(t *testing.T) {
	s := newWSServer(t)
	conn, err := New().Dial(context.Background(), &transport.Request{Target: s.url()})
	require.NoError(t, err)
	defer conn.Disconnect()

	got := make(chan error, 1)
	conn.AddListener(transport.Listener{OnDisconnect: func(err error) { got <- err }})

	ws, err := s.latest(context.Background())
	require.NoError(t, err)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"),
		time.Now().Add(time.Second))

	select {
	case err := <-got:
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect")
	}
}

func TestDialSendsBearerToken(t *testing.T) {
	s := newWSServer(t)
	conn, err := New(WithTokenSource(credentials.Static("ws-token"))).Dial(context.Background(), &transport.Request{Target: s.url()})
	require.NoError(t, err)
	defer conn.Disconnect()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "Bearer ws-token", s.auth)
}

func TestDialFailureIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := New().Dial(context.Background(), &transport.Request{Target: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.Error(t, err)
	assert.False(t, transport.IsTimeout(err))
}
