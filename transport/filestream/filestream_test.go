package filestream

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/dualstream/transport"
	"github.com/ggoodman/dualstream/transport/transporttest"
)

type filePeer struct {
	mu   sync.Mutex
	path string
}

func newFilePeer(t *testing.T) *filePeer {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return &filePeer{path: path}
}

func (p *filePeer) append(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *filePeer) Send(_ context.Context, payload []byte) error {
	return p.append(append(append([]byte(nil), payload...), '\n'))
}

func (p *filePeer) Heartbeat(context.Context) error { return p.append([]byte("\n")) }

func (p *filePeer) Hangup(context.Context) error {
	return os.Rename(p.path, p.path+".done")
}

func TestFileTransport(t *testing.T) {
	transporttest.RunConnectionTests(t, func(t *testing.T) transporttest.Fixture {
		p := newFilePeer(t)
		return transporttest.Fixture{
			Dialer:  New(),
			Request: &transport.Request{Target: p.path},
			Peer:    p,
		}
	})
}

func collect(conn transport.Connection) (<-chan []byte, <-chan error) {
	data := make(chan []byte, 16)
	disc := make(chan error, 1)
	conn.AddListener(transport.Listener{
		OnData:       func(p []byte) { data <- p },
		OnDisconnect: func(err error) { disc <- err },
	})
	return data, disc
}

func TestSkipsExistingContentByDefault(t *testing.T) {
	p := newFilePeer(t)
	require.NoError(t, p.Send(context.Background(), []byte(`"old"`)))

	conn, err := New().Dial(context.Background(), &transport.Request{Target: p.path})
	require.NoError(t, err)
	defer conn.Disconnect()
	data, _ := collect(conn)

	require.NoError(t, p.Send(context.Background(), []byte(`"new"`)))
	select {
	case got := <-data:
		assert.Equal(t, `"new"`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no data")
	}
}

func TestFromStartReadsExistingContent(t *testing.T) {
	p := newFilePeer(t)
	require.NoError(t, p.Send(context.Background(), []byte(`"old"`)))

	conn, err := New(FromStart()).Dial(context.Background(), &transport.Request{Target: p.path})
	require.NoError(t, err)
	defer conn.Disconnect()
	data, _ := collect(conn)

	require.NoError(t, p.Send(context.Background(), []byte(`"next"`)))
	for _, want := range []string{`"old"`, `"next"`} {
		select {
		case got := <-data:
			assert.Equal(t, want, string(got))
		case <-time.After(2 * time.Second):
			t.Fatalf("no data, want %s", want)
		}
	}
}

func TestPartialLineWaitsForNewline(t *testing.T) {
	p := newFilePeer(t)
	conn, err := New().Dial(context.Background(), &transport.Request{Target: p.path})
	require.NoError(t, err)
	defer conn.Disconnect()
	data, _ := collect(conn)

	require.NoError(t, p.append([]byte(`{"a":`)))
	select {
	case got := <-data:
		t.Fatalf("unexpected data %q", got)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, p.append([]byte("1}\n")))
	select {
	case got := <-data:
		assert.Equal(t, `{"a":1}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no data")
	}
}

func TestRemoveIsCleanDisconnect(t *testing.T) {
	p := newFilePeer(t)
	conn, err := New().Dial(context.Background(), &transport.Request{Target: p.path})
	require.NoError(t, err)
	defer conn.Disconnect()
	_, disc := collect(conn)

	require.NoError(t, os.Remove(p.path))
	select {
	case err := <-disc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect")
	}
}

func TestDialMissingFile(t *testing.T) {
	_, err := New().Dial(context.Background(), &transport.Request{Target: filepath.Join(t.TempDir(), "nope")})
	require.ErrorIs(t, err, os.ErrNotExist)
}
