// Package filestream tails a newline-delimited JSON file. Lines appended
// after Dial are data units, empty lines are heartbeats, and removing or
// renaming the file ends the stream cleanly.
package filestream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ggoodman/dualstream/transport"
)

// Option customizes a Dialer.
type Option func(*Dialer)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.log = l
		}
	}
}

// WithEmitterOptions configures idle detection of created connections.
func WithEmitterOptions(opts ...transport.EmitterOption) Option {
	return func(d *Dialer) {
		d.emitterOpts = append(d.emitterOpts, opts...)
	}
}

// FromStart makes new connections read the file from the beginning instead
// of its current end.
func FromStart() Option {
	return func(d *Dialer) { d.fromStart = true }
}

// Dialer implements transport.Dialer for local files. Request.Target is the
// file path.
type Dialer struct {
	log         *slog.Logger
	emitterOpts []transport.EmitterOption
	fromStart   bool
}

// New constructs a Dialer.
func New(opts ...Option) *Dialer {
	d := &Dialer{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial opens the file and starts watching its directory.
func (d *Dialer) Dial(ctx context.Context, req *transport.Request) (transport.Connection, error) {
	if req == nil || req.Target == "" {
		return nil, errors.New("filestream: request path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := filepath.Abs(req.Target)
	if err != nil {
		return nil, fmt.Errorf("filestream: %s: %w", req.Target, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filestream: %w", err)
	}
	if !d.fromStart {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("filestream: seek %s: %w", path, err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("filestream: watcher: %w", err)
	}
	// The directory is watched because inotify does not report removal of a
	// file that is still open.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		_ = f.Close()
		return nil, fmt.Errorf("filestream: watch %s: %w", path, err)
	}

	c := &Conn{
		Emitter: transport.NewEmitter(d.emitterOpts...),
		id:      uuid.NewString(),
		path:    path,
		file:    f,
		watcher: w,
		done:    make(chan struct{}),
	}
	c.log = d.log.With(slog.String("path", path), slog.String("conn_id", c.id))
	go c.watchLoop()
	c.log.Debug("filestream.connected")
	return c, nil
}

// Conn is one tail of a file.
type Conn struct {
	*transport.Emitter

	id      string
	path    string
	file    *os.File
	watcher *fsnotify.Watcher
	log     *slog.Logger
	partial []byte

	once sync.Once
	done chan struct{}
}

// ID implements transport.Connection.
func (c *Conn) ID() string { return c.id }

// Disconnect stops the tail and closes the file.
func (c *Conn) Disconnect() error {
	var err error
	c.once.Do(func() {
		c.Close()
		err = c.watcher.Close()
		<-c.done
		if cerr := c.file.Close(); err == nil {
			err = cerr
		}
		c.log.Debug("filestream.disconnected")
	})
	return err
}

func (c *Conn) watchLoop() {
	defer close(c.done)

	if err := c.drain(); err != nil {
		c.fail(err)
		return
	}
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != c.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := c.drain(); err != nil {
					c.fail(err)
					return
				}
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Pick up anything written just before the file went away.
				if err := c.drain(); err != nil {
					c.fail(err)
					return
				}
				if !c.Closed() {
					c.EmitDisconnect(nil)
				}
				return
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.fail(fmt.Errorf("filestream: watch %s: %w", c.path, err))
			return
		}
	}
}

func (c *Conn) fail(err error) {
	if c.Closed() {
		return
	}
	c.log.Warn("filestream.read.fail", slog.String("err", err.Error()))
	c.EmitDisconnect(err)
}

// drain reads everything appended since the last call and emits complete
// lines. A trailing partial line waits for its newline.
func (c *Conn) drain() error {
	chunk, err := io.ReadAll(c.file)
	if err != nil {
		return fmt.Errorf("filestream: read %s: %w", c.path, err)
	}
	if len(chunk) == 0 {
		return nil
	}
	buf := append(c.partial, chunk...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := buf[:i+1]
		buf = buf[i+1:]
		if trimmed := bytes.TrimSpace(line); len(trimmed) == 0 {
			c.EmitHeartbeat()
		} else {
			c.EmitData(append([]byte(nil), trimmed...))
		}
		c.CountResponse(int64(utf8.RuneCount(line)))
	}
	c.partial = append(c.partial[:0:0], buf...)
	return nil
}

var (
	_ transport.Dialer     = (*Dialer)(nil)
	_ transport.Connection = (*Conn)(nil)
)
