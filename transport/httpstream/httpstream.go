// Package httpstream reads newline-delimited JSON from a long-lived HTTP
// response. Each non-empty line is a data unit, an empty line is a
// heartbeat, and the end of the body is a clean server disconnect.
package httpstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/dualstream/transport"
	"github.com/ggoodman/dualstream/transport/credentials"
)

var (
	ndjsonMediaType = contenttype.NewMediaType("application/x-ndjson")
	jsonlMediaType  = contenttype.NewMediaType("application/jsonl")
	jsonMediaType   = contenttype.NewMediaType("application/json")

	acceptedMediaTypes = []contenttype.MediaType{ndjsonMediaType, jsonlMediaType, jsonMediaType}
)

const (
	acceptHeader        = "Accept"
	authorizationHeader = "Authorization"
	contentTypeHeader   = "Content-Type"
)

// ErrUnsupportedMediaType is returned when the response is not a JSON
// stream.
var ErrUnsupportedMediaType = errors.New("httpstream: unsupported response media type")

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpstream: unexpected response status %s", e.Status)
}

// Option customizes a Dialer.
type Option func(*Dialer)

// WithHTTPClient overrides http.DefaultClient. The client's Timeout must be
// zero, otherwise it cuts the stream.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) {
		if c != nil {
			d.client = c
		}
	}
}

// WithTokenSource presents a bearer token on every dial.
func WithTokenSource(ts credentials.TokenSource) Option {
	return func(d *Dialer) {
		if ts != nil {
			d.tokens = ts
		}
	}
}

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

// Dialer implements transport.Dialer over HTTP.
type Dialer struct {
	client      *http.Client
	tokens      credentials.TokenSource
	log         *slog.Logger
	emitterOpts []transport.EmitterOption
}

// New constructs a Dialer.
func New(opts ...Option) *Dialer {
	d := &Dialer{
		client: http.DefaultClient,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial sends req and waits up to req.Timeout for response headers. The
// response body then streams until the server ends it or Disconnect is
// called; ctx only bounds the dial.
func (d *Dialer) Dial(ctx context.Context, req *transport.Request) (transport.Connection, error) {
	if req == nil {
		return nil, errors.New("httpstream: request is required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(streamCtx, method, req.Target, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("httpstream: build request: %w", err)
	}
	hreq.Header.Set(acceptHeader, ndjsonMediaType.String()+", "+jsonlMediaType.String()+", "+jsonMediaType.String())
	for k, v := range req.Header {
		hreq.Header.Set(k, v)
	}
	if d.tokens != nil {
		tok, err := d.tokens.Token(ctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("httpstream: token: %w", err)
		}
		hreq.Header.Set(authorizationHeader, "Bearer "+tok)
	}

	done := make(chan result, 1)
	go func() {
		resp, err := d.client.Do(hreq)
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(req.EffectiveTimeout())
	defer timer.Stop()

	var res result
	select {
	case res = <-done:
	case <-timer.C:
		cancel()
		drain(done)
		return nil, fmt.Errorf("httpstream: %s: %w", req.Target, transport.ErrRequestTimeout)
	case <-ctx.Done():
		cancel()
		drain(done)
		return nil, ctx.Err()
	}
	if res.err != nil {
		cancel()
		return nil, fmt.Errorf("httpstream: %s: %w", req.Target, res.err)
	}

	resp := res.resp
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cancel()
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if err := checkMediaType(resp.Header.Get(contentTypeHeader)); err != nil {
		cancel()
		_ = resp.Body.Close()
		return nil, err
	}

	c := &Conn{
		Emitter: transport.NewEmitter(d.emitterOpts...),
		id:      uuid.NewString(),
		body:    resp.Body,
		cancel:  cancel,
		log:     d.log.With(slog.String("target", req.Target)),
	}
	c.log = c.log.With(slog.String("conn_id", c.id))
	go c.readLoop()
	c.log.Debug("httpstream.connected", slog.Int("status", resp.StatusCode))
	return c, nil
}

type result struct {
	resp *http.Response
	err  error
}

// drain closes the body of a response that arrives after the dial gave up.
func drain(done <-chan result) {
	go func() {
		if r := <-done; r.resp != nil {
			_ = r.resp.Body.Close()
		}
	}()
}

func checkMediaType(header string) error {
	if header == "" {
		return nil
	}
	// contenttype parses from a request, so wrap the response header in one.
	mt, err := contenttype.GetMediaType(&http.Request{Header: http.Header{contentTypeHeader: {header}}})
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedMediaType, header, err)
	}
	for _, accepted := range acceptedMediaTypes {
		if mt.Type == accepted.Type && mt.Subtype == accepted.Subtype {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mt.String())
}

// Conn is one streaming HTTP response.
type Conn struct {
	*transport.Emitter

	id     string
	body   io.ReadCloser
	cancel context.CancelFunc
	log    *slog.Logger

	once sync.Once
}

// ID implements transport.Connection.
func (c *Conn) ID() string { return c.id }

// Disconnect implements transport.Connection.
func (c *Conn) Disconnect() error {
	var err error
	c.once.Do(func() {
		c.Close()
		c.cancel()
		err = c.body.Close()
		c.log.Debug("httpstream.disconnected")
	})
	return err
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.body)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err == nil {
			continue
		}
		if c.Closed() {
			return
		}
		if errors.Is(err, io.EOF) {
			c.EmitDisconnect(nil)
			return
		}
		c.log.Warn("httpstream.read.fail", slog.String("err", err.Error()))
		c.EmitDisconnect(err)
		return
	}
}

func (c *Conn) handleLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		c.EmitHeartbeat()
	} else {
		c.EmitData(trimmed)
	}
	c.CountResponse(int64(utf8.RuneCount(line)))
}

var (
	_ transport.Dialer     = (*Dialer)(nil)
	_ transport.Connection = (*Conn)(nil)
)
