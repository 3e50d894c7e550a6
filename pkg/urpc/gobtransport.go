package urpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/ubik/pkg/uerrors"
)

// Register records a concrete request/reply type so it can travel
// through gob inside the generic envelope's interface{} payload.
// Callers register every args/reply type they pass to Call/dial-side
// handlers once, in an init() function, mirroring gob's standard usage
// for encoding interface values.
func Register(value interface{}) { gob.Register(value) }

// envelope is the wire frame for a request/reply Call.
type envelope struct {
	Method string
	Args   interface{}
}

type replyEnvelope struct {
	Reply interface{}
	Err   string
	Kind  int
}

// GobTransport is a minimal request/reply + stream transport: one
// length-prefixed gob frame per call, over a pooled mutual-TLS
// connection per peer address. Grounded on the teacher's
// pkg/security/certs.go TLS config shape and pkg/client/client.go's
// one-long-lived-connection-per-peer pattern, reimplemented without
// grpc since the wire RPC is explicitly out of scope for generated
// stubs (see package doc).
type GobTransport struct {
	tlsConfig *tls.Config

	mu    sync.Mutex
	conns map[string]net.Conn

	handlersMu     sync.RWMutex
	handlers       map[string]Handler
	streamHandlers map[string]StreamHandler

	listener net.Listener
}

// NewGobTransport constructs a transport that dials peers with the
// given client TLS config.
func NewGobTransport(tlsConfig *tls.Config) *GobTransport {
	return &GobTransport{
		tlsConfig:      tlsConfig,
		conns:          make(map[string]net.Conn),
		handlers:       make(map[string]Handler),
		streamHandlers: make(map[string]StreamHandler),
	}
}

// Handle registers a request/reply handler for method.
func (t *GobTransport) Handle(method string, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[method] = h
}

// HandleStream registers a stream handler for method.
func (t *GobTransport) HandleStream(method string, h StreamHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.streamHandlers[method] = h
}

// Serve accepts connections on ln until it is closed, dispatching each
// to its registered handler by method name. One goroutine per
// connection, matching the RPC server pool described in spec §5 (at
// least 2, up to 3 threads each — here, goroutines instead of threads).
func (t *GobTransport) Serve(ln net.Listener) error {
	t.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go t.serveConn(conn)
	}
}

func (t *GobTransport) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		var env envelope
		if err := gob.NewDecoder(bytes.NewReader(frame)).Decode(&env); err != nil {
			return
		}

		t.handlersMu.RLock()
		h, isCall := t.handlers[env.Method]
		sh, isStream := t.streamHandlers[env.Method]
		t.handlersMu.RUnlock()

		ctx := withRemoteAddr(context.Background(), conn.RemoteAddr().String())
		switch {
		case isStream:
			_ = sh(ctx, &frameStream{conn: conn})
			return
		case isCall:
			reply, err := h(ctx, env.Args)
			out := replyEnvelope{Reply: reply}
			if err != nil {
				out.Err = err.Error()
				out.Kind = int(uerrors.KindOf(err))
			}
			var buf bytes.Buffer
			if encErr := gob.NewEncoder(&buf).Encode(out); encErr != nil {
				return
			}
			if err := writeFrame(conn, buf.Bytes()); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *GobTransport) dial(addr string) (net.Conn, error) {
	t.mu.Lock()
	if c, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	var conn net.Conn
	var err error
	if t.tlsConfig != nil {
		conn, err = tls.Dial("tcp", addr, t.tlsConfig)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, uerrors.Wrap(uerrors.UIOERROR, "dial peer", err)
	}

	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()
	return conn, nil
}

// dropConn discards a pooled connection after an I/O error so the next
// Call redials, the way pkg/client.Client reconnects on failure.
func (t *GobTransport) dropConn(addr string, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.conns[addr]; ok && cur == conn {
		delete(t.conns, addr)
	}
	conn.Close()
}

func (t *GobTransport) Call(ctx context.Context, addr, method string, args, reply interface{}) error {
	conn, err := t.dial(addr)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Method: method, Args: args}); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "encode call", err)
	}
	if err := writeFrame(conn, buf.Bytes()); err != nil {
		t.dropConn(addr, conn)
		return uerrors.Wrap(uerrors.UIOERROR, "write call frame", err)
	}
	respFrame, err := readFrame(conn)
	if err != nil {
		t.dropConn(addr, conn)
		return uerrors.Wrap(uerrors.UIOERROR, "read reply frame", err)
	}
	var out replyEnvelope
	if err := gob.NewDecoder(bytes.NewReader(respFrame)).Decode(&out); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "decode reply", err)
	}
	if out.Err != "" {
		return uerrors.Wrap(uerrors.Kind(out.Kind), "remote call failed", fmt.Errorf("%s", out.Err))
	}
	if reply != nil && out.Reply != nil {
		assignInto(reply, out.Reply)
	}
	return nil
}

// assignInto copies a decoded value into the caller's reply pointer via
// a reflection-free type assertion path: both sides registered the same
// concrete type, so out.Reply's dynamic type always matches *reply.
func assignInto(dst, src interface{}) {
	switch d := dst.(type) {
	case *interface{}:
		*d = src
	default:
		// Callers pass a pointer to the exact struct type they expect;
		// copy through a gob round trip to avoid importing reflect for
		// a single assignment path.
		var buf bytes.Buffer
		_ = gob.NewEncoder(&buf).Encode(src)
		_ = gob.NewDecoder(&buf).Decode(dst)
	}
}

func (t *GobTransport) Stream(ctx context.Context, addr, method string) (Stream, error) {
	conn, err := t.dial(addr)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Method: method}); err != nil {
		return nil, uerrors.Wrap(uerrors.UIOERROR, "encode stream open", err)
	}
	if err := writeFrame(conn, buf.Bytes()); err != nil {
		t.dropConn(addr, conn)
		return nil, uerrors.Wrap(uerrors.UIOERROR, "write stream open", err)
	}
	return &frameStream{conn: conn}, nil
}

func (t *GobTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
	t.conns = make(map[string]net.Conn)
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// frameStream implements Stream over a raw connection using the same
// length-prefixed framing as Call.
type frameStream struct {
	conn net.Conn
}

func (s *frameStream) ReadFrame() ([]byte, error)  { return readFrame(s.conn) }
func (s *frameStream) WriteFrame(b []byte) error   { return writeFrame(s.conn, b) }
func (s *frameStream) Close() error                { return s.conn.Close() }

func writeFrame(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

var _ Transport = (*GobTransport)(nil)
