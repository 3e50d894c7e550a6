package quorum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/urpc"
	"github.com/cuemby/ubik/pkg/uversion"
	"github.com/cuemby/ubik/pkg/vote"
)

// handlerTable collects one fake node's registered urpc handlers, the
// same shape cmd/ubikd's real GobTransport exposes to Server.Register.
type handlerTable struct {
	calls   map[string]urpc.Handler
	streams map[string]urpc.StreamHandler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{
		calls:   make(map[string]urpc.Handler),
		streams: make(map[string]urpc.StreamHandler),
	}
}

func (h *handlerTable) Handle(method string, fn urpc.Handler)             { h.calls[method] = fn }
func (h *handlerTable) HandleStream(method string, fn urpc.StreamHandler) { h.streams[method] = fn }

// memTransport routes Calls and Streams to in-process handler tables,
// standing in for a multi-node cluster without sockets.
type memTransport struct {
	mu    sync.Mutex
	nodes map[string]*handlerTable
	down  map[string]bool
	calls map[string]int
}

func newMemTransport() *memTransport {
	return &memTransport{
		nodes: make(map[string]*handlerTable),
		down:  make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (t *memTransport) addNode(addr string) *handlerTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	table := newHandlerTable()
	t.nodes[addr] = table
	return table
}

func (t *memTransport) setDown(addr string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[addr] = down
}

func (t *memTransport) callCount(addr, method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[addr+" "+method]
}

func (t *memTransport) Call(ctx context.Context, addr, method string, args, reply interface{}) error {
	t.mu.Lock()
	t.calls[addr+" "+method]++
	down := t.down[addr]
	node := t.nodes[addr]
	t.mu.Unlock()
	if down || node == nil {
		return errors.New("connection refused")
	}
	h := node.calls[method]
	if h == nil {
		return fmt.Errorf("no handler for %s at %s", method, addr)
	}
	out, err := h(ctx, args)
	if err != nil {
		return err
	}
	if out != nil {
		reflect.ValueOf(reply).Elem().Set(reflect.ValueOf(out))
	}
	return nil
}

func (t *memTransport) Stream(ctx context.Context, addr, method string) (urpc.Stream, error) {
	t.mu.Lock()
	t.calls[addr+" "+method]++
	down := t.down[addr]
	node := t.nodes[addr]
	t.mu.Unlock()
	if down || node == nil {
		return nil, errors.New("connection refused")
	}
	h := node.streams[method]
	if h == nil {
		return nil, fmt.Errorf("no stream handler for %s at %s", method, addr)
	}
	client, server := newStreamPair()
	go func() {
		_ = h(ctx, server)
		server.Close()
	}()
	return client, nil
}

func (t *memTransport) Close() error { return nil }

var _ urpc.Transport = (*memTransport)(nil)

// memStream is one half of an in-process frame pipe.
type memStream struct {
	in       chan []byte
	out      chan []byte
	closed   chan struct{}
	peerDone chan struct{}
	once     sync.Once
}

func newStreamPair() (a, b *memStream) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a = &memStream{in: ba, out: ab, closed: aClosed, peerDone: bClosed}
	b = &memStream{in: ab, out: ba, closed: bClosed, peerDone: aClosed}
	return a, b
}

func (s *memStream) ReadFrame() ([]byte, error) {
	select {
	case f := <-s.in:
		return f, nil
	case <-s.peerDone:
		select {
		case f := <-s.in:
			return f, nil
		default:
			return nil, io.EOF
		}
	}
}

func (s *memStream) WriteFrame(f []byte) error {
	select {
	case s.out <- f:
		return nil
	case <-s.peerDone:
		return io.ErrClosedPipe
	}
}

func (s *memStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// peerNode is one fake backup site: a real flat txn.Manager behind a
// real Server, registered on the shared transport.
type peerNode struct {
	addr    string
	manager *txn.Manager
	desc    *vote.ServerDescriptor
	table   *handlerTable
}

func newPeerNode(t *testing.T, tr *memTransport, addr string) *peerNode {
	t.Helper()
	backend, err := storage.OpenFlatStore(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	m, err := txn.NewFlatManager(backend, 16, nil)
	require.NoError(t, err)
	srv := NewServer(m)
	table := tr.addNode(addr)
	srv.Register(table)
	srv.RegisterStreams(table)
	desc := &vote.ServerDescriptor{
		Addrs:           []string{addr},
		Up:              true,
		CurrentDB:       true,
		BeaconSinceDown: true,
		LastVote:        true,
	}
	return &peerNode{addr: addr, manager: m, desc: desc, table: table}
}

// newCluster builds a Dispatcher over real peer nodes at peerAddrs.
func newCluster(t *testing.T, tr *memTransport, peerAddrs ...string) (*Dispatcher, []*peerNode) {
	t.Helper()
	peers := make([]*peerNode, 0, len(peerAddrs))
	servers := make([]*vote.ServerDescriptor, 0, len(peerAddrs))
	for _, addr := range peerAddrs {
		p := newPeerNode(t, tr, addr)
		peers = append(peers, p)
		servers = append(servers, p.desc)
	}
	zero := func() uversion.Version { return uversion.Version{} }
	protocol := vote.New("10.0.0.1:7000", servers, tr, zero, zero)
	return NewDispatcher(protocol, servers, tr), peers
}

// syncDispatcher pins sync-site status on, standing in for an elected
// vote.Protocol so transaction tests exercise the RPC fan-out alone.
type syncDispatcher struct{ *Dispatcher }

func (syncDispatcher) AmSyncSite() bool         { return true }
func (syncDispatcher) SyncSiteAdvertised() bool { return true }
