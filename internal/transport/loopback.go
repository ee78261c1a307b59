package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xtaci/gaio"
)

// Frame format: a length-prefixed byte stream.
// |length(4 bytes, little-endian)|text(length bytes)|
const (
	lengthPrefixSize = 4
	maxFrameLength   = 1 << 20
)

// LoopbackAdapter is a TCP-based Adapter used for tests and local
// multi-instance demos; it is not the radio driver (out of scope per
// spec.md §1/§6). One goroutine accepts connections; one async watcher
// drives all reads, while writes go straight to the dialed connection.
type LoopbackAdapter struct {
	log *logrus.Entry

	listener *net.TCPListener
	watcher  *gaio.Watcher

	mu    sync.Mutex
	conns map[string]net.Conn // peerNode -> dialed connection
	peers map[string]string   // peerNode -> "host:port"

	inbound InboundFunc

	pendingAcks sync.Map // correlation id -> chan Ack

	die     chan struct{}
	dieOnce sync.Once
}

// NewLoopbackAdapter starts listening on listenAddr for inbound frames
// from other LoopbackAdapter instances.
func NewLoopbackAdapter(listenAddr string, log *logrus.Entry) (*LoopbackAdapter, error) {
	addr, err := net.ResolveTCPAddr("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", listenAddr, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", listenAddr, err)
	}
	watcher, err := gaio.NewWatcher()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("transport: new watcher: %w", err)
	}

	a := &LoopbackAdapter{
		log:      log,
		listener: ln,
		watcher:  watcher,
		conns:    make(map[string]net.Conn),
		peers:    make(map[string]string),
		die:      make(chan struct{}),
	}
	go a.acceptLoop()
	go a.readLoop()
	return a, nil
}

// RegisterPeer records the dial address for a peer node id so SendUnicast
// can reach it.
func (a *LoopbackAdapter) RegisterPeer(peerNode, addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[peerNode] = addr
}

func (a *LoopbackAdapter) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		a.watcher.ReadFull(conn, conn, make([]byte, lengthPrefixSize), time.Now().Add(time.Minute))
	}
}

func (a *LoopbackAdapter) readLoop() {
	for {
		results, err := a.watcher.WaitIO()
		if err != nil {
			return
		}
		for _, res := range results {
			if res.Operation != gaio.OpRead || res.Error != nil {
				if res.Error != nil && res.Error != io.EOF {
					a.log.WithError(res.Error).Warn("loopback transport read error")
				}
				continue
			}
			if res.Size == lengthPrefixSize {
				length := binary.LittleEndian.Uint32(res.Buffer[:res.Size])
				if length == 0 || length > maxFrameLength {
					continue
				}
				a.watcher.ReadFull(res.Context, res.Conn, make([]byte, length), time.Now().Add(time.Minute))
				continue
			}
			text := string(res.Buffer[:res.Size])
			if a.inbound != nil {
				a.inbound(res.Conn.RemoteAddr().String(), "mesh", text)
			}
			a.watcher.ReadFull(res.Conn, res.Conn, make([]byte, lengthPrefixSize), time.Now().Add(time.Minute))
		}
	}
}

func (a *LoopbackAdapter) dial(peerNode string) (net.Conn, error) {
	a.mu.Lock()
	conn, ok := a.conns[peerNode]
	addr := a.peers[peerNode]
	a.mu.Unlock()
	if ok {
		return conn, nil
	}
	if addr == "" {
		return nil, fmt.Errorf("transport: no address registered for peer %q", peerNode)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", addr, err)
	}
	a.mu.Lock()
	a.conns[peerNode] = conn
	a.mu.Unlock()
	a.watcher.ReadFull(conn, conn, make([]byte, lengthPrefixSize), time.Now().Add(time.Minute))
	return conn, nil
}

func (a *LoopbackAdapter) writeFrame(conn net.Conn, text string) error {
	buf := make([]byte, lengthPrefixSize+len(text))
	binary.LittleEndian.PutUint32(buf, uint32(len(text)))
	copy(buf[lengthPrefixSize:], text)
	_, err := conn.Write(buf)
	return err
}

// SendUnicast implements Adapter.
func (a *LoopbackAdapter) SendUnicast(ctx context.Context, peerNode, text string) error {
	conn, err := a.dial(peerNode)
	if err != nil {
		return err
	}
	return a.writeFrame(conn, text)
}

// SendUnicastAwaitAck implements Adapter. The loopback harness has no
// real mesh-level ack signal, so it treats a successful write as
// delivered, so it never reports an ACK timeout.
func (a *LoopbackAdapter) SendUnicastAwaitAck(ctx context.Context, peerNode, text string, timeout time.Duration) (Ack, error) {
	if err := a.SendUnicast(ctx, peerNode, text); err != nil {
		return Ack{}, err
	}
	return Ack{Delivered: true}, nil
}

// Broadcast implements Adapter by unicasting to every known peer; the
// loopback harness has no physical broadcast channel.
func (a *LoopbackAdapter) Broadcast(ctx context.Context, channel, text string) error {
	a.mu.Lock()
	targets := make([]string, 0, len(a.peers))
	for node := range a.peers {
		targets = append(targets, node)
	}
	a.mu.Unlock()
	for _, node := range targets {
		if err := a.SendUnicast(ctx, node, text); err != nil {
			a.log.WithError(err).WithField("peer", node).Warn("broadcast to peer failed")
		}
	}
	return nil
}

// SetInbound implements Adapter.
func (a *LoopbackAdapter) SetInbound(fn InboundFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inbound = fn
}

// Close implements Adapter.
func (a *LoopbackAdapter) Close() error {
	a.dieOnce.Do(func() {
		close(a.die)
		a.listener.Close()
		a.watcher.Close()
	})
	return nil
}
