package netcall

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted network
// connections so dead peers eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

type tcpPeer struct {
	key  string
	conn net.Conn
	wmu  sync.Mutex // guards bw
	bw   *bufio.Writer
}

func (p *tcpPeer) writeMessage(segments [][]byte) (err error) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err = writeSegments(p.bw, segments); err == nil {
		err = p.bw.Flush()
	}
	return
}

// TCPTransport implements Transport over one or more TCP connections.
// A listening transport accepts any number of peers and routes replies
// by peer identity; a dialing transport connects to one or more
// endpoints and spreads unrouted sends across them round robin.
type TCPTransport struct {
	DialTimeout time.Duration

	mu        sync.Mutex
	listeners []net.Listener
	peers     map[string]*tcpPeer
	order     []string // peer keys in connection order, round robin base
	addrs     []string // redial targets, dialing transports only
	dialer    bool
	rr        uint32
	recvCh    chan *Message
	doneChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newTCPTransport(dialer bool) *TCPTransport {
	return &TCPTransport{
		DialTimeout: DefaultDialTimeout,
		peers:       make(map[string]*tcpPeer),
		dialer:      dialer,
		recvCh:      make(chan *Message, 64),
		doneChan:    make(chan struct{}),
	}
}

// ListenTCP announces on every given address and returns a listening
// transport. Pass ":0" style addresses to pick free ports; Addrs
// reports the bound addresses.
func ListenTCP(addrs ...string) (t *TCPTransport, err error) {
	t = newTCPTransport(false)
	for _, addr := range addrs {
		ln, lerr := net.Listen("tcp", addr)
		if lerr != nil {
			t.Close()
			return nil, errors.WithStack(TransportError{Err: lerr})
		}
		ln = tcpKeepAliveListener{ln.(*net.TCPListener)}
		t.mu.Lock()
		t.listeners = append(t.listeners, ln)
		t.mu.Unlock()
		t.wg.Add(1)
		go t.acceptLoop(ln)
	}
	return t, nil
}

// DialTCP connects to every given address and returns a dialing
// transport. With several addresses, outbound messages are distributed
// round robin, which is what spreads calls across multiple bound
// server instances.
func DialTCP(addrs ...string) (t *TCPTransport, err error) {
	t = newTCPTransport(true)
	t.addrs = append(t.addrs, addrs...)
	for _, addr := range addrs {
		if err = t.dial(addr); err != nil {
			t.Close()
			return nil, err
		}
	}
	return t, nil
}

// Addrs returns the listener addresses of a listening transport.
func (t *TCPTransport) Addrs() (addrs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ln := range t.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return
}

func (t *TCPTransport) isClosed() bool {
	select {
	case <-t.doneChan:
		return true
	default:
		return false
	}
}

func (t *TCPTransport) dial(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, t.DialTimeout)
	if err != nil {
		return errors.WithStack(TransportError{Err: err})
	}
	t.addPeer(conn)
	return nil
}

func (t *TCPTransport) addPeer(conn net.Conn) *tcpPeer {
	peer := &tcpPeer{
		key:  conn.RemoteAddr().String() + "|" + conn.LocalAddr().String(),
		conn: conn,
		bw:   bufio.NewWriter(conn),
	}
	t.mu.Lock()
	t.peers[peer.key] = peer
	t.order = append(t.order, peer.key)
	t.mu.Unlock()
	t.wg.Add(1)
	go t.readLoop(peer)
	return peer
}

func (t *TCPTransport) removePeer(peer *tcpPeer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peers[peer.key] == peer {
		delete(t.peers, peer.key)
		for i, key := range t.order {
			if key == peer.key {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	peer.conn.Close()
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.isClosed() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			log.WithError(err).Debug("netcall: tcp accept failed")
			return
		}
		tempDelay = 0
		t.addPeer(conn)
	}
}

func (t *TCPTransport) readLoop(peer *tcpPeer) {
	defer t.wg.Done()
	defer t.removePeer(peer)
	br := bufio.NewReader(peer.conn)
	for {
		segments, err := readSegments(br)
		if err != nil {
			if !t.isClosed() {
				log.WithError(err).WithField("peer", peer.key).Debug("netcall: tcp read failed")
			}
			return
		}
		m := &Message{Route: [][]byte{[]byte(peer.key)}, Segments: segments}
		select {
		case t.recvCh <- m:
		case <-t.doneChan:
			return
		}
	}
}

// nextPeer picks a live peer round robin, redialing if a dialing
// transport has lost every connection.
func (t *TCPTransport) nextPeer() (*tcpPeer, error) {
	t.mu.Lock()
	if len(t.order) == 0 && t.dialer {
		addrs := append([]string(nil), t.addrs...)
		t.mu.Unlock()
		for _, addr := range addrs {
			if err := t.dial(addr); err != nil {
				log.WithError(err).WithField("addr", addr).Debug("netcall: tcp redial failed")
			}
		}
		t.mu.Lock()
	}
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return nil, errors.WithStack(TransportError{Err: errors.New("no connected peers")})
	}
	n := atomic.AddUint32(&t.rr, 1)
	return t.peers[t.order[int(n-1)%len(t.order)]], nil
}

// Send implements Transport.
func (t *TCPTransport) Send(m *Message) error {
	if t.isClosed() {
		return errTransportClosed()
	}
	var peer *tcpPeer
	if len(m.Route) > 0 {
		t.mu.Lock()
		peer = t.peers[string(m.Route[0])]
		t.mu.Unlock()
		if peer == nil {
			// peer went away, drop the reply
			return nil
		}
	} else {
		var err error
		if peer, err = t.nextPeer(); err != nil {
			return err
		}
	}
	if err := peer.writeMessage(m.Segments); err != nil {
		t.removePeer(peer)
		return errors.WithStack(TransportError{Err: err})
	}
	return nil
}

// Recv implements Transport.
func (t *TCPTransport) Recv() (*Message, error) {
	select {
	case m := <-t.recvCh:
		return m, nil
	case <-t.doneChan:
		return nil, errTransportClosed()
	}
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.doneChan)
		t.mu.Lock()
		for _, ln := range t.listeners {
			ln.Close()
		}
		peers := make([]*tcpPeer, 0, len(t.peers))
		for _, peer := range t.peers {
			peers = append(peers, peer)
		}
		t.mu.Unlock()
		for _, peer := range peers {
			peer.conn.Close()
		}
	})
	t.wg.Wait()
	return nil
}
