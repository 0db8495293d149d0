package netcall

import (
	"bytes"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// WSTransport implements Transport over WebSocket connections, one
// binary WebSocket message per multipart frame. A server-side transport
// is an http.Handler that upgrades incoming requests; a client-side
// transport dials one or more URLs and spreads unrouted sends across
// them round robin.
type WSTransport struct {
	Upgrader websocket.Upgrader

	mu        sync.Mutex
	peers     map[string]*wsPeer
	order     []string
	rr        uint32
	recvCh    chan *Message
	doneChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type wsPeer struct {
	key  string
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *wsPeer) writeMessage(segments [][]byte) error {
	var buf bytes.Buffer
	if err := writeSegments(&buf, segments); err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func newWSTransport() *WSTransport {
	return &WSTransport{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers:    make(map[string]*wsPeer),
		recvCh:   make(chan *Message, 64),
		doneChan: make(chan struct{}),
	}
}

// NewWSTransport returns a server-side WebSocket transport. Mount it on
// an http.ServeMux (or httprouter) and point clients at its URL.
func NewWSTransport() *WSTransport {
	return newWSTransport()
}

// DialWS connects to every given WebSocket URL ("ws://host:port/path")
// and returns a dialing transport.
func DialWS(urls ...string) (t *WSTransport, err error) {
	t = newWSTransport()
	for _, u := range urls {
		conn, _, derr := websocket.DefaultDialer.Dial(u, nil)
		if derr != nil {
			t.Close()
			return nil, errors.WithStack(TransportError{Err: derr})
		}
		t.addPeer(conn)
	}
	return t, nil
}

// ServeHTTP implements http.Handler by upgrading the request and
// serving frames on the resulting connection.
func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("netcall: websocket upgrade failed")
		return
	}
	t.addPeer(conn)
}

func (t *WSTransport) isClosed() bool {
	select {
	case <-t.doneChan:
		return true
	default:
		return false
	}
}

func (t *WSTransport) addPeer(conn *websocket.Conn) {
	peer := &wsPeer{
		key:  conn.RemoteAddr().String() + "|" + conn.LocalAddr().String(),
		conn: conn,
	}
	t.mu.Lock()
	t.peers[peer.key] = peer
	t.order = append(t.order, peer.key)
	t.mu.Unlock()
	t.wg.Add(1)
	go t.readLoop(peer)
}

func (t *WSTransport) removePeer(peer *wsPeer) {
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

func (t *WSTransport) readLoop(peer *wsPeer) {
	defer t.wg.Done()
	defer t.removePeer(peer)
	for {
		mt, data, err := peer.conn.ReadMessage()
		if err != nil {
			if !t.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).WithField("peer", peer.key).Debug("netcall: websocket read failed")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		segments, err := readSegments(bytes.NewReader(data))
		if err != nil {
			log.WithError(err).WithField("peer", peer.key).Debug("netcall: websocket frame rejected")
			continue
		}
		m := &Message{Route: [][]byte{[]byte(peer.key)}, Segments: segments}
		select {
		case t.recvCh <- m:
		case <-t.doneChan:
			return
		}
	}
}

func (t *WSTransport) nextPeer() (*wsPeer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return nil, errors.WithStack(TransportError{Err: errors.New("no connected peers")})
	}
	n := atomic.AddUint32(&t.rr, 1)
	return t.peers[t.order[int(n-1)%len(t.order)]], nil
}

// Send implements Transport.
func (t *WSTransport) Send(m *Message) error {
	if t.isClosed() {
		return errTransportClosed()
	}
	var peer *wsPeer
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
func (t *WSTransport) Recv() (*Message, error) {
	select {
	case m := <-t.recvCh:
		return m, nil
	case <-t.doneChan:
		return nil, errTransportClosed()
	}
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.doneChan)
		t.mu.Lock()
		peers := make([]*wsPeer, 0, len(t.peers))
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
