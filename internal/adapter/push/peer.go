package push

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Peer is one WebSocket connection owned by a principal. Writes go through a
// bounded channel; a peer that cannot drain it is pruned by the registry
// rather than ever blocking a sender.
type Peer struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, buffer int) *Peer {
	if buffer <= 0 {
		buffer = 256
	}
	return &Peer{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// trySend queues raw without blocking. False means the peer is closed or its
// buffer is full; the caller decides to prune.
func (p *Peer) trySend(raw []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- raw:
		return true
	default:
		return false
	}
}

// writePump drains the send channel and emits an application-level ping
// event on every interval tick. It exits when the peer closes or a write
// fails; proxies see the pings as activity, clients use them as liveness.
func (p *Peer) writePump(pingInterval time.Duration, ping []byte) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()
	for {
		select {
		case <-p.done:
			return
		case raw := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// readPump hands inbound frames to onMessage until the connection dies, then
// runs onClose once. The push channel is otherwise one-way; reading keeps
// control frames processed and notices closure.
func (p *Peer) readPump(onMessage func([]byte), onClose func()) {
	defer func() {
		p.close()
		onClose()
	}()
	p.conn.SetReadLimit(1 << 16)
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if onMessage != nil {
			onMessage(raw)
		}
	}
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}
