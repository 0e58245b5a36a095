package push

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/observability"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// Publisher forwards an already-marshaled event to other instances.
type Publisher interface {
	Publish(principalID string, raw []byte)
}

// Registry tracks the peers of each principal and implements
// domain.PushSender. Delivery is fire-and-forget: peers that cannot keep up
// are pruned silently so one slow tab never stalls a chat turn.
type Registry struct {
	log          *slog.Logger
	pingInterval time.Duration
	sendBuffer   int
	pingRaw      []byte

	mu    sync.RWMutex
	peers map[string]map[*Peer]struct{}
	relay Publisher
}

func NewRegistry(pingInterval time.Duration, sendBuffer int, log *slog.Logger) *Registry {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ping, _ := MarshalEvent(domain.PingEvent{})
	return &Registry{
		log:          log,
		pingInterval: pingInterval,
		sendBuffer:   sendBuffer,
		pingRaw:      ping,
		peers:        make(map[string]map[*Peer]struct{}),
	}
}

// AttachRelay routes every sent event through the relay as well, so peers
// connected to other instances receive it.
func (r *Registry) AttachRelay(relay Publisher) {
	r.mu.Lock()
	r.relay = relay
	r.mu.Unlock()
}

// Attach adopts an upgraded connection for principalID and starts its pumps.
// onMessage receives the peer's inbound frames; nil discards them.
func (r *Registry) Attach(principalID string, conn *websocket.Conn, onMessage func([]byte)) *Peer {
	p := newPeer(conn, r.sendBuffer)
	r.mu.Lock()
	set, ok := r.peers[principalID]
	if !ok {
		set = make(map[*Peer]struct{})
		r.peers[principalID] = set
	}
	set[p] = struct{}{}
	r.mu.Unlock()
	observability.PushPeersConnected.Inc()

	go p.writePump(r.pingInterval, r.pingRaw)
	go p.readPump(onMessage, func() { r.remove(principalID, p, false) })

	r.log.Debug("push peer attached", slog.String("principal_id", principalID))
	return p
}

// SendToPrincipal marshals the event once, fans it out to local peers and
// hands it to the relay when one is attached.
func (r *Registry) SendToPrincipal(principalID string, event domain.PushEvent) {
	raw, err := MarshalEvent(event)
	if err != nil {
		r.log.Error("push event marshal failed",
			slog.String("event_type", event.EventType()), slog.Any("error", err))
		return
	}
	observability.PushEventsTotal.WithLabelValues(event.EventType()).Inc()
	r.DeliverLocal(principalID, raw)

	r.mu.RLock()
	relay := r.relay
	r.mu.RUnlock()
	if relay != nil {
		relay.Publish(principalID, raw)
	}
}

// SendToPeer delivers one event to a single peer. Unlike the per-principal
// fan-out, failure surfaces to the caller: a closed peer or a full send
// buffer is an error, not a silent prune.
func (r *Registry) SendToPeer(p *Peer, event domain.PushEvent) error {
	raw, err := MarshalEvent(event)
	if err != nil {
		return fmt.Errorf("op=push.SendToPeer: %w", err)
	}
	if !p.trySend(raw) {
		return fmt.Errorf("op=push.SendToPeer: peer is closed or its send buffer is full")
	}
	observability.PushEventsTotal.WithLabelValues(event.EventType()).Inc()
	return nil
}

// DeliverLocal writes raw to this instance's peers only. The relay consumer
// uses it to deliver remote events without re-publishing them.
func (r *Registry) DeliverLocal(principalID string, raw []byte) {
	r.mu.RLock()
	var stale []*Peer
	for p := range r.peers[principalID] {
		if !p.trySend(raw) {
			stale = append(stale, p)
		}
	}
	r.mu.RUnlock()
	for _, p := range stale {
		r.remove(principalID, p, true)
	}
}

func (r *Registry) remove(principalID string, p *Peer, pruned bool) {
	r.mu.Lock()
	set, ok := r.peers[principalID]
	if ok {
		if _, present := set[p]; !present {
			ok = false
		} else {
			delete(set, p)
			if len(set) == 0 {
				delete(r.peers, principalID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	p.close()
	observability.PushPeersConnected.Dec()
	if pruned {
		observability.PushPeersPrunedTotal.Inc()
		r.log.Debug("push peer pruned", slog.String("principal_id", principalID))
	}
}

// PeerCount reports how many peers a principal has on this instance.
func (r *Registry) PeerCount(principalID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers[principalID])
}

// Shutdown closes every peer. Pumps unwind through their close paths.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := r.peers
	r.peers = make(map[string]map[*Peer]struct{})
	r.mu.Unlock()
	n := 0
	for _, set := range all {
		for p := range set {
			p.close()
			n++
		}
	}
	observability.PushPeersConnected.Sub(float64(n))
}
