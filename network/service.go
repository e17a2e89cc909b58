package network

import (
	"crypto/ed25519"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/stargate-labs/stargate-net/api"
	"github.com/stargate-labs/stargate-net/identity"
)

// Config defines construction configuration for the network service.
type Config struct {
	// Listen is the transport endpoint to bind, "tcp://host:port".
	Listen string `json:"listen"`
	// Seeds are bootstrap peers, "peerid@tcp://host:port".
	Seeds []string `json:"seeds"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen: "tcp://127.0.0.1:9630",
		Seeds:  []string{},
	}
}

// NetworkMessage is an application payload addressed by node identity:
// the remote peer it came from or goes to, and opaque data.
type NetworkMessage struct {
	Peer identity.Address
	Data []byte
}

// PeerEventKind discriminates peer lifecycle notifications.
type PeerEventKind uint8

const (
	// PeerOpen signals a connection to the peer was established.
	PeerOpen PeerEventKind = iota + 1
	// PeerClose signals the connection to the peer went away.
	PeerClose
)

// PeerEvent notifies upper layers of a peer connection change. Events
// are emitted exactly once per open and close, in transport order.
type PeerEvent struct {
	Kind PeerEventKind
	Peer identity.Address
}

// outboundRequest is one queued send: destination plus the framed
// message. Acknowledged sends carry a non-zero message id already
// registered in the ack table; fire-and-forget sends carry the zero id.
type outboundRequest struct {
	peer identity.Address
	msg  Message
}

// NetworkStatus is a point-in-time snapshot of the service.
type NetworkStatus struct {
	Address     string `json:"address"`
	PeerCount   int    `json:"peer_count"`
	PendingAcks int    `json:"pending_acks"`
	IsRunning   bool   `json:"is_running"`
}

// NetworkService is the public facade of the message transport layer.
// It owns the Transport and the acknowledgment table, and runs a single
// background goroutine that multiplexes inbound transport events against
// queued outbound sends, keeping all transport event handling on one
// execution context.
type NetworkService struct {
	transport Transport
	self      identity.Address
	acks      *ackTable
	metrics   *api.Metrics

	outbound   *queue[outboundRequest]
	inbound    *queue[NetworkMessage]
	peerEvents *queue[PeerEvent]

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// BuildNetworkService derives the node identity from the key pair,
// builds and starts the ZeroMQ transport, and spawns the background
// dispatch loop. It returns the facade together with the inbound message
// channel and the peer event channel consumed by the rest of the node.
// Only construction failures (bad listen address, transport bind) are
// hard errors.
func BuildNetworkService(cfg Config, key ed25519.PrivateKey) (*NetworkService, <-chan NetworkMessage, <-chan PeerEvent, error) {
	if err := validateListen(cfg.Listen); err != nil {
		return nil, nil, nil, err
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, nil, nil, fmt.Errorf("invalid node key length %d", len(key))
	}

	self, err := identity.AddressFromPublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to derive node address: %w", err)
	}
	peerID, err := identity.PeerIDOf(self)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to derive node peer id: %w", err)
	}

	transport := newZmqTransport(peerID, cfg.Listen)
	if err := transport.Start(cfg.Seeds); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start transport: %w", err)
	}

	service := NewNetworkService(transport, self)
	service.Start()
	log.Printf("network: service started, node %s at %s", self, cfg.Listen)
	return service, service.inbound.C(), service.peerEvents.C(), nil
}

// validateListen checks the listen endpoint parses as "tcp://host:port".
func validateListen(listen string) error {
	hostport, ok := strings.CutPrefix(listen, "tcp://")
	if !ok {
		return fmt.Errorf("invalid listen address %q: missing tcp:// scheme", listen)
	}
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	return nil
}

// NewNetworkService wraps an already-built Transport. Callers must Start
// the service before using it.
func NewNetworkService(transport Transport, self identity.Address) *NetworkService {
	return &NetworkService{
		transport:  transport,
		self:       self,
		acks:       newAckTable(),
		metrics:    api.DefaultMetrics,
		outbound:   newQueue[outboundRequest](),
		inbound:    newQueue[NetworkMessage](),
		peerEvents: newQueue[PeerEvent](),
		done:       make(chan struct{}),
	}
}

// Start spawns the background dispatch loop. Idempotent.
func (s *NetworkService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	s.wg.Add(1)
	go s.run()
}

// Shutdown fires the single-use shutdown signal: the dispatch loop
// exits, the transport closes, pending acknowledgments resolve as
// canceled, and all queues stop producing. Idempotent.
func (s *NetworkService) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		if err := s.transport.Close(); err != nil {
			log.Printf("network: transport close: %v", err)
		}
		s.acks.failAll(ErrAckCanceled)
		s.metrics.PendingAcks.Set(0)

		s.outbound.Close()
		s.inbound.Close()
		s.peerEvents.Close()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		log.Printf("network: service stopped, node %s", s.self)
	})
}

// InboundMessages returns the channel of payloads received from peers.
func (s *NetworkService) InboundMessages() <-chan NetworkMessage {
	return s.inbound.C()
}

// PeerEvents returns the channel of peer open/close notifications.
func (s *NetworkService) PeerEvents() <-chan PeerEvent {
	return s.peerEvents.C()
}

// Identify returns the node's own address.
func (s *NetworkService) Identify() identity.Address {
	return s.self
}

// IsConnected reports whether the transport has an open connection to
// the given address. Translation failure means not connected, never an
// error.
func (s *NetworkService) IsConnected(addr identity.Address) bool {
	peer, err := identity.PeerIDOf(addr)
	if err != nil {
		return false
	}
	return s.transport.IsOpen(peer)
}

// Status returns a point-in-time snapshot of the service.
func (s *NetworkService) Status() NetworkStatus {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	return NetworkStatus{
		Address:     s.self.String(),
		PeerCount:   len(s.transport.ConnectedPeers()),
		PendingAcks: s.acks.size(),
		IsRunning:   running,
	}
}

// SendMessage sends data to the peer at addr and requests delivery
// acknowledgment. It registers a completion handle, enqueues the send,
// and returns immediately: the handle yields nil once the remote ACK is
// observed, or ErrAckCanceled if the service shuts down first. If the
// send can never reach the peer no ACK will arrive; applying a timeout
// is the caller's responsibility.
func (s *NetworkService) SendMessage(addr identity.Address, data []byte) <-chan error {
	id, done := s.acks.register()
	s.metrics.PendingAcks.Set(float64(s.acks.size()))

	s.outbound.Push(outboundRequest{
		peer: addr,
		msg:  Message{Kind: KindPayload, ID: id, Data: data},
	})
	return done
}

// QueueMessage enqueues a fire-and-forget send to the peer named in msg.
// It is the unacknowledged counterpart of SendMessage: no completion
// handle, no ACK requested, delivery is at most once.
func (s *NetworkService) QueueMessage(msg NetworkMessage) {
	s.outbound.Push(outboundRequest{peer: msg.Peer, msg: NewDatagram(msg.Data)})
}

// BroadcastMessage sends data to every peer connected at call time, as a
// fire-and-forget payload. The peer set is snapshotted once: peers
// connecting afterwards are not included, and peers disconnecting during
// iteration just fail their individual send.
func (s *NetworkService) BroadcastMessage(data []byte) {
	frame := NewDatagram(data).Encode()
	peers := s.transport.ConnectedPeers()
	s.metrics.BroadcastMessages.Inc()

	for _, peer := range peers {
		if err := s.transport.Send(peer, frame); err != nil {
			log.Printf("network: broadcast to %s failed: %v", peer, err)
			s.metrics.SendFailures.Inc()
			continue
		}
		s.metrics.MessagesSent.Inc()
	}
}

// run is the background dispatch loop: the one goroutine that consumes
// transport events and drains the outbound queue. It exits when the
// shutdown signal fires or the transport's event stream ends.
func (s *NetworkService) run() {
	defer s.wg.Done()

	events := s.transport.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				log.Printf("network: transport event stream ended, dispatch loop exiting")
				s.acks.failAll(ErrAckCanceled)
				return
			}
			s.dispatchEvent(ev)
		case req := <-s.outbound.C():
			s.pumpOutbound(req)
		}
	}
}

// dispatchEvent routes one transport event. Every per-event failure is
// logged and isolated; nothing here can take the process down.
func (s *NetworkService) dispatchEvent(ev Event) {
	switch ev.Kind {
	case EventMessage:
		s.handleInbound(ev.Peer, ev.Data)
	case EventPeerUp:
		addr, err := identity.AddressOf(ev.Peer)
		if err != nil {
			log.Printf("network: dropping open event for peer %s: %v", ev.Peer, err)
			s.metrics.IdentityFailures.Inc()
			return
		}
		s.peerEvents.Push(PeerEvent{Kind: PeerOpen, Peer: addr})
		s.metrics.ConnectedPeers.Set(float64(len(s.transport.ConnectedPeers())))
	case EventPeerDown:
		addr, err := identity.AddressOf(ev.Peer)
		if err != nil {
			log.Printf("network: dropping close event for peer %s: %v", ev.Peer, err)
			s.metrics.IdentityFailures.Inc()
			return
		}
		s.peerEvents.Push(PeerEvent{Kind: PeerClose, Peer: addr})
		s.metrics.ConnectedPeers.Set(float64(len(s.transport.ConnectedPeers())))
	case EventClogged:
		log.Printf("network: transport congestion toward %s", ev.Peer)
	default:
		log.Printf("network: ignoring unknown transport event %d", ev.Kind)
	}
}

// handleInbound decodes one received frame: payloads go to the inbound
// queue (acknowledged immediately when the sender asked for it), ACKs
// resolve their pending entry.
func (s *NetworkService) handleInbound(peer identity.PeerID, raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		log.Printf("network: dropping frame from %s: %v", peer, err)
		s.metrics.DecodeFailures.Inc()
		return
	}

	switch msg.Kind {
	case KindPayload:
		addr, err := identity.AddressOf(peer)
		if err != nil {
			log.Printf("network: dropping payload from %s: %v", peer, err)
			s.metrics.IdentityFailures.Inc()
			return
		}
		s.inbound.Push(NetworkMessage{Peer: addr, Data: msg.Data})
		s.metrics.MessagesReceived.Inc()

		if !msg.ID.IsZero() {
			if err := s.transport.Send(peer, NewACK(msg.ID).Encode()); err != nil {
				log.Printf("network: ack to %s failed: %v", peer, err)
				s.metrics.SendFailures.Inc()
			}
		}
	case KindACK:
		latency, ok := s.acks.resolve(msg.ID)
		if !ok {
			log.Printf("network: unknown ack %s from %s", msg.ID, peer)
			s.metrics.AcksUnknown.Inc()
			return
		}
		s.metrics.RecordAck(latency)
		s.metrics.PendingAcks.Set(float64(s.acks.size()))
	}
}

// pumpOutbound performs one queued send: translate the destination,
// frame the message, and push it through the transport. A failure drops
// the request with a log line; if the send requested acknowledgment the
// registered handle simply never fires.
func (s *NetworkService) pumpOutbound(req outboundRequest) {
	peer, err := identity.PeerIDOf(req.peer)
	if err != nil {
		log.Printf("network: dropping send to %s: %v", req.peer, err)
		s.metrics.IdentityFailures.Inc()
		return
	}

	if !s.transport.IsOpen(peer) {
		log.Printf("network: peer %s is not connected, attempting send anyway", req.peer)
	}
	if err := s.transport.Send(peer, req.msg.Encode()); err != nil {
		log.Printf("network: send to %s failed: %v", req.peer, err)
		s.metrics.SendFailures.Inc()
		return
	}
	s.metrics.MessagesSent.Inc()
}
