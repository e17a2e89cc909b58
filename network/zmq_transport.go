package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/stargate-labs/stargate-net/identity"
)

// Common errors for transport operations
var (
	ErrTransportNotRunning = errors.New("transport is not running")
	ErrPeerNotKnown        = errors.New("peer not known to transport")
	ErrBadSeed             = errors.New("malformed seed entry")
)

// Transport-internal envelope tags. Every zmq body starts with one of
// these; the rest of the frame is either the hello endpoint string or
// the opaque bytes handed to Send.
const (
	frameHello byte = 0x00
	frameData  byte = 0x01
)

// maxWireFrame bounds a received zmq body: the largest encodable message
// plus the envelope tag.
const maxWireFrame = MaxPayloadSize + 22

type peerState struct {
	endpoint string // empty for peers that dialed us
	lastSeen time.Time
}

// zmqTransport is the production Transport: a ROUTER socket bound on the
// listen endpoint receives, per-peer DEALER sockets send. Socket
// identities carry peer ids, so the ROUTER learns who is talking from
// the identity frame alone; a hello envelope announces the dialer's
// listen endpoint for bookkeeping.
type zmqTransport struct {
	local  identity.PeerID
	listen string

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket
	dealers map[identity.PeerID]zmq4.Socket
	peers   map[identity.PeerID]*peerState
	mu      sync.RWMutex

	// sendMu serializes socket writes: sends come from the dispatch
	// loop and from broadcast callers concurrently.
	sendMu sync.Mutex

	events chan Event

	pruneInterval time.Duration
	staleTimeout  time.Duration

	running bool
	wg      sync.WaitGroup
}

// newZmqTransport creates a transport bound to the given endpoint once
// started. Seeds are bootstrap peers in "peerid@tcp://host:port" form.
func newZmqTransport(local identity.PeerID, listen string) *zmqTransport {
	ctx, cancel := context.WithCancel(context.Background())

	return &zmqTransport{
		local:         local,
		listen:        listen,
		ctx:           ctx,
		cancel:        cancel,
		dealers:       make(map[identity.PeerID]zmq4.Socket),
		peers:         make(map[identity.PeerID]*peerState),
		events:        make(chan Event, 1024),
		pruneInterval: time.Minute,
		staleTimeout:  10 * time.Minute,
	}
}

// Start binds the ROUTER socket, dials the bootstrap seeds, and spawns
// the receive and prune loops. A bind failure is a hard startup error.
func (t *zmqTransport) Start(seeds []string) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("transport already running")
	}

	t.router = zmq4.NewRouter(t.ctx, zmq4.WithID(zmq4.SocketIdentity(string(t.local))))
	if err := t.router.Listen(t.listen); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to bind router on %s: %w", t.listen, err)
	}
	t.running = true
	t.mu.Unlock()

	for _, seed := range seeds {
		peer, endpoint, err := parseSeed(seed)
		if err != nil {
			log.Printf("transport: skipping seed %q: %v", seed, err)
			continue
		}
		if err := t.Connect(peer, endpoint); err != nil {
			log.Printf("transport: seed dial %s failed: %v", endpoint, err)
		}
	}

	t.wg.Add(1)
	go t.receiverLoop()

	t.wg.Add(1)
	go t.pruneLoop()

	return nil
}

// parseSeed splits a "peerid@tcp://host:port" bootstrap entry.
func parseSeed(seed string) (identity.PeerID, string, error) {
	raw, endpoint, ok := strings.Cut(seed, "@")
	if !ok || endpoint == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadSeed, seed)
	}
	peer, err := identity.ParsePeerID(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadSeed, err)
	}
	return peer, endpoint, nil
}

// Connect dials a peer's listen endpoint, announces ourselves with a
// hello frame, and emits EventPeerUp.
func (t *zmqTransport) Connect(peer identity.PeerID, endpoint string) error {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	if !running {
		return ErrTransportNotRunning
	}

	dealer, err := t.getOrCreateDealer(peer, endpoint)
	if err != nil {
		return err
	}

	hello := append([]byte{frameHello}, []byte(t.listen)...)
	t.sendMu.Lock()
	err = dealer.Send(zmq4.NewMsg(hello))
	t.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("hello to %s failed: %w", peer, err)
	}

	if t.trackPeer(peer, endpoint) {
		t.emit(Event{Kind: EventPeerUp, Peer: peer})
	}
	return nil
}

// Send delivers raw bytes to a peer: through its DEALER socket when we
// dialed it, or back through the ROUTER when it dialed us.
func (t *zmqTransport) Send(peer identity.PeerID, data []byte) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrTransportNotRunning
	}
	dealer, hasDealer := t.dealers[peer]
	_, known := t.peers[peer]
	t.mu.RUnlock()

	body := append([]byte{frameData}, data...)
	if hasDealer {
		t.sendMu.Lock()
		err := dealer.Send(zmq4.NewMsg(body))
		t.sendMu.Unlock()
		if err != nil {
			return fmt.Errorf("send to %s failed: %w", peer, err)
		}
		return nil
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrPeerNotKnown, peer)
	}
	t.sendMu.Lock()
	err := t.router.Send(zmq4.NewMsgFrom([]byte(peer), body))
	t.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("reply to %s failed: %w", peer, err)
	}
	return nil
}

// Events returns the single-consumer event stream.
func (t *zmqTransport) Events() <-chan Event {
	return t.events
}

// ConnectedPeers snapshots the open peer set.
func (t *zmqTransport) ConnectedPeers() []identity.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]identity.PeerID, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	return peers
}

// IsOpen reports whether the peer has an open connection.
func (t *zmqTransport) IsOpen(peer identity.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[peer]
	return ok
}

// LocalPeer returns this transport's own peer identifier.
func (t *zmqTransport) LocalPeer() identity.PeerID {
	return t.local
}

// Close shuts the transport down and closes the event stream.
func (t *zmqTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()

	if err := t.router.Close(); err != nil {
		log.Printf("transport: router close: %v", err)
	}
	t.mu.Lock()
	for _, dealer := range t.dealers {
		if err := dealer.Close(); err != nil {
			log.Printf("transport: dealer close: %v", err)
		}
	}
	t.mu.Unlock()

	t.wg.Wait()
	close(t.events)
	return nil
}

// getOrCreateDealer returns the DEALER socket for a peer, dialing its
// endpoint on first use.
func (t *zmqTransport) getOrCreateDealer(peer identity.PeerID, endpoint string) (zmq4.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dealer, ok := t.dealers[peer]; ok {
		return dealer, nil
	}

	dealer := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(string(t.local))))
	if err := dealer.Dial(endpoint); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	t.dealers[peer] = dealer
	return dealer, nil
}

// trackPeer records a peer sighting and reports whether it is new.
func (t *zmqTransport) trackPeer(peer identity.PeerID, endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.peers[peer]
	if ok {
		state.lastSeen = time.Now()
		if endpoint != "" {
			state.endpoint = endpoint
		}
		return false
	}
	t.peers[peer] = &peerState{endpoint: endpoint, lastSeen: time.Now()}
	return true
}

// receiverLoop turns ROUTER frames into transport events. Receive errors
// are transient: they are logged and polling continues; only Close ends
// the stream.
func (t *zmqTransport) receiverLoop() {
	defer t.wg.Done()

	for {
		msg, err := t.router.Recv()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				log.Printf("transport: recv: %v", err)
				continue
			}
		}

		frames := msg.Frames
		if len(frames) < 2 {
			log.Printf("transport: dropping short frame (%d parts)", len(frames))
			continue
		}

		peer, err := identity.ParsePeerID(string(frames[0]))
		if err != nil {
			log.Printf("transport: dropping frame with bad identity: %v", err)
			continue
		}
		body := frames[1]
		if len(body) == 0 || len(body) > maxWireFrame {
			log.Printf("transport: dropping frame of %d bytes from %s", len(body), peer)
			continue
		}

		switch body[0] {
		case frameHello:
			// Dial back to the announced endpoint so our sends travel
			// dealer-to-router like every other path.
			endpoint := string(body[1:])
			if endpoint != "" {
				if _, err := t.getOrCreateDealer(peer, endpoint); err != nil {
					log.Printf("transport: dial back to %s failed: %v", endpoint, err)
				}
			}
			if t.trackPeer(peer, endpoint) {
				t.emit(Event{Kind: EventPeerUp, Peer: peer})
			}
		case frameData:
			if t.trackPeer(peer, "") {
				t.emit(Event{Kind: EventPeerUp, Peer: peer})
			}
			t.emit(Event{Kind: EventMessage, Peer: peer, Data: body[1:]})
		default:
			log.Printf("transport: dropping frame with unknown envelope 0x%02x from %s", body[0], peer)
		}
	}
}

// emit delivers an event in order. When the buffer is saturated it slips
// in one advisory Clogged notification, then waits for the consumer.
func (t *zmqTransport) emit(ev Event) {
	select {
	case t.events <- ev:
		return
	default:
	}

	select {
	case t.events <- Event{Kind: EventClogged, Peer: ev.Peer}:
	default:
	}
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// pruneLoop drops peers that have gone quiet past the stale timeout,
// emitting EventPeerDown for each.
func (t *zmqTransport) pruneLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			for _, peer := range t.pruneStale() {
				t.emit(Event{Kind: EventPeerDown, Peer: peer, Reason: "stale"})
			}
		}
	}
}

// pruneStale removes and returns peers not seen within staleTimeout.
func (t *zmqTransport) pruneStale() []identity.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.staleTimeout)
	var dropped []identity.PeerID
	for peer, state := range t.peers {
		if state.lastSeen.Before(cutoff) {
			delete(t.peers, peer)
			if dealer, ok := t.dealers[peer]; ok {
				if err := dealer.Close(); err != nil {
					log.Printf("transport: dealer close: %v", err)
				}
				delete(t.dealers, peer)
			}
			dropped = append(dropped, peer)
		}
	}
	return dropped
}
