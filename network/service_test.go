package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stargate-labs/stargate-net/identity"
)

// memTransport is an in-process Transport stand-in. Linked instances
// deliver sends directly into each other's event streams.
type memTransport struct {
	local  identity.PeerID
	events chan Event

	mu     sync.Mutex
	links  map[identity.PeerID]*memTransport
	closed bool
}

func newMemTransport(t *testing.T, addr identity.Address) *memTransport {
	t.Helper()
	peer, err := identity.PeerIDOf(addr)
	if err != nil {
		t.Fatalf("PeerIDOf failed: %v", err)
	}
	return &memTransport{
		local:  peer,
		events: make(chan Event, 1024),
		links:  make(map[identity.PeerID]*memTransport),
	}
}

func (m *memTransport) Send(peer identity.PeerID, data []byte) error {
	m.mu.Lock()
	remote, ok := m.links[peer]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no route to %s", peer)
	}
	remote.inject(Event{Kind: EventMessage, Peer: m.local, Data: append([]byte(nil), data...)})
	return nil
}

func (m *memTransport) inject(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- ev
}

func (m *memTransport) Events() <-chan Event { return m.events }

func (m *memTransport) ConnectedPeers() []identity.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]identity.PeerID, 0, len(m.links))
	for id := range m.links {
		peers = append(peers, id)
	}
	return peers
}

func (m *memTransport) IsOpen(peer identity.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[peer]
	return ok
}

func (m *memTransport) LocalPeer() identity.PeerID { return m.local }

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.events)
	return nil
}

// linkTransports connects two stand-ins and emits PeerUp on both sides.
func linkTransports(a, b *memTransport) {
	a.mu.Lock()
	a.links[b.local] = b
	a.mu.Unlock()
	b.mu.Lock()
	b.links[a.local] = a
	b.mu.Unlock()

	a.inject(Event{Kind: EventPeerUp, Peer: b.local})
	b.inject(Event{Kind: EventPeerUp, Peer: a.local})
}

// unlinkTransports disconnects two stand-ins and emits PeerDown on both.
func unlinkTransports(a, b *memTransport) {
	a.mu.Lock()
	delete(a.links, b.local)
	a.mu.Unlock()
	b.mu.Lock()
	delete(b.links, a.local)
	b.mu.Unlock()

	a.inject(Event{Kind: EventPeerDown, Peer: b.local, Reason: "unlinked"})
	b.inject(Event{Kind: EventPeerDown, Peer: a.local, Reason: "unlinked"})
}

func testAddr(t *testing.T, b byte) identity.Address {
	t.Helper()
	if b == 0 {
		t.Fatal("test address byte must be non-zero")
	}
	var addr identity.Address
	addr[0] = b
	return addr
}

func newTestService(t *testing.T, b byte) (*NetworkService, *memTransport, identity.Address) {
	t.Helper()
	addr := testAddr(t, b)
	tr := newMemTransport(t, addr)
	svc := NewNetworkService(tr, addr)
	svc.Start()
	t.Cleanup(svc.Shutdown)
	return svc, tr, addr
}

func waitMessage(t *testing.T, ch <-chan NetworkMessage) NetworkMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return NetworkMessage{}
	}
}

func waitPeerEvent(t *testing.T, ch <-chan PeerEvent) PeerEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer event")
		return PeerEvent{}
	}
}

func TestSendMessageDeliveredAndAcked(t *testing.T) {
	svcA, trA, addrA := newTestService(t, 1)
	svcB, trB, addrB := newTestService(t, 2)
	linkTransports(trA, trB)

	done := svcA.SendMessage(addrB, []byte("hello"))

	msg := waitMessage(t, svcB.InboundMessages())
	if msg.Peer != addrA {
		t.Errorf("expected sender %s, got %s", addrA, msg.Peer)
	}
	if !bytes.Equal(msg.Data, []byte("hello")) {
		t.Errorf("expected data %q, got %q", "hello", msg.Data)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("send should resolve nil after remote ack, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send never resolved")
	}

	if got := svcA.Status().PendingAcks; got != 0 {
		t.Errorf("expected no pending acks, got %d", got)
	}
}

func TestBroadcastSnapshot(t *testing.T) {
	svcA, trA, addrA := newTestService(t, 1)
	receivers := make([]*NetworkService, 0, 3)
	for i := byte(2); i <= 4; i++ {
		svc, tr, _ := newTestService(t, i)
		linkTransports(trA, tr)
		receivers = append(receivers, svc)
	}

	svcA.BroadcastMessage([]byte("x"))

	for i, svc := range receivers {
		msg := waitMessage(t, svc.InboundMessages())
		if !bytes.Equal(msg.Data, []byte("x")) {
			t.Errorf("receiver %d: expected %q, got %q", i, "x", msg.Data)
		}
		if msg.Peer != addrA {
			t.Errorf("receiver %d: expected sender %s, got %s", i, addrA, msg.Peer)
		}
	}

	// Exactly one send per peer in the snapshot, and no ack round-trip.
	time.Sleep(100 * time.Millisecond)
	for i, svc := range receivers {
		select {
		case msg := <-svc.InboundMessages():
			t.Errorf("receiver %d got duplicate broadcast %q", i, msg.Data)
		default:
		}
	}
	if got := svcA.Status().PendingAcks; got != 0 {
		t.Errorf("broadcast must not register acks, got %d pending", got)
	}

	// A peer connecting after the snapshot sees nothing.
	late, lateTr, _ := newTestService(t, 5)
	linkTransports(trA, lateTr)
	time.Sleep(100 * time.Millisecond)
	select {
	case msg := <-late.InboundMessages():
		t.Errorf("late peer should not receive the broadcast, got %q", msg.Data)
	default:
	}
}

func TestShutdownCancelsPendingAck(t *testing.T) {
	svcA, _, _ := newTestService(t, 1)
	unreachable := testAddr(t, 9)

	done := svcA.SendMessage(unreachable, []byte("void"))
	svcA.Shutdown()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAckCanceled) {
			t.Errorf("expected ErrAckCanceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending send did not resolve after shutdown")
	}
}

func TestAckWithDifferentIDDoesNotResolve(t *testing.T) {
	svcA, trA, addrA := newTestService(t, 1)
	addrB := testAddr(t, 2)
	trB := newMemTransport(t, addrB)
	linkTransports(trA, trB)

	done := svcA.SendMessage(addrB, []byte("ping"))

	// Drain the stand-in's event stream until A's payload arrives.
	var sent Message
	deadline := time.After(2 * time.Second)
	for sent.Kind == 0 {
		select {
		case ev := <-trB.events:
			if ev.Kind != EventMessage {
				continue
			}
			msg, err := Decode(ev.Data)
			if err != nil {
				t.Fatalf("stand-in got malformed frame: %v", err)
			}
			sent = msg
		case <-deadline:
			t.Fatal("stand-in never received the payload")
		}
	}
	if sent.ID.IsZero() {
		t.Fatal("acknowledged send must carry a non-zero id")
	}

	peerA, _ := identity.PeerIDOf(addrA)
	wrong := sent.ID
	wrong[0] ^= 0xff
	if err := trB.Send(peerA, NewACK(wrong).Encode()); err != nil {
		t.Fatalf("stand-in ack send failed: %v", err)
	}

	select {
	case err := <-done:
		t.Fatalf("send resolved on mismatched ack: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := trB.Send(peerA, NewACK(sent.ID).Encode()); err != nil {
		t.Fatalf("stand-in ack send failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("matching ack should resolve nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send never resolved on matching ack")
	}
}

func TestMalformedFrameIsIsolated(t *testing.T) {
	svcA, trA, _ := newTestService(t, 1)
	addrB := testAddr(t, 2)
	trB := newMemTransport(t, addrB)
	linkTransports(trA, trB)

	peerA, _ := identity.PeerIDOf(testAddr(t, 1))
	if err := trB.Send(peerA, []byte{0xff, 0x00, 0x01}); err != nil {
		t.Fatalf("stand-in send failed: %v", err)
	}

	// The dispatcher must survive and keep delivering valid frames.
	if err := trB.Send(peerA, NewDatagram([]byte("still alive")).Encode()); err != nil {
		t.Fatalf("stand-in send failed: %v", err)
	}
	msg := waitMessage(t, svcA.InboundMessages())
	if !bytes.Equal(msg.Data, []byte("still alive")) {
		t.Errorf("expected %q, got %q", "still alive", msg.Data)
	}
	if msg.Peer != addrB {
		t.Errorf("expected sender %s, got %s", addrB, msg.Peer)
	}
}

func TestUnknownAckIsNoop(t *testing.T) {
	svcA, trA, _ := newTestService(t, 1)
	addrB := testAddr(t, 2)
	trB := newMemTransport(t, addrB)
	linkTransports(trA, trB)

	peerA, _ := identity.PeerIDOf(testAddr(t, 1))
	if err := trB.Send(peerA, NewACK(MessageID{0xab}).Encode()); err != nil {
		t.Fatalf("stand-in send failed: %v", err)
	}

	// Late acks are expected under partition; the service keeps working.
	if err := trB.Send(peerA, NewDatagram([]byte("ok")).Encode()); err != nil {
		t.Fatalf("stand-in send failed: %v", err)
	}
	msg := waitMessage(t, svcA.InboundMessages())
	if !bytes.Equal(msg.Data, []byte("ok")) {
		t.Errorf("expected %q, got %q", "ok", msg.Data)
	}
}

func TestQueueMessageIsFireAndForget(t *testing.T) {
	svcA, trA, addrA := newTestService(t, 1)
	svcB, trB, addrB := newTestService(t, 2)
	linkTransports(trA, trB)

	svcA.QueueMessage(NetworkMessage{Peer: addrB, Data: []byte("datagram")})

	msg := waitMessage(t, svcB.InboundMessages())
	if !bytes.Equal(msg.Data, []byte("datagram")) {
		t.Errorf("expected %q, got %q", "datagram", msg.Data)
	}
	if msg.Peer != addrA {
		t.Errorf("expected sender %s, got %s", addrA, msg.Peer)
	}
	if got := svcA.Status().PendingAcks; got != 0 {
		t.Errorf("queued datagram must not register an ack, got %d pending", got)
	}
}

func TestPeerEventsInOrder(t *testing.T) {
	svcA, trA, _ := newTestService(t, 1)
	_, trB, addrB := newTestService(t, 2)

	linkTransports(trA, trB)
	ev := waitPeerEvent(t, svcA.PeerEvents())
	if ev.Kind != PeerOpen || ev.Peer != addrB {
		t.Errorf("expected open event for %s, got kind=%d peer=%s", addrB, ev.Kind, ev.Peer)
	}

	unlinkTransports(trA, trB)
	ev = waitPeerEvent(t, svcA.PeerEvents())
	if ev.Kind != PeerClose || ev.Peer != addrB {
		t.Errorf("expected close event for %s, got kind=%d peer=%s", addrB, ev.Kind, ev.Peer)
	}
}

func TestIsConnected(t *testing.T) {
	svcA, trA, _ := newTestService(t, 1)
	_, trB, addrB := newTestService(t, 2)

	if svcA.IsConnected(addrB) {
		t.Error("should not report a never-connected peer as connected")
	}
	if svcA.IsConnected(identity.Address{}) {
		t.Error("zero address must report not connected, not an error")
	}

	linkTransports(trA, trB)
	if !svcA.IsConnected(addrB) {
		t.Error("linked peer should be connected")
	}
}

func TestIdentifyAndStatus(t *testing.T) {
	svcA, trA, addrA := newTestService(t, 1)
	if svcA.Identify() != addrA {
		t.Errorf("Identify: expected %s, got %s", addrA, svcA.Identify())
	}

	_, trB, _ := newTestService(t, 2)
	linkTransports(trA, trB)

	status := svcA.Status()
	if !status.IsRunning {
		t.Error("status should report running")
	}
	if status.PeerCount != 1 {
		t.Errorf("expected 1 peer, got %d", status.PeerCount)
	}
	if status.Address != addrA.String() {
		t.Errorf("expected address %s, got %s", addrA, status.Address)
	}
}

func TestShutdownStopsQueues(t *testing.T) {
	svcA, _, _ := newTestService(t, 1)
	svcA.Shutdown()
	svcA.Shutdown() // idempotent

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-svcA.InboundMessages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("inbound channel did not close after shutdown")
		}
	}
}

func TestBuildNetworkServiceValidation(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	cases := []struct {
		name string
		cfg  Config
		key  ed25519.PrivateKey
	}{
		{"missing scheme", Config{Listen: "127.0.0.1:9630"}, key},
		{"no port", Config{Listen: "tcp://127.0.0.1"}, key},
		{"empty", Config{}, key},
		{"bad key", Config{Listen: "tcp://127.0.0.1:9630"}, ed25519.PrivateKey{1, 2}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, _, err := BuildNetworkService(tc.cfg, tc.key); err == nil {
				t.Error("construction should fail")
			}
		})
	}
}
