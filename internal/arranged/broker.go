// Package arranged brokers NAT-traversal rendezvous between a requesting
// client and a target game server. The broker owns the index from server
// identity to pending requests; each request resolves at most once.
package arranged

import (
	"context"
	"errors"
	"sync"
	"time"

	"skirmish/master/internal/logging"
	"skirmish/master/internal/protocol"
)

// Sender delivers an outbound message to the peer with the given connection
// identity. Delivery to a vanished peer is a silent no-op.
type Sender func(peerID string, msgType protocol.Type, payload any)

// Option customises broker construction.
type Option func(*Broker)

// WithClock overrides the wall clock, enabling deterministic expiry tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) {
		if clock != nil {
			b.now = clock
		}
	}
}

// WithSweepInterval overrides the cadence of the expiry sweep.
func WithSweepInterval(interval time.Duration) Option {
	return func(b *Broker) {
		if interval > 0 {
			b.sweepEvery = interval
		}
	}
}

type pendingRequest struct {
	requestID uint32
	clientID  string
	serverID  string
	createdAt time.Time
}

// Broker matches arranged-connection requests with their accept/reject
// responses and expires abandoned entries.
type Broker struct {
	mu       sync.Mutex
	byServer map[string]map[uint32]*pendingRequest

	send       Sender
	timeout    time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	logger     *logging.Logger
}

// New constructs a broker delivering outcomes through send; timeout is the
// window after which an unanswered request expires.
func New(send Sender, timeout time.Duration, logger *logging.Logger, opts ...Option) *Broker {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b := &Broker{
		byServer:   make(map[string]map[uint32]*pendingRequest),
		send:       send,
		timeout:    timeout,
		sweepEvery: time.Second,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Request records a pending entry and forwards the candidates to the target
// server. A duplicate (serverID, requestID) pair replaces the earlier entry
// silently; requestIDs are scoped to the requesting connection, not global.
func (b *Broker) Request(clientID string, req protocol.RequestArranged, playerName string) {
	if b == nil || clientID == "" || req.ServerID == "" {
		return
	}
	entry := &pendingRequest{
		requestID: req.RequestID,
		clientID:  clientID,
		serverID:  req.ServerID,
		createdAt: b.now(),
	}

	b.mu.Lock()
	queue, ok := b.byServer[req.ServerID]
	if !ok {
		queue = make(map[uint32]*pendingRequest)
		b.byServer[req.ServerID] = queue
	}
	queue[req.RequestID] = entry
	b.mu.Unlock()

	candidates := []string{req.RemoteAddress}
	if req.InternalAddress != "" && req.InternalAddress != req.RemoteAddress {
		candidates = append(candidates, req.InternalAddress)
	}
	b.send(req.ServerID, protocol.TypeArrangedIncoming, &protocol.ArrangedIncoming{
		RequestID:        req.RequestID,
		ClientAddresses:  candidates,
		Params:           req.Params,
		RequestingPlayer: playerName,
	})
	b.logger.Debug("arranged request pending",
		logging.String("client", clientID),
		logging.String("server", req.ServerID),
		logging.Uint32("request_id", req.RequestID))
}

// Accept resolves the pending entry with a positive outcome. Unknown or
// already-resolved correlation pairs are silently ignored.
func (b *Broker) Accept(serverID string, msg protocol.AcceptArranged) {
	entry := b.take(serverID, msg.RequestID)
	if entry == nil {
		return
	}
	b.send(entry.clientID, protocol.TypeArrangedResult, &protocol.ArrangedResult{
		RequestID:     msg.RequestID,
		Accepted:      true,
		ServerAddress: msg.InternalAddress,
		Params:        msg.Params,
	})
}

// Reject resolves the pending entry with the server's refusal. Unknown or
// already-resolved correlation pairs are silently ignored.
func (b *Broker) Reject(serverID string, msg protocol.RejectArranged) {
	entry := b.take(serverID, msg.RequestID)
	if entry == nil {
		return
	}
	b.send(entry.clientID, protocol.TypeArrangedResult, &protocol.ArrangedResult{
		RequestID:  msg.RequestID,
		Accepted:   false,
		RejectData: msg.RejectData,
	})
}

// take removes and returns the pending entry, guaranteeing at most one
// terminal resolution per (serverID, requestID).
func (b *Broker) take(serverID string, requestID uint32) *pendingRequest {
	if b == nil || serverID == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	queue, ok := b.byServer[serverID]
	if !ok {
		return nil
	}
	entry, ok := queue[requestID]
	if !ok {
		return nil
	}
	delete(queue, requestID)
	if len(queue) == 0 {
		delete(b.byServer, serverID)
	}
	return entry
}

// DropEndpoint aborts every pending request where the given identity is
// either endpoint. The survivor receives a synthetic reject only when it is
// the requesting client; a vanished peer gets nothing.
func (b *Broker) DropEndpoint(id string) {
	if b == nil || id == "" {
		return
	}
	var orphaned []*pendingRequest

	b.mu.Lock()
	if queue, ok := b.byServer[id]; ok {
		//1.- The dying peer is a target server: every queued client loses its request.
		for _, entry := range queue {
			orphaned = append(orphaned, entry)
		}
		delete(b.byServer, id)
	}
	//2.- The dying peer may also be a requesting client with entries on other servers.
	for serverID, queue := range b.byServer {
		for requestID, entry := range queue {
			if entry.clientID == id {
				delete(queue, requestID)
			}
		}
		if len(queue) == 0 {
			delete(b.byServer, serverID)
		}
	}
	b.mu.Unlock()

	for _, entry := range orphaned {
		b.send(entry.clientID, protocol.TypeArrangedResult, &protocol.ArrangedResult{
			RequestID: entry.requestID,
			Accepted:  false,
			Synthetic: true,
		})
	}
}

// Sweep expires entries older than the timeout window and sends each
// requester a synthetic reject.
func (b *Broker) Sweep() {
	if b == nil {
		return
	}
	cutoff := b.now().Add(-b.timeout)
	var expired []*pendingRequest

	b.mu.Lock()
	for serverID, queue := range b.byServer {
		for requestID, entry := range queue {
			if entry.createdAt.Before(cutoff) {
				delete(queue, requestID)
				expired = append(expired, entry)
			}
		}
		if len(queue) == 0 {
			delete(b.byServer, serverID)
		}
	}
	b.mu.Unlock()

	for _, entry := range expired {
		b.logger.Debug("arranged request expired",
			logging.String("client", entry.clientID),
			logging.String("server", entry.serverID),
			logging.Uint32("request_id", entry.requestID))
		b.send(entry.clientID, protocol.TypeArrangedResult, &protocol.ArrangedResult{
			RequestID: entry.requestID,
			Accepted:  false,
			Synthetic: true,
		})
	}
}

// PendingFor reports how many requests are queued against the given server.
func (b *Broker) PendingFor(serverID string) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byServer[serverID])
}

// Run drives the expiry sweep until the context is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	if b == nil {
		return errors.New("nil broker")
	}
	ticker := time.NewTicker(b.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Sweep()
		}
	}
}
