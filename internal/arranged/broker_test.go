package arranged

import (
	"sync"
	"testing"
	"time"

	"skirmish/master/internal/logging"
	"skirmish/master/internal/protocol"
)

type sentMessage struct {
	peerID  string
	msgType protocol.Type
	payload any
}

type senderStub struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *senderStub) send(peerID string, msgType protocol.Type, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{peerID: peerID, msgType: msgType, payload: payload})
}

func (s *senderStub) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func newTestBroker(sender *senderStub, clock func() time.Time) *Broker {
	return New(sender.send, 15*time.Second, logging.NewTestLogger(), WithClock(clock))
}

func TestRequestForwardsCandidates(t *testing.T) {
	sender := &senderStub{}
	broker := newTestBroker(sender, time.Now)

	broker.Request("client-1", protocol.RequestArranged{
		RequestID:       42,
		ServerID:        "server-1",
		RemoteAddress:   "203.0.113.9:28000",
		InternalAddress: "192.168.1.4:28000",
		Params:          []byte{0xAA},
	}, "ace")

	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].peerID != "server-1" || msgs[0].msgType != protocol.TypeArrangedIncoming {
		t.Fatalf("expected one incoming push to the server, got %+v", msgs)
	}
	incoming := msgs[0].payload.(*protocol.ArrangedIncoming)
	if len(incoming.ClientAddresses) != 2 {
		t.Fatalf("expected both address candidates, got %v", incoming.ClientAddresses)
	}
	if broker.PendingFor("server-1") != 1 {
		t.Fatalf("pending entry not recorded")
	}
}

func TestAcceptResolvesExactlyOnce(t *testing.T) {
	sender := &senderStub{}
	broker := newTestBroker(sender, time.Now)

	broker.Request("client-1", protocol.RequestArranged{RequestID: 42, ServerID: "server-1", RemoteAddress: "a:1"}, "")
	broker.Accept("server-1", protocol.AcceptArranged{RequestID: 42, InternalAddress: "10.0.0.2:28000"})
	broker.Accept("server-1", protocol.AcceptArranged{RequestID: 42})
	broker.Reject("server-1", protocol.RejectArranged{RequestID: 42})

	var results []sentMessage
	for _, msg := range sender.messages() {
		if msg.msgType == protocol.TypeArrangedResult {
			results = append(results, msg)
		}
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one terminal resolution, got %d", len(results))
	}
	outcome := results[0].payload.(*protocol.ArrangedResult)
	if !outcome.Accepted || outcome.ServerAddress != "10.0.0.2:28000" || results[0].peerID != "client-1" {
		t.Fatalf("accept not relayed correctly: %+v", outcome)
	}
}

func TestUnknownCorrelationIgnored(t *testing.T) {
	sender := &senderStub{}
	broker := newTestBroker(sender, time.Now)

	broker.Accept("server-1", protocol.AcceptArranged{RequestID: 99})
	broker.Reject("nobody", protocol.RejectArranged{RequestID: 1})

	if msgs := sender.messages(); len(msgs) != 0 {
		t.Fatalf("stale correlation must be silent, got %+v", msgs)
	}
}

func TestRequestIDsScopedPerServer(t *testing.T) {
	sender := &senderStub{}
	broker := newTestBroker(sender, time.Now)

	//1.- Two different clients may reuse the same requestID against different servers.
	broker.Request("client-1", protocol.RequestArranged{RequestID: 7, ServerID: "server-1", RemoteAddress: "a:1"}, "")
	broker.Request("client-2", protocol.RequestArranged{RequestID: 7, ServerID: "server-2", RemoteAddress: "b:2"}, "")

	broker.Accept("server-2", protocol.AcceptArranged{RequestID: 7})

	last := sender.messages()[len(sender.messages())-1]
	if last.peerID != "client-2" {
		t.Fatalf("resolution crossed server scopes: %+v", last)
	}
	if broker.PendingFor("server-1") != 1 {
		t.Fatalf("unrelated pending entry disturbed")
	}
}

func TestSweepExpiresOldRequests(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := now
	sender := &senderStub{}
	broker := newTestBroker(sender, func() time.Time { return current })

	broker.Request("client-1", protocol.RequestArranged{RequestID: 5, ServerID: "server-1", RemoteAddress: "a:1"}, "")

	current = now.Add(10 * time.Second)
	broker.Sweep()
	if broker.PendingFor("server-1") != 1 {
		t.Fatalf("entry expired before the timeout window")
	}

	current = now.Add(16 * time.Second)
	broker.Sweep()
	if broker.PendingFor("server-1") != 0 {
		t.Fatalf("entry survived past the timeout window")
	}

	last := sender.messages()[len(sender.messages())-1]
	outcome := last.payload.(*protocol.ArrangedResult)
	if last.msgType != protocol.TypeArrangedResult || outcome.Accepted || !outcome.Synthetic {
		t.Fatalf("expired request must produce a synthetic reject, got %+v", outcome)
	}

	//2.- A late accept after expiry is a stale correlation and stays silent.
	before := len(sender.messages())
	broker.Accept("server-1", protocol.AcceptArranged{RequestID: 5})
	if len(sender.messages()) != before {
		t.Fatalf("late accept produced a second resolution")
	}
}

func TestDropServerEndpoint(t *testing.T) {
	sender := &senderStub{}
	broker := newTestBroker(sender, time.Now)

	broker.Request("client-1", protocol.RequestArranged{RequestID: 1, ServerID: "server-1", RemoteAddress: "a:1"}, "")
	broker.Request("client-2", protocol.RequestArranged{RequestID: 2, ServerID: "server-1", RemoteAddress: "b:2"}, "")

	broker.DropEndpoint("server-1")

	rejected := map[string]bool{}
	for _, msg := range sender.messages() {
		if msg.msgType != protocol.TypeArrangedResult {
			continue
		}
		outcome := msg.payload.(*protocol.ArrangedResult)
		if outcome.Accepted || !outcome.Synthetic {
			t.Fatalf("abort must be a synthetic reject: %+v", outcome)
		}
		rejected[msg.peerID] = true
	}
	if !rejected["client-1"] || !rejected["client-2"] {
		t.Fatalf("both stranded clients must hear a reject, got %v", rejected)
	}
	if broker.PendingFor("server-1") != 0 {
		t.Fatalf("queue survived endpoint drop")
	}
}

func TestDropClientEndpointStaysSilent(t *testing.T) {
	sender := &senderStub{}
	broker := newTestBroker(sender, time.Now)

	broker.Request("client-1", protocol.RequestArranged{RequestID: 1, ServerID: "server-1", RemoteAddress: "a:1"}, "")
	before := len(sender.messages())

	broker.DropEndpoint("client-1")

	//1.- Nothing is sent to a peer that is already gone; the server just never answers.
	if len(sender.messages()) != before {
		t.Fatalf("dropping the requesting client must not emit messages")
	}
	if broker.PendingFor("server-1") != 0 {
		t.Fatalf("client's pending entry not removed")
	}
	broker.Accept("server-1", protocol.AcceptArranged{RequestID: 1})
	if len(sender.messages()) != before {
		t.Fatalf("late accept for an aborted request must be ignored")
	}
}
