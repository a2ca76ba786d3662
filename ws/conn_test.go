package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/justapithecus/kiln/proto"
)

// captureSender records outbound WebSocket actions.
type captureSender struct {
	mu   sync.Mutex
	sent []*proto.WsResponse
}

func (s *captureSender) SendWs(_ context.Context, rsp *proto.WsResponse) error {
	s.mu.Lock()
	s.sent = append(s.sent, rsp)
	s.mu.Unlock()
	return nil
}

func (s *captureSender) all() []*proto.WsResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*proto.WsResponse(nil), s.sent...)
}

func TestReceiveOrdering(t *testing.T) {
	ctx := context.Background()
	conn := NewConn(1, "/ws/chat", &captureSender{}, 0)

	for _, payload := range []string{"1", "2", "3"} {
		if err := conn.Deliver(ctx, []byte(payload), false); err != nil {
			t.Fatalf("Deliver(%q) failed: %v", payload, err)
		}
	}

	for _, want := range []string{"1", "2", "3"} {
		payload, isBinary, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if string(payload) != want {
			t.Errorf("Receive = %q, want %q", payload, want)
		}
		if isBinary {
			t.Error("isBinary = true for text frame")
		}
	}
}

func TestReceiveDrainsBeforeDisconnect(t *testing.T) {
	ctx := context.Background()
	conn := NewConn(1, "/ws", &captureSender{}, 0)

	_ = conn.Deliver(ctx, []byte("queued"), false)
	conn.Disconnect()

	payload, _, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive of queued frame failed: %v", err)
	}
	if string(payload) != "queued" {
		t.Errorf("payload = %q, want queued", payload)
	}

	if _, _, err := conn.Receive(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Receive after drain err = %v, want ErrConnectionClosed", err)
	}
}

func TestReceiveBlocksUntilDelivery(t *testing.T) {
	ctx := context.Background()
	conn := NewConn(1, "/ws", &captureSender{}, 0)

	got := make(chan string, 1)
	go func() {
		payload, _, err := conn.Receive(ctx)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- string(payload)
	}()

	time.Sleep(5 * time.Millisecond)
	if err := conn.Deliver(ctx, []byte("late"), false); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	select {
	case v := <-got:
		if v != "late" {
			t.Errorf("Receive = %q, want late", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not observe delivered frame")
	}
}

func TestSendVariants(t *testing.T) {
	ctx := context.Background()
	sender := &captureSender{}
	conn := NewConn(7, "/ws", sender, 0)

	if err := conn.SendText(ctx, "hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if err := conn.SendBinary(ctx, []byte{0x01}); err != nil {
		t.Fatalf("SendBinary failed: %v", err)
	}

	sent := sender.all()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if sent[0].Type != proto.TypeWsSend || sent[0].IsBinary || string(sent[0].Payload) != "hello" {
		t.Errorf("first send = %+v", sent[0])
	}
	if !sent[1].IsBinary {
		t.Error("second send not binary")
	}
	if sent[0].ConnectionID != 7 {
		t.Errorf("ConnectionID = %d, want 7", sent[0].ConnectionID)
	}
}

func TestCloseSemantics(t *testing.T) {
	ctx := context.Background()
	sender := &captureSender{}
	conn := NewConn(1, "/ws", sender, 0)

	if err := conn.Close(ctx, 1000); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sent := sender.all()
	if len(sent) != 1 || sent[0].Type != proto.TypeWsClose || sent[0].CloseCode != 1000 {
		t.Fatalf("close frame = %+v", sent)
	}

	if err := conn.Send(ctx, []byte("x"), false); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after close err = %v, want ErrConnectionClosed", err)
	}
	if _, _, err := conn.Receive(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Receive after close err = %v, want ErrConnectionClosed", err)
	}
	if err := conn.Close(ctx, 1000); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("second Close err = %v, want ErrConnectionClosed", err)
	}
	if !conn.Closed() {
		t.Error("Closed() = false after Close")
	}
}

func TestDeliverAfterDisconnect(t *testing.T) {
	conn := NewConn(1, "/ws", &captureSender{}, 0)
	conn.Disconnect()

	err := conn.Deliver(context.Background(), []byte("x"), false)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Deliver err = %v, want ErrConnectionClosed", err)
	}
}
