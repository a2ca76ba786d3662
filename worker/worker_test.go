package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/kiln/future"
	"github.com/justapithecus/kiln/handler"
	"github.com/justapithecus/kiln/log"
	"github.com/justapithecus/kiln/metrics"
	"github.com/justapithecus/kiln/proto"
	"github.com/justapithecus/kiln/tlv"
	"github.com/justapithecus/kiln/transport"
)

func testLogger() *log.Logger {
	return log.NewWorkerLogger("pool-test", 0, log.ParseLevel("error"))
}

// harness runs a worker over an in-process transport.
type harness struct {
	t      *testing.T
	mem    *transport.Memory
	server transport.Server
	worker *Worker
	done   chan error
}

func newHarness(t *testing.T, registry *handler.Registry) *harness {
	t.Helper()
	mem := transport.NewMemory()
	w := New(Config{
		ID:           0,
		Transport:    mem.WorkerSide(),
		Registry:     registry,
		Logger:       testLogger(),
		DrainTimeout: time.Second,
	})

	h := &harness{
		t:      t,
		mem:    mem,
		server: mem.ServerSide(),
		worker: w,
		done:   make(chan error, 1),
	}
	go func() { h.done <- w.Run(context.Background()); close(h.done) }()
	t.Cleanup(func() {
		mem.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return h
}

func (h *harness) push(msg []byte) {
	h.t.Helper()
	if err := h.server.Push(context.Background(), msg); err != nil {
		h.t.Fatalf("Push failed: %v", err)
	}
}

func (h *harness) poll() []byte {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := h.server.Poll(ctx)
	if err != nil {
		h.t.Fatalf("Poll failed: %v", err)
	}
	return msg
}

func (h *harness) pollResponse() *proto.Response {
	h.t.Helper()
	rsp, err := proto.DecodeResponse(h.poll())
	if err != nil {
		h.t.Fatalf("DecodeResponse failed: %v", err)
	}
	return rsp
}

func encodeRequest(t *testing.T, id uint32, module, function string, kwargs map[string]any) []byte {
	t.Helper()
	encoded, err := tlv.Encode(kwargs)
	format := proto.KwargsTLV
	if err != nil {
		encoded, err = json.Marshal(kwargs)
		format = proto.KwargsJSON
		if err != nil {
			t.Fatalf("kwargs encode failed: %v", err)
		}
	}
	return proto.EncodeRequest(&proto.Request{
		RequestID: id,
		Module:    module,
		Function:  function,
		Format:    format,
		Kwargs:    encoded,
	})
}

func mathRegistry() *handler.Registry {
	r := handler.NewRegistry()
	r.RegisterFunc("math", "double", func(_ context.Context, kw handler.Kwargs) (any, error) {
		x, ok := kw.Int("x")
		if !ok {
			return nil, errors.New("missing kwarg x")
		}
		return x * 2, nil
	})
	return r
}

func TestRequestRoundTrip(t *testing.T) {
	h := newHarness(t, mathRegistry())

	h.push(encodeRequest(t, 1, "math", "double", map[string]any{"x": int64(5)}))
	rsp := h.pollResponse()

	if rsp.RequestID != 1 {
		t.Errorf("RequestID = %d, want 1", rsp.RequestID)
	}
	if !rsp.Success || rsp.Status != 200 {
		t.Fatalf("response = %+v, want success 200", rsp)
	}
	if got := string(rsp.Body); got != `{"result":10}` {
		t.Errorf("Body = %s, want {\"result\":10}", got)
	}
}

func TestHandlerNotFound(t *testing.T) {
	h := newHarness(t, mathRegistry())

	h.push(encodeRequest(t, 2, "math", "missing", nil))
	rsp := h.pollResponse()

	if rsp.Success {
		t.Fatal("resolution failure reported success")
	}
	if rsp.Status != 404 {
		t.Errorf("Status = %d, want 404", rsp.Status)
	}
	if !strings.Contains(rsp.ErrorMessage, "missing") {
		t.Errorf("ErrorMessage = %q, want mention of missing function", rsp.ErrorMessage)
	}
}

func TestHandlerError(t *testing.T) {
	r := handler.NewRegistry()
	r.RegisterFunc("jobs", "fail", func(context.Context, handler.Kwargs) (any, error) {
		return nil, errors.New("boom")
	})
	h := newHarness(t, r)

	h.push(encodeRequest(t, 3, "jobs", "fail", nil))
	rsp := h.pollResponse()

	if rsp.Success || rsp.Status != 500 {
		t.Fatalf("response = %+v, want failure 500", rsp)
	}
	if !strings.Contains(rsp.ErrorMessage, "boom") {
		t.Errorf("ErrorMessage = %q, want boom", rsp.ErrorMessage)
	}
	var body map[string]any
	if err := json.Unmarshal(rsp.Body, &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if _, ok := body["error"]; !ok {
		t.Errorf("body = %v, want error key", body)
	}
}

func TestHandlerPanicBecomesResponse(t *testing.T) {
	r := handler.NewRegistry()
	r.RegisterFunc("jobs", "explode", func(context.Context, handler.Kwargs) (any, error) {
		panic("kaboom")
	})
	h := newHarness(t, r)

	h.push(encodeRequest(t, 4, "jobs", "explode", nil))
	rsp := h.pollResponse()

	if rsp.Success || rsp.Status != 500 {
		t.Fatalf("response = %+v, want failure 500", rsp)
	}
	if !strings.Contains(rsp.ErrorMessage, "kaboom") {
		t.Errorf("ErrorMessage = %q, want kaboom", rsp.ErrorMessage)
	}
	var body map[string]any
	if err := json.Unmarshal(rsp.Body, &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if tb, ok := body["traceback"].(string); !ok || tb == "" {
		t.Error("panic response missing traceback")
	}

	// The worker survives the panic.
	h.push(encodeRequest(t, 5, "jobs", "explode", nil))
	if rsp := h.pollResponse(); rsp.RequestID != 5 {
		t.Errorf("RequestID = %d, want 5", rsp.RequestID)
	}
}

func TestAwaitableResultIsAwaited(t *testing.T) {
	r := handler.NewRegistry()
	r.RegisterFunc("async", "compute", func(context.Context, handler.Kwargs) (any, error) {
		return future.Go(func() (int, error) {
			time.Sleep(10 * time.Millisecond)
			return 42, nil
		}), nil
	})
	h := newHarness(t, r)

	h.push(encodeRequest(t, 6, "async", "compute", nil))
	rsp := h.pollResponse()

	if !rsp.Success {
		t.Fatalf("response = %+v, want success", rsp)
	}
	if got := string(rsp.Body); got != `{"result":42}` {
		t.Errorf("Body = %s, want {\"result\":42}", got)
	}
}

func TestConcurrentRequestsAllComplete(t *testing.T) {
	h := newHarness(t, mathRegistry())

	const n = 20
	for i := uint32(1); i <= n; i++ {
		h.push(encodeRequest(t, i, "math", "double", map[string]any{"x": int64(i)}))
	}

	seen := make(map[uint32]bool)
	for i := 0; i < n; i++ {
		rsp := h.pollResponse()
		if !rsp.Success {
			t.Fatalf("request %d failed: %s", rsp.RequestID, rsp.ErrorMessage)
		}
		if seen[rsp.RequestID] {
			t.Fatalf("duplicate response for request %d", rsp.RequestID)
		}
		seen[rsp.RequestID] = true
	}
}

func TestWsEchoOrdering(t *testing.T) {
	r := handler.NewRegistry()
	r.Register("chat", map[string]handler.StreamFunc{
		"echo": func(ctx context.Context, s handler.Stream) error {
			for {
				payload, isBinary, err := s.Receive(ctx)
				if err != nil {
					return nil
				}
				if err := s.Send(ctx, payload, isBinary); err != nil {
					return err
				}
			}
		},
	})
	h := newHarness(t, r)

	meta, _ := json.Marshal(proto.ConnectMetadata{Module: "chat", Function: "echo"})
	h.push(proto.EncodeWsEvent(&proto.WsEvent{
		Type:         proto.TypeWsConnect,
		ConnectionID: 9,
		Path:         "/ws/chat",
		Payload:      meta,
	}))

	for i := 0; i < 3; i++ {
		h.push(proto.EncodeWsEvent(&proto.WsEvent{
			Type:         proto.TypeWsMessage,
			ConnectionID: 9,
			Payload:      []byte(fmt.Sprintf("frame-%d", i)),
		}))
	}

	for i := 0; i < 3; i++ {
		rsp, err := proto.DecodeWsResponse(h.poll())
		if err != nil {
			t.Fatalf("DecodeWsResponse failed: %v", err)
		}
		if rsp.Type != proto.TypeWsSend || rsp.ConnectionID != 9 {
			t.Fatalf("ws response = %+v", rsp)
		}
		if want := fmt.Sprintf("frame-%d", i); string(rsp.Payload) != want {
			t.Errorf("Payload = %q, want %q", rsp.Payload, want)
		}
	}

	h.push(proto.EncodeWsEvent(&proto.WsEvent{
		Type:         proto.TypeWsDisconnect,
		ConnectionID: 9,
	}))
}

func TestWsUnresolvableHandlerCloses(t *testing.T) {
	h := newHarness(t, handler.NewRegistry())

	meta, _ := json.Marshal(proto.ConnectMetadata{Module: "nope", Function: "nope"})
	h.push(proto.EncodeWsEvent(&proto.WsEvent{
		Type:         proto.TypeWsConnect,
		ConnectionID: 1,
		Path:         "/ws",
		Payload:      meta,
	}))

	rsp, err := proto.DecodeWsResponse(h.poll())
	if err != nil {
		t.Fatalf("DecodeWsResponse failed: %v", err)
	}
	if rsp.Type != proto.TypeWsClose || rsp.CloseCode != 1011 {
		t.Errorf("ws response = %+v, want close 1011", rsp)
	}
}

func TestShutdownSendsReport(t *testing.T) {
	h := newHarness(t, mathRegistry())

	h.push(encodeRequest(t, 1, "math", "double", map[string]any{"x": int64(2)}))
	if rsp := h.pollResponse(); !rsp.Success {
		t.Fatalf("request failed: %s", rsp.ErrorMessage)
	}
	h.push(encodeRequest(t, 2, "math", "nope", nil))
	_ = h.pollResponse()

	h.push(proto.EncodeShutdown())

	report, err := proto.DecodeWorkerReport(h.poll())
	if err != nil {
		t.Fatalf("DecodeWorkerReport failed: %v", err)
	}
	stats, err := DecodeStats(report.Payload)
	if err != nil {
		t.Fatalf("DecodeStats failed: %v", err)
	}

	want := metrics.WorkerStats{
		WorkerID:          0,
		RequestsProcessed: 1,
		RequestsFailed:    1,
		HandlersCached:    1,
	}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after shutdown sentinel")
	}
	if h.worker.State() != StateStopped {
		t.Errorf("State = %v, want stopped", h.worker.State())
	}
}

func TestHandlerCachingAcrossRequests(t *testing.T) {
	r := mathRegistry()
	h := newHarness(t, r)

	h.push(encodeRequest(t, 1, "math", "double", map[string]any{"x": int64(1)}))
	h.pollResponse()
	h.push(encodeRequest(t, 2, "math", "double", map[string]any{"x": int64(2)}))
	h.pollResponse()

	if got := r.Resolutions(); got != 1 {
		t.Errorf("Resolutions = %d, want 1 (second request must hit the cache)", got)
	}
}
