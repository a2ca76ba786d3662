package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/kiln/adapter"
	"github.com/justapithecus/kiln/handler"
	"github.com/justapithecus/kiln/journal"
	"github.com/justapithecus/kiln/log"
	"github.com/justapithecus/kiln/metrics"
	"github.com/justapithecus/kiln/transport"
	"github.com/justapithecus/kiln/worker"
)

func testLogger() *log.Logger {
	return log.NewPoolLogger("pool-test", log.ParseLevel("error"))
}

// captureAdapter records published pool events for assertions.
type captureAdapter struct {
	mu     sync.Mutex
	events []adapter.PoolEvent
	closed bool
}

func (a *captureAdapter) Publish(_ context.Context, e *adapter.PoolEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *e)
	return nil
}

func (a *captureAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *captureAdapter) byType(eventType string) []adapter.PoolEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []adapter.PoolEvent
	for _, e := range a.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func shopRegistry() *handler.Registry {
	r := handler.NewRegistry()
	r.RegisterFunc("math", "double", func(_ context.Context, kw handler.Kwargs) (any, error) {
		x, ok := kw.Int("x")
		if !ok {
			return nil, errors.New("missing kwarg x")
		}
		return x * 2, nil
	})
	r.RegisterFunc("jobs", "fail", func(context.Context, handler.Kwargs) (any, error) {
		return nil, errors.New("boom")
	})
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
	return r
}

// newTestPool runs a pool against one embedded worker over an in-process
// transport, standing in for a spawned worker process.
func newTestPool(t *testing.T, mutate func(*Config)) *Pool {
	t.Helper()
	mem := transport.NewMemory()
	w := worker.New(worker.Config{
		ID:           0,
		Transport:    mem.WorkerSide(),
		Registry:     shopRegistry(),
		Logger:       log.NewWorkerLogger("pool-test", 0, log.ParseLevel("error")),
		DrainTimeout: time.Second,
	})
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(context.Background()) }()

	cfg := Config{
		PoolSize:        1,
		Transport:       "memory",
		Server:          mem.ServerSide(),
		Logger:          testLogger(),
		Metrics:         metrics.NewCollector("memory", 1, "pool-test"),
		ShutdownTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
		select {
		case <-workerDone:
		case <-time.After(2 * time.Second):
			t.Error("embedded worker did not stop")
		}
	})
	return p
}

func TestCallRoundTrip(t *testing.T) {
	p := newTestPool(t, nil)

	result, err := p.Call(context.Background(), "math", "double", map[string]any{"x": int64(21)})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got, ok := result.(float64); !ok || got != 42 {
		t.Errorf("result = %v (%T), want 42", result, result)
	}
}

func TestExecuteFutureSettles(t *testing.T) {
	p := newTestPool(t, nil)
	ctx := context.Background()

	f := p.Execute(ctx, "math", "double", map[string]any{"x": int64(3)})
	rsp, err := f.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !rsp.Success || rsp.Status != 200 {
		t.Fatalf("response = %+v, want success 200", rsp)
	}
	if got := string(rsp.Body); got != `{"result":6}` {
		t.Errorf("Body = %s, want {\"result\":6}", got)
	}
}

func TestCallHandlerErrorIsRemoteError(t *testing.T) {
	p := newTestPool(t, nil)

	_, err := p.Call(context.Background(), "jobs", "fail", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.Status != 500 {
		t.Errorf("Status = %d, want 500", remote.Status)
	}
	if !strings.Contains(remote.Message, "boom") {
		t.Errorf("Message = %q, want boom", remote.Message)
	}
}

func TestCallUnknownHandlerIs404(t *testing.T) {
	p := newTestPool(t, nil)

	_, err := p.Call(context.Background(), "math", "missing", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.Status != 404 {
		t.Errorf("Status = %d, want 404", remote.Status)
	}
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	p := newTestPool(t, nil)
	ctx := context.Background()

	const n = 16
	results := make([]any, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Call(ctx, "math", "double", map[string]any{"x": int64(i)})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d failed: %v", i, errs[i])
		}
		if got := results[i].(float64); got != float64(i*2) {
			t.Errorf("call %d = %v, want %d", i, results[i], i*2)
		}
	}
}

func TestExecuteAfterShutdownRejected(t *testing.T) {
	p := newTestPool(t, nil)
	ctx := context.Background()

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	_, err := p.Execute(ctx, "math", "double", map[string]any{"x": int64(1)}).Get(ctx)
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("err = %v, want ErrShuttingDown", err)
	}
}

func TestShutdownAbsorbsWorkerReport(t *testing.T) {
	p := newTestPool(t, nil)
	ctx := context.Background()

	if _, err := p.Call(ctx, "math", "double", map[string]any{"x": int64(1)}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	snap := p.metrics.Snapshot()
	if len(snap.Workers) != 1 {
		t.Fatalf("Workers = %d, want 1 report", len(snap.Workers))
	}
	if snap.Workers[0].RequestsProcessed != 1 {
		t.Errorf("RequestsProcessed = %d, want 1", snap.Workers[0].RequestsProcessed)
	}
	if snap.RequestsSubmitted != 1 || snap.ResponsesReceived != 1 {
		t.Errorf("snapshot = %+v, want 1 submitted and 1 received", snap)
	}
}

func TestWsConnectionEcho(t *testing.T) {
	p := newTestPool(t, nil)
	ctx := context.Background()

	conn, err := p.OpenConnection(ctx, "/ws/chat", "chat", "echo")
	if err != nil {
		t.Fatalf("OpenConnection failed: %v", err)
	}

	for _, want := range []string{"one", "two", "three"} {
		if err := conn.SendMessage(ctx, []byte(want), false); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		select {
		case ev := <-conn.Events():
			if ev.Close {
				t.Fatalf("unexpected close event %+v", ev)
			}
			if string(ev.Payload) != want {
				t.Errorf("Payload = %q, want %q", ev.Payload, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no echo for %q", want)
		}
	}

	if err := conn.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := conn.SendMessage(ctx, []byte("late"), false); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("SendMessage after Disconnect err = %v, want ErrConnectionClosed", err)
	}
}

func TestJournalRecordsRequests(t *testing.T) {
	j, err := journal.New(journal.Config{
		Dataset: "kiln-journal",
		App:     "shop",
		PoolID:  "pool-test",
	}, lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("journal.New failed: %v", err)
	}

	p := newTestPool(t, func(cfg *Config) { cfg.Journal = j })
	ctx := context.Background()

	if _, err := p.Call(ctx, "math", "double", map[string]any{"x": int64(2)}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if _, err := p.Call(ctx, "jobs", "fail", nil); err == nil {
		t.Fatal("expected handler failure")
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	records, err := journal.QueryRecords(ctx, j.Dataset(), journal.Query{
		RecordKind: journal.RecordKindRequest,
	})
	if err != nil {
		t.Fatalf("QueryRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("query returned %d request records, want 2", len(records))
	}

	lifecycle, err := journal.QueryRecords(ctx, j.Dataset(), journal.Query{
		RecordKind: journal.RecordKindLifecycle,
	})
	if err != nil {
		t.Fatalf("QueryRecords lifecycle failed: %v", err)
	}
	kinds := make(map[string]bool)
	for _, r := range lifecycle {
		if s, ok := r["event_type"].(string); ok {
			kinds[s] = true
		}
	}
	if !kinds[adapter.EventPoolStarted] || !kinds[adapter.EventPoolStopped] {
		t.Errorf("lifecycle kinds = %v, want pool_started and pool_stopped", kinds)
	}
}

func TestAdapterSeesLifecycleEvents(t *testing.T) {
	capture := &captureAdapter{}
	p := newTestPool(t, func(cfg *Config) { cfg.Adapters = []adapter.Adapter{capture} })
	ctx := context.Background()

	if _, err := p.Call(ctx, "math", "double", map[string]any{"x": int64(1)}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	started := capture.byType(adapter.EventPoolStarted)
	if len(started) != 1 {
		t.Fatalf("pool_started events = %d, want 1", len(started))
	}
	if started[0].PoolID != p.ID() {
		t.Errorf("PoolID = %q, want %q", started[0].PoolID, p.ID())
	}

	stopped := capture.byType(adapter.EventPoolStopped)
	if len(stopped) != 1 {
		t.Fatalf("pool_stopped events = %d, want 1", len(stopped))
	}
	if stopped[0].RequestsSubmitted != 1 {
		t.Errorf("RequestsSubmitted = %d, want 1", stopped[0].RequestsSubmitted)
	}
	if !capture.closed {
		t.Error("adapter not closed at shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	p := newTestPool(t, nil)
	ctx := context.Background()

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown failed: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{PoolSize: 0}); err == nil {
		t.Error("New accepted zero pool size")
	}
	if _, err := New(Config{PoolSize: 1}); err == nil {
		t.Error("New accepted missing worker command")
	}
}
