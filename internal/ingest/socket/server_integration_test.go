package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/partition"
	"eventgate/internal/publish"
	"eventgate/internal/registry"
	"eventgate/internal/storage/memory"
)

type testEnv struct {
	srv   *Server
	addr  string
	store *memory.Store
}

func startTestServer(t *testing.T, latency time.Duration) testEnv {
	t.Helper()
	reg := registry.New()
	if _, err := reg.Register(domain.EventType{Name: "order.created", Topic: "orders"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(domain.EventType{Name: "registered-but-without-topic"}); err != nil {
		t.Fatal(err)
	}
	topo := partition.NewTopology()
	if err := topo.Register("orders", partition.Range(4)); err != nil {
		t.Fatal(err)
	}
	store := memory.New(memory.AutoCreate(), memory.Latency(latency))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router, err := publish.NewRouter(reg, partition.NewRoundRobin(topo), store, publish.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0", MaxInflight: 64, GlobalQueueLimit: 2048, AuthToken: "secret"}, router, reg, store, logger)
	go func() { _ = s.Start(ctx) }()
	t.Cleanup(func() { cancel(); _ = s.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return testEnv{srv: s, addr: addr, store: store}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server not started")
	return testEnv{}
}

func publishReq(id, eventType, payload string) *SocketRequest {
	return &SocketRequest{RequestId: id, AuthToken: "secret", Operation: int32(OperationPublish), Publish: &PublishRequest{EventType: eventType, Payload: []byte(payload)}}
}

func TestPublishAccepted(t *testing.T) {
	env := startTestServer(t, 0)
	resp, err := DialAndRequest(context.Background(), "tcp", env.addr, publishReq("a1", "order.created", `{"id":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeOK) || resp.Publish == nil || !resp.Publish.Accepted {
		t.Fatalf("bad response: %+v", resp)
	}
	if resp.RequestId != "a1" || resp.Publish.Topic != "orders" || resp.Publish.Partition == "" {
		t.Fatalf("unexpected publish response: %+v", resp.Publish)
	}
	if env.store.Count("orders") != 1 {
		t.Fatalf("expected one stored entry, got %d", env.store.Count("orders"))
	}
}

func TestPublishUnknownEventTypeIsNotFound(t *testing.T) {
	env := startTestServer(t, 0)
	resp, err := DialAndRequest(context.Background(), "tcp", env.addr, publishReq("n1", "does-not-exist", `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeNotFound) {
		t.Fatalf("expected not found, got %+v", resp)
	}
	if resp.ErrorMessage != "EventType 'does-not-exist' does not exist." {
		t.Fatalf("unexpected message %q", resp.ErrorMessage)
	}
}

func TestPublishStorageFailureIsGeneric(t *testing.T) {
	env := startTestServer(t, 0)
	env.store.FailWith(errors.New("segment 42 corrupted"))
	resp, err := DialAndRequest(context.Background(), "tcp", env.addr, publishReq("f1", "order.created", `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeInternal) || resp.ErrorMessage != "Internal Server Error" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	resp, err = DialAndRequest(context.Background(), "tcp", env.addr, publishReq("f2", "registered-but-without-topic", `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeInternal) {
		t.Fatalf("unbound event type should be internal, got %+v", resp)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	env := startTestServer(t, 0)
	req := publishReq("u1", "order.created", `{}`)
	req.AuthToken = "wrong"
	resp, err := DialAndRequest(context.Background(), "tcp", env.addr, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %+v", resp)
	}
	if env.store.Count("orders") != 0 {
		t.Fatal("unauthenticated publish must not append")
	}
}

func TestResolveEventTypeAndHealth(t *testing.T) {
	env := startTestServer(t, 0)
	ctx := context.Background()
	resp, err := DialAndRequest(ctx, "tcp", env.addr, &SocketRequest{RequestId: "r1", AuthToken: "secret", Operation: int32(OperationResolveEventType), Resolve: &EventTypeQuery{Name: "order.created"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.EventType == nil || !resp.EventType.Found || resp.EventType.Topic != "orders" {
		t.Fatalf("unexpected resolve: %+v", resp.EventType)
	}

	resp, err = DialAndRequest(ctx, "tcp", env.addr, &SocketRequest{RequestId: "r2", AuthToken: "secret", Operation: int32(OperationResolveEventType), Resolve: &EventTypeQuery{Name: "nope"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.EventType == nil || resp.EventType.Found {
		t.Fatalf("unexpected resolve: %+v", resp.EventType)
	}

	resp, err = DialAndRequest(ctx, "tcp", env.addr, &SocketRequest{RequestId: "h1", AuthToken: "secret", Operation: int32(OperationHealth)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Health == nil || !resp.Health.Ok {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestPublishWaitsForStorage(t *testing.T) {
	env := startTestServer(t, 30*time.Millisecond)
	start := time.Now()
	resp, err := DialAndRequest(context.Background(), "tcp", env.addr, publishReq("s1", "order.created", `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeOK) {
		t.Fatalf("bad response: %+v", resp)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("expected append wait, got %v", time.Since(start))
	}
}

func TestConcurrentLoad(t *testing.T) {
	env := startTestServer(t, 0)

	const clients = 20
	const perClient = 40
	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				id := fmt.Sprintf("%d-%d", c, j)
				resp, err := DialAndRequest(context.Background(), "tcp", env.addr, publishReq(id, "order.created", fmt.Sprintf(`{"id":%q}`, id)))
				if err != nil {
					errCh <- err
					return
				}
				if resp.ErrorCode != int32(ErrorCodeOK) {
					errCh <- fmt.Errorf("code=%d", resp.ErrorCode)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	if got := env.store.Count("orders"); got != clients*perClient {
		t.Fatalf("expected %d entries, got %d", clients*perClient, got)
	}
}

func TestClientDisconnectDuringSlowAppend(t *testing.T) {
	env := startTestServer(t, 100*time.Millisecond)
	conn, err := net.Dial("tcp", env.addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteMessage(conn, publishReq("gone-1", "order.created", `{"id":1}`)); err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()

	// the worker finishes the append after the client left and must drop
	// the response instead of bringing the server down
	deadline := time.Now().Add(2 * time.Second)
	for env.store.Count("orders") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if env.store.Count("orders") != 1 {
		t.Fatalf("expected the read publish to be appended, got %d", env.store.Count("orders"))
	}
	time.Sleep(50 * time.Millisecond)

	resp, err := DialAndRequest(context.Background(), "tcp", env.addr, &SocketRequest{RequestId: "p1", AuthToken: "secret", Operation: int32(OperationPing), Ping: &PingRequest{}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeOK) {
		t.Fatalf("server unhealthy after disconnect: %+v", resp)
	}
}

func TestCloseWithIdleConnection(t *testing.T) {
	env := startTestServer(t, 0)
	conn, err := net.Dial("tcp", env.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() { _ = env.srv.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an idle client connection")
	}
}
