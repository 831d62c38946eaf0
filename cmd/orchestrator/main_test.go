package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/simorchestrator/api"
	"github.com/signalsfoundry/simorchestrator/internal/config"
	"github.com/signalsfoundry/simorchestrator/internal/events"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	return lis
}

func TestServeStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcLis, httpLis := listen(t), listen(t)
	cfg := config.Default()
	cfg.Listen.GRPC = grpcLis.Addr().String()
	cfg.Listen.HTTP = httpLis.Addr().String()
	log := logging.New(logging.Config{Level: "warn", Format: "text"})

	a, err := newApp(cfg, log, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.serve(runCtx, grpcLis, httpLis)
	}()

	httpBase := "http://" + cfg.Listen.HTTP
	waitHealthy(t, ctx, httpBase+"/healthz")

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+cfg.Listen.HTTP+"/events", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer ws.Close()
	for a.hub.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("events subscriber never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	conn, err := grpc.NewClient(cfg.Listen.GRPC, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	registry := api.NewNodeRegistryClient(conn)
	resp, err := registry.RegisterNode(ctx, &api.RegisterNodeRequest{Node: "node-a", Address: "127.0.0.1:1", Capacity: 2})
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if resp.Node != "node-a" {
		t.Fatalf("RegisterNode node = %q, want node-a", resp.Node)
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev events.Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != events.NodeRegistered || ev.Node != "node-a" {
		t.Fatalf("event = %+v, want node_registered for node-a", ev)
	}

	body := get(t, ctx, httpBase+"/metrics")
	if !strings.Contains(body, "RegisterNode") {
		t.Fatalf("/metrics does not mention RegisterNode:\n%s", body)
	}

	stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve returned %v, want nil", err)
		}
	case <-ctx.Done():
		t.Fatalf("serve did not return after cancellation")
	}
}

func waitHealthy(t *testing.T, ctx context.Context, url string) {
	t.Helper()
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		select {
		case <-ctx.Done():
			t.Fatalf("server never became healthy: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func get(t *testing.T, ctx context.Context, url string) string {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return string(data)
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateConfigCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("listen:\n  grpc: \"127.0.0.1:7001\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	out, err := executeRoot(t, "validate-config", "--config", good, "--env-file", "")
	if err != nil {
		t.Fatalf("validate-config: %v", err)
	}
	if !strings.Contains(out, "127.0.0.1:7001") || !strings.Contains(out, "OK") {
		t.Fatalf("output = %q, want listen address and OK", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("nodes:\n  missed_heartbeats: 0\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := executeRoot(t, "validate-config", "--config", bad, "--env-file", ""); err == nil {
		t.Fatalf("validate-config accepted an invalid file")
	}
}
