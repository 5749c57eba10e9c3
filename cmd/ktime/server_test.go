package main

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/engine"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/rules"
)

type idleEngine struct{}

func (idleEngine) Status() *engine.Status                           { return nil }
func (idleEngine) Category(string) (*policy.CategoryHandling, bool) { return nil, false }
func (idleEngine) SetSlowLoop(bool)                                 {}
func (idleEngine) SlowLoop() bool                                   { return false }
func (idleEngine) SetPaused(bool)                                   {}
func (idleEngine) Paused() bool                                     { return false }

func noReload(context.Context) (rules.Result, error) { return rules.Result{}, nil }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStartServersReleasesMetricsWhenAdminFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	metricsPort := freePort(t)
	cfg := config.ServerConfig{
		BindAddress:  "127.0.0.1",
		MetricsPort:  metricsPort,
		AdminPort:    busy.Addr().(*net.TCPAddr).Port,
		AdminEnabled: true,
	}

	metricsServer, adminServer, err := startServers(cfg, nil, nil, idleEngine{}, noReload, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error when the admin port is in use")
	}
	if metricsServer != nil || adminServer != nil {
		t.Error("Expected no servers to be returned on failure")
	}

	// The metrics port must be free again.
	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.BindAddress, strconv.Itoa(metricsPort)))
	if err != nil {
		t.Fatalf("Expected metrics port to be released, got %v", err)
	}
	ln.Close()
}

func TestStartServersWithoutAdmin(t *testing.T) {
	cfg := config.ServerConfig{BindAddress: "127.0.0.1", MetricsPort: freePort(t)}

	metricsServer, adminServer, err := startServers(cfg, nil, nil, idleEngine{}, noReload, zerolog.Nop())
	if err != nil {
		t.Fatalf("startServers() error = %v", err)
	}
	defer metricsServer.Stop()

	if adminServer != nil {
		t.Error("Expected no admin server when it is disabled")
	}
	if metricsServer.Addr() == nil {
		t.Error("Expected the metrics server to be bound")
	}
}

func TestBackgroundStopsOnEarlyReturn(t *testing.T) {
	var flushed atomic.Bool

	start := func() error {
		bg := newBackground()
		defer bg.Stop()
		bg.Go(func(ctx context.Context) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			flushed.Store(true)
		})
		return errors.New("admin server failed")
	}

	if err := start(); err == nil {
		t.Fatal("expected the startup error to be returned")
	}
	if !flushed.Load() {
		t.Error("Expected the loop to have stopped before returning")
	}
}

func TestBackgroundStopIsRepeatable(t *testing.T) {
	bg := newBackground()
	var runs atomic.Int32
	for i := 0; i < 2; i++ {
		bg.Go(func(ctx context.Context) {
			<-ctx.Done()
			runs.Add(1)
		})
	}

	bg.Stop()
	bg.Stop()

	if got := runs.Load(); got != 2 {
		t.Errorf("Expected 2 stopped goroutines, got %d", got)
	}
}
