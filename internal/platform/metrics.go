package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const metricsServiceName = "metrics-http"

// MetricsServer exposes a metrics handler over HTTP as a support module.
// The listener is bound in Start so address errors surface immediately;
// later serve failures are restarted by the supervisor.
type MetricsServer struct {
	Addr    string
	Handler http.Handler
	Logger  *slog.Logger
	Policy  SupervisorPolicy

	mu         sync.Mutex
	supervisor *Supervisor
	addr       net.Addr
}

func NewMetricsServer(addr string, handler http.Handler, logger *slog.Logger) *MetricsServer {
	return &MetricsServer{Addr: addr, Handler: handler, Logger: logger}
}

func (m *MetricsServer) Name() string {
	return "metrics"
}

func (m *MetricsServer) Start(_ context.Context) error {
	if m.Handler == nil {
		return fmt.Errorf("metrics handler is required")
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", m.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.Addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler)

	sup := NewSupervisor(m.Policy, SupervisorHooks{}, logger)
	first := ln
	bound := ln.Addr().String()
	loop := func(ctx context.Context) error {
		listener := first
		first = nil
		if listener == nil {
			var err error
			if listener, err = net.Listen("tcp", bound); err != nil {
				return err
			}
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		stop := context.AfterFunc(ctx, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
		defer stop()
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	if err := sup.Start(metricsServiceName, RestartTransient, loop); err != nil {
		_ = ln.Close()
		return err
	}

	m.mu.Lock()
	m.supervisor = sup
	m.addr = ln.Addr()
	m.mu.Unlock()
	logger.Info("metrics endpoint listening", "addr", bound)
	return nil
}

func (m *MetricsServer) Stop(_ context.Context) error {
	m.mu.Lock()
	sup := m.supervisor
	m.supervisor = nil
	m.mu.Unlock()
	if sup != nil {
		sup.StopAll()
	}
	return nil
}

// ListenAddr is the bound address, useful when Addr asked for port 0.
func (m *MetricsServer) ListenAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addr == nil {
		return ""
	}
	return m.addr.String()
}
