// Command brokerd runs the MQTT broker: a TCP accept loop, a WebSocket
// accept loop, a pool of workers draining the coordinator's job queue,
// and a golang-io/requests-backed /metrics endpoint, wired together the
// way the teacher's cmd/mqtt-server wires its listeners with an errgroup.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/SquattingSocrates/m-cutie-tea/internal/config"
	"github.com/SquattingSocrates/m-cutie-tea/internal/coordinator"
	"github.com/SquattingSocrates/m-cutie-tea/internal/metrics"
	"github.com/SquattingSocrates/m-cutie-tea/internal/session"
	"github.com/SquattingSocrates/m-cutie-tea/internal/wal"
	"github.com/SquattingSocrates/m-cutie-tea/internal/worker"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("brokerd: exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	walHandle, err := wal.Open(cfg.WALPath)
	if err != nil {
		return err
	}
	defer walHandle.Close()

	sink := metrics.New()
	if err := sink.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	coord, err := coordinator.New(walHandle, sink)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return coord.Run(ctx) })

	for i := 0; i < cfg.WorkerCount; i++ {
		id := i
		w := worker.New(id, coord, sink)
		group.Go(func() error { return w.Run(ctx) })
	}

	group.Go(func() error { return serveMQTT(ctx, cfg.MQTTAddr, coord, sink) })
	group.Go(func() error { return serveWebsocket(ctx, cfg.WebsocketAddr, coord, sink) })
	group.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr) })

	return group.Wait()
}

func serveMQTT(ctx context.Context, addr string, coord *coordinator.Coordinator, sink *metrics.Sink) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	logrus.WithField("addr", addr).Info("brokerd: mqtt listening")

	for {
		rwc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		sess := session.New(rwc, coord, sink)
		go sess.Serve(ctx)
	}
}

// serveWebsocket accepts MQTT-over-WebSocket connections the same way the
// teacher's server.go wires its WebsocketHandler: each accepted *websocket.Conn
// satisfies net.Conn and is handed to a session exactly like a raw TCP accept.
func serveWebsocket(ctx context.Context, addr string, coord *coordinator.Coordinator, sink *metrics.Sink) error {
	handler := websocket.Handler(func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		sess := session.New(ws, coord, sink)
		sess.Serve(ctx)
	})

	mux := http.NewServeMux()
	mux.Handle("/mqtt", handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logrus.WithField("addr", addr).Info("brokerd: websocket listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := requests.NewServeMux(requests.URL(addr), requests.Logf(func(ctx context.Context, stat *requests.Stat) {
		logrus.WithField("stat", stat.Print()).Debug("brokerd: metrics request")
	}))
	mux.Route("/metrics", promhttp.Handler())
	mux.Pprof()

	srv := requests.NewServer(ctx, mux, requests.OnStart(func(s *http.Server) {
		logrus.WithField("addr", s.Addr).Info("brokerd: metrics listening")
	}))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
