// Command gateway is the Luna Gateway entry point: it wires the store, bus,
// registry, dispatcher, sidecar, TCP listener, and ambient HTTP surface
// together and runs them until an interrupt signal or fatal subsystem error.
// Grounded on teacher main.go's banner → sequential-init → goroutine-per-
// server → signal-based graceful shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"luna-gateway/config"
	"luna-gateway/internal/bus"
	"luna-gateway/internal/codec"
	"luna-gateway/internal/dispatcher"
	"luna-gateway/internal/gateway"
	"luna-gateway/internal/httpapi"
	"luna-gateway/internal/registry"
	"luna-gateway/internal/sidecar"
	"luna-gateway/internal/store"
	"luna-gateway/pkg/colors"
)

func main() {
	colors.PrintBanner()

	if err := godotenv.Load(); err != nil {
		colors.PrintWarning("No .env file found, using system environment variables")
	} else {
		colors.PrintSuccess("Environment configuration loaded from .env file")
	}

	logger := newLogger()

	// --- store ---
	dbCfg := config.GetDatabaseConfig()
	colors.PrintInfo("Connecting to spatial store at %s:%s/%s...", dbCfg.Host, dbCfg.Port, dbCfg.DBName)
	st, err := store.New(dbCfg.GetDSN(), logger)
	if err != nil {
		colors.PrintError("Failed to connect to store: %v", err)
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()
	colors.PrintSuccess("Spatial store connected")

	// --- bus ---
	busCfg := config.GetBusConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	colors.PrintInfo("Dialing message broker...")
	b, err := bus.Dial(ctx, busCfg.URL, logger.WithField("component", "bus"))
	if err != nil {
		colors.PrintError("Failed to connect to broker: %v", err)
		log.Fatalf("bus dial failed: %v", err)
	}
	defer b.Close()
	colors.PrintSuccess("Message broker connected, queues declared")

	// --- registry ---
	reg := registry.New(st, logger.WithField("component", "registry"))

	// --- dispatcher ---
	composite := codec.NewComposite()
	disp := dispatcher.New(b, reg, st, composite, logger.WithField("component", "dispatcher"))

	// --- sidecar ---
	side := sidecar.New(b, logger.WithField("component", "sidecar"))

	// --- TCP listener ---
	tcpCfg := config.GetTCPConfig()
	factory := gateway.NewCompositeSessionFactory(composite, reg, st, b, disp, logger.WithField("component", "session"))
	listener := gateway.New(tcpCfg.Host, tcpCfg.Port, factory, logger.WithField("component", "gateway"))

	// --- ambient HTTP surface ---
	httpCfg := config.GetHTTPConfig()
	httpSrv := httpapi.New(httpCfg.Host, httpCfg.Port, reg, logger.WithField("component", "httpapi"))

	colors.PrintHeader("LUNA GATEWAY INITIALIZATION")
	colors.PrintServer("tcp", "Device listen surface on %s:%d", tcpCfg.Host, tcpCfg.Port)
	colors.PrintServer("http", "Ambient HTTP surface on %s:%d", httpCfg.Host, httpCfg.Port)
	colors.PrintEndpoint("GET", "/healthz", "Liveness + active session count")
	colors.PrintEndpoint("GET", "/metrics", "Prometheus exposition")
	colors.PrintEndpoint("GET", "/ws", "Live dashboard event fan-out")

	colors.PrintSubHeader("Configuration")
	colors.PrintStats("log level", logger.Logger.GetLevel())
	colors.PrintStats("QUEUE_MAX_LENGTH (not applied; queues use 10000)", busCfg.MaxQueueLen)
	colors.PrintStats("db sslmode", dbCfg.SSLMode)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- fmtErr(name, err)
			}
		}()
	}

	run("registry sweeps", func() error { reg.RunSweeps(ctx); return nil })
	run("dispatcher", func() error { return disp.Run(ctx) })
	run("sidecar", func() error { return side.Run(ctx) })
	run("tcp listener", func() error { return listener.Run(ctx) })
	run("http api", func() error { return httpSrv.Run(ctx) })
	run("dashboard fan-out (tracker_messages)", func() error {
		return b.Consume(ctx, bus.QueueTrackerMessages, dashboardForwarder(httpSrv, logger))
	})
	run("dashboard fan-out (device_alerts)", func() error {
		return b.Consume(ctx, bus.QueueDeviceAlerts, dashboardForwarder(httpSrv, logger))
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		colors.PrintError("Subsystem error: %v", err)
	case <-quit:
		colors.PrintShutdown()
	}

	cancel()
	listener.Shutdown()
	wg.Wait()
	colors.PrintSuccess("Luna Gateway shutdown complete")
}

// dashboardForwarder decodes an already-published event and re-broadcasts
// it to every connected /ws client. This consumer is separate from
// internal/dispatcher's device_commands consumer — it reads the *outbound*
// event queues a session already published to, purely for live dashboard
// fan-out, and always acks since a malformed or unbroadcastable message has
// no retry path that would help.
func dashboardForwarder(httpSrv *httpapi.Server, log *logrus.Entry) func(amqp.Delivery) {
	return func(d amqp.Delivery) {
		var msg bus.EventMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			log.WithError(err).Warn("dropping unparseable dashboard event")
			_ = d.Ack(false)
			return
		}
		httpSrv.BroadcastEvent(msg)
		_ = d.Ack(false)
	}
}

func newLogger() *logrus.Entry {
	logger := logrus.New()
	level, err := logrus.ParseLevel(config.LogLevel())
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logrus.NewEntry(logger)
}

func fmtErr(name string, err error) error {
	return &subsystemError{name: name, err: err}
}

type subsystemError struct {
	name string
	err  error
}

func (e *subsystemError) Error() string { return e.name + ": " + e.err.Error() }
func (e *subsystemError) Unwrap() error { return e.err }
