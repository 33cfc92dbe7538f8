package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"

	"github.com/actormesh/core/config"
	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/client"
	"github.com/actormesh/core/internal/cluster"
	"github.com/actormesh/core/internal/gateway"
	"github.com/actormesh/core/internal/gateway/middleware"
	"github.com/actormesh/core/internal/httpmux"
	"github.com/actormesh/core/internal/server"
	"github.com/actormesh/core/pkg/metrics"
	"github.com/actormesh/core/pkg/principal"
	"github.com/actormesh/core/pkg/serviceregistry"
	"github.com/actormesh/core/pkg/transport"
	"github.com/actormesh/core/pkg/transport/grpcbind"
	"github.com/actormesh/core/pkg/transport/wsbind"
)

// NewApp wires every core subsystem into an fx.App, mirroring the
// teacher's cmd/fx.go NewApp(cfg) shape (fx.Provide for constructors,
// fx.Invoke for the lifecycle hooks that actually start the process).
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideMetrics,
			ProvideTracerProvider,
			ProvideBoundTransport,
			ProvideActorSystem,
			ProvideServer,
			ProvideRateLimiter,
			ProvideGatewayChain,
			ProvideGateway,
			ProvideServiceRegistry,
		),
		fx.Decorate(DecorateWithOTelLog),
		fx.Invoke(
			RunTracerProvider,
			RunTransport,
			RunHTTPMux,
			RunCluster,
		),
	)
}

// ProvideLogger builds the process-wide slog.Logger at the configured
// level, matching the teacher's cmd/fx.go ProvideLogger.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// DecorateWithOTelLog wraps the base logger with an OpenTelemetry log
// bridge, the same "decoration layer" shape as the teacher's Enricher
// fx.Decorate in internal/service/module.go: log records keep flowing to
// stdout via slog's own handler chain while also becoming OTel log
// records for whatever LoggerProvider is globally configured (a no-op
// provider when none is set up, so this is safe with no OTel collector
// present).
func DecorateWithOTelLog(logger *slog.Logger) *slog.Logger {
	bridge := otelslog.NewHandler("actormesh-core")
	return slog.New(multiHandler{logger.Handler(), bridge})
}

// ProvideMetrics builds the shared metrics.Collector every subsystem
// records into.
func ProvideMetrics() *metrics.Collector {
	return metrics.NewCollector()
}

// ProvideTracerProvider builds the process-wide otel SDK TracerProvider
// backing the gateway's tracing middleware (spec §4.6): spans opened by
// middleware.Tracing are created and sampled by the real SDK pipeline
// instead of the no-op global tracer. No exporter is registered here —
// an embedding application attaches one via tp.RegisterSpanProcessor
// before the app starts — matching the teacher's
// practice of composing the SDK at the root without hardcoding a
// particular backend.
func ProvideTracerProvider() *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp
}

// RunTracerProvider flushes and shuts down the TracerProvider on
// fx.App.Stop, so any exporter attached to it drains before the process
// exits.
func RunTracerProvider(lc fx.Lifecycle, tp *sdktrace.TracerProvider, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				log.Warn("cmd: tracer provider shutdown failed", "error", err)
			}
			return nil
		},
	})
}

// ProvideServiceRegistry selects the ServiceRegistry backend (spec §6).
func ProvideServiceRegistry(cfg *config.Config) (serviceregistry.Registry, error) {
	switch cfg.ServiceRegistry.Backend {
	case "consul":
		return serviceregistry.NewConsulFromAddr(cfg.ServiceRegistry.ConsulAddr)
	default:
		return serviceregistry.NewMemory(), nil
	}
}

// boundTransport pairs a Connector with the pre-resolved Listen call the
// chosen binding/TLS combination needs (wsbind splits plaintext/TLS into
// two methods; grpcbind bakes TLS into construction and exposes only
// Listen), so callers downstream never need to type-switch on the
// concrete binding.
type boundTransport struct {
	Connector client.Connector
	listen    func(ctx context.Context, ep transport.Endpoint) error
	endpoint  transport.Endpoint
	ws        *wsbind.Binding // non-nil only for the ws binding, for httpmux's optional /ws mount
}

// ProvideBoundTransport builds the primary transport binding (spec
// §4.3): WebSocket by default, gRPC as the alternate, exercising the
// codec-choice allowance of §6.
func ProvideBoundTransport(cfg *config.Config) (*boundTransport, error) {
	ep := transport.Endpoint{Host: cfg.Transport.Host, Port: cfg.Transport.Port}

	tlsCfg, err := loadTLSConfig(cfg.Transport)
	if err != nil {
		return nil, err
	}

	switch cfg.Transport.Kind {
	case "grpc":
		bind, err := grpcbind.New(tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("cmd: build grpc transport: %w", err)
		}
		return &boundTransport{Connector: bind, listen: bind.Listen, endpoint: ep}, nil
	default:
		bind := wsbind.New(tlsCfg)
		listen := bind.Listen
		if tlsCfg.Enabled {
			listen = func(ctx context.Context, ep transport.Endpoint) error {
				return bind.ListenTLS(ctx, ep, tlsCfg)
			}
		}
		return &boundTransport{Connector: bind, listen: listen, endpoint: ep, ws: bind}, nil
	}
}

func loadTLSConfig(t config.TransportConfig) (transport.TLSConfig, error) {
	if !t.TLSEnabled {
		return transport.TLSConfig{}, nil
	}
	cert, err := os.ReadFile(t.TLSCertFile)
	if err != nil {
		return transport.TLSConfig{}, fmt.Errorf("cmd: read tls cert: %w", err)
	}
	key, err := os.ReadFile(t.TLSKeyFile)
	if err != nil {
		return transport.TLSConfig{}, fmt.Errorf("cmd: read tls key: %w", err)
	}
	return transport.TLSConfig{Enabled: true, CertPEM: cert, KeyPEM: key}, nil
}

// ProvideActorSystem builds the System bound to the primary transport
// for remote dispatch (spec §4.1).
func ProvideActorSystem(bt *boundTransport, mc *metrics.Collector, log *slog.Logger) *actorsystem.System {
	return actorsystem.New(bt.Connector, 0,
		actorsystem.WithMetrics(mc),
		actorsystem.WithLogger(log),
	)
}

// ProvideServer builds the inbound dispatch Server (spec §4.4). No
// dynamic-exposure callback is wired at the composition root: an
// application embedding this module supplies server.WithOnActorRequest
// itself for its own actor types.
func ProvideServer(sys *actorsystem.System, mc *metrics.Collector, log *slog.Logger) *server.Server {
	return server.New(sys, 0,
		server.WithMetrics(mc),
		server.WithLogger(log),
	)
}

// ProvideRateLimiter selects the gateway's rate-limiting algorithm (spec
// §4.6) from config.
func ProvideRateLimiter(cfg *config.Config) middleware.RateLimiter {
	rl := cfg.RateLimit
	switch rl.Algorithm {
	case "slidingWindow":
		return middleware.NewSlidingWindowLimiter(rl.Window, rl.MaxInWindow, rl.IdleTTL)
	default:
		return middleware.NewTokenBucketLimiter(rl.Capacity, rl.RefillPerSecond, rl.IdleTTL)
	}
}

// ProvideGatewayChain composes the five built-in middlewares in the
// order spec §4.6 lists them: authentication, authorization, rate
// limiting, validation, tracing (outermost first means the earliest
// check runs first, so an unauthenticated or unauthorized request never
// reaches the rate limiter's bookkeeping).
func ProvideGatewayChain(rl middleware.RateLimiter, tp *sdktrace.TracerProvider, log *slog.Logger) []gateway.Middleware {
	authProvider := NewStaticAPIKeyProvider(map[string]*principal.Principal{
		"demo-key": principal.New("demo-user", principal.TypeUser, []string{"user"}),
	})
	authzPolicy := NewAllowAllPolicy()

	return []gateway.Middleware{
		middleware.Authentication(authProvider),
		middleware.Authorization(authzPolicy),
		middleware.RateLimit(rl),
		middleware.Validate(middleware.DefaultLimits),
		middleware.Tracing(
			middleware.WithTracer(tp.Tracer("github.com/actormesh/core/gateway")),
			middleware.WithTracingLogger(log),
		),
	}
}

// ProvideGateway builds the Gateway hosting untrusted traffic in front
// of srv (spec §4.6).
func ProvideGateway(srv *server.Server, stages []gateway.Middleware, mc *metrics.Collector, log *slog.Logger) *gateway.Gateway {
	return gateway.New(srv, stages, gateway.WithMetrics(mc), gateway.WithLogger(log))
}

// RunTransport starts the bound transport's listener and its inbound
// consumer loop for the gateway's lifetime, and tears both down on
// fx.App.Stop — the same OnStart/OnStop goroutine shape the teacher's
// NewWatermillRouter uses for the AMQP router.
func RunTransport(lc fx.Lifecycle, bt *boundTransport, gw *gateway.Gateway, log *slog.Logger) {
	consumerCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := bt.listen(ctx, bt.endpoint); err != nil {
				return fmt.Errorf("cmd: listen: %w", err)
			}
			go func() {
				for msg := range bt.Connector.Incoming() {
					gw.Handle(consumerCtx, msg)
				}
			}()
			log.Info("transport listening", "host", bt.endpoint.Host, "port", bt.endpoint.Port)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return bt.Connector.Shutdown(ctx)
		},
	})
}

// RunHTTPMux starts the health/metrics (and, for the WS binding,
// upgrade-route) HTTP surface (internal/httpmux).
func RunHTTPMux(lc fx.Lifecycle, cfg *config.Config, sys *actorsystem.System, bt *boundTransport, mc *metrics.Collector, log *slog.Logger) {
	opts := []httpmux.Option{httpmux.WithMetrics(mc)}
	if bt.ws != nil {
		opts = append(opts, httpmux.WithWebSocketUpgrade(bt.ws))
	}
	mux := httpmux.New(sys, opts...)

	srv := newHTTPServer(fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port), mux)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil {
					log.Warn("httpmux: server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// RunCluster wires the cross-node exposed-name fanout (internal/cluster)
// when enabled, starting its router for the app's lifetime.
func RunCluster(lc fx.Lifecycle, cfg *config.Config, srv *server.Server, log *slog.Logger) error {
	if !cfg.Cluster.Enabled {
		return nil
	}

	var pub message.Publisher
	var sub message.Subscriber
	var err error
	switch cfg.Cluster.Backend {
	case "amqp":
		pub, sub, err = cluster.NewAMQPPubSub(cfg.Cluster.AMQPURI, nodeID(), log)
	default:
		pub, sub = cluster.NewInProcessPubSub(log)
	}
	if err != nil {
		return fmt.Errorf("cmd: build cluster pubsub: %w", err)
	}

	fanout := cluster.New(nodeID(), cfg.Cluster.NodeHost, cfg.Cluster.NodePort, srv.Registry(), pub, cluster.WithLogger(log))
	router, err := cluster.NewRouter(log)
	if err != nil {
		return fmt.Errorf("cmd: build cluster router: %w", err)
	}
	if err := fanout.Register(router, sub); err != nil {
		return fmt.Errorf("cmd: register cluster fanout: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := cluster.Run(context.Background(), router); err != nil {
					log.Error("cluster: router stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return router.Close()
		},
	})
	return nil
}

func nodeID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "node-unknown"
}
