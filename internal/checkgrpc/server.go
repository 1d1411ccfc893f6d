package checkgrpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

const DefaultPort = 9090

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncGRPCRequest(method, code string)
}

type Options struct {
	Logger  log.Logger
	Checker Checker
	Metrics Metrics
	Port    int

	// OnPanic is called after a recovered handler panic is logged
	OnPanic func()

	// DisableTracing skips the otelgrpc stats handler
	DisableTracing bool
}

// Server wraps a grpc.Server with the check and health services registered.
type Server struct {
	logger log.Logger
	grpc   *grpc.Server
	health *health.Server
}

func New(opts Options) (*Server, error) {
	if opts.Checker == nil {
		return nil, xerrors.New("checkgrpc: checker is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	sopts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			metricsInterceptor(opts.Metrics),
			recoverInterceptor(opts.Logger, opts.OnPanic),
		),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
		}),
	}
	if !opts.DisableTracing {
		sopts = append(sopts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	gs := grpc.NewServer(sopts...)
	gs.RegisterService(&ServiceDesc, &service{checker: opts.Checker})

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{logger: opts.Logger, grpc: gs, health: hs}, nil
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return xerrors.Wrap(err, "grpc serve")
	}
	return nil
}

// Stop marks the server NOT_SERVING, then drains in-flight calls until ctx
// is done and forces the rest closed.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
}

// Start listens on opts.Port and serves in the background.
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	srv, err := New(opts)
	if err != nil {
		return nil, err
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for grpc on addr=%v", addr)
	}

	go func() {
		srv.logger.Info(ctx, "grpc server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil {
			srv.logger.Error(ctx, err, "grpc server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) error {
		once.Do(func() {
			srv.logger.Info(sctx, "grpc server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			srv.Stop(c)
		})
		return nil
	}
	return stop, nil
}

func recoverInterceptor(l log.Logger, onPanic func()) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				l.With("method", info.FullMethod).Error(ctx, xerrors.Newf("panic: %v", r), "grpc panic recovered")
				if onPanic != nil {
					onPanic()
				}
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func metricsInterceptor(m Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if m != nil {
			m.IncGRPCRequest(info.FullMethod, status.Code(err).String())
		}
		return resp, err
	}
}
