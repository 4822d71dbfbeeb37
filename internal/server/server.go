// Package server 提供 gRPC health 服務
//
// 控制器執行中時回報 SERVING，停止或關閉中回報 NOT_SERVING。
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName health 查詢用的服務名稱
const ServiceName = "beaver.sync.JobEngine"

// DefaultWatchInterval 狀態輪詢間隔
const DefaultWatchInterval = time.Second

// StatusSource 回報引擎是否在執行
type StatusSource interface {
	Running() bool
}

// StatusFunc 函數適配器
type StatusFunc func() bool

// Running implements StatusSource.
func (f StatusFunc) Running() bool { return f() }

// Server gRPC 伺服器
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// New 建立伺服器並註冊 health 與 reflection
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		health: health.NewServer(),
		logger: logger.With("component", "grpc"),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.SetServing(false)
	return s
}

// SetServing 同時更新整體與 ServiceName 的狀態
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Watch 定期把 src 的狀態同步到 health，ctx 結束時回報 NOT_SERVING
func (s *Server) Watch(ctx context.Context, src StatusSource, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := src.Running()
	s.SetServing(last)
	for {
		select {
		case <-ctx.Done():
			s.SetServing(false)
			return
		case <-ticker.C:
			if now := src.Running(); now != last {
				s.logger.Info("Serving status changed", "serving", now)
				s.SetServing(now)
				last = now
			}
		}
	}
}

// Serve 在 lis 上提供服務，ctx 取消時優雅停止
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("gRPC call", "method", info.FullMethod, "latency", time.Since(start), "error", err)
	return resp, err
}
