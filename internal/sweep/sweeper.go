package sweep

import (
	"context"
	"log/slog"
	"time"
)

// 清扫器：脏会话的去抖落盘、过期会话的驱逐、失联连接的关闭。
// 全部独立于变更主链路运行，绝不阻塞 ApplyChange。

// Registry is the slice of the session registry the sweeper drives.
type Registry interface {
	FlushDirty(ctx context.Context) int
	SweepExpired(ctx context.Context, now time.Time) int
}

// ConnectionCloser closes connections past their heartbeat deadline.
type ConnectionCloser interface {
	CloseStale(maxIdle time.Duration) int
}

type Options struct {
	FlushInterval    time.Duration
	SweepInterval    time.Duration
	HeartbeatTimeout time.Duration
}

type Sweeper struct {
	registry Registry
	conns    ConnectionCloser
	opt      Options
	logger   *slog.Logger
}

func New(registry Registry, conns ConnectionCloser, opt Options, logger *slog.Logger) *Sweeper {
	if opt.FlushInterval <= 0 {
		opt.FlushInterval = time.Second
	}
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = time.Hour
	}
	if opt.HeartbeatTimeout <= 0 {
		opt.HeartbeatTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{registry: registry, conns: conns, opt: opt, logger: logger}
}

// Run blocks until ctx is cancelled, then performs one final flush so no
// dirty state is lost on shutdown.
func (s *Sweeper) Run(ctx context.Context) {
	flush := time.NewTicker(s.opt.FlushInterval)
	defer flush.Stop()
	sweep := time.NewTicker(s.opt.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-flush.C:
			if n := s.registry.FlushDirty(ctx); n > 0 {
				s.logger.Debug("flushed dirty sessions", slog.Int("count", n))
			}
		case <-sweep.C:
			now := time.Now()
			if n := s.registry.SweepExpired(ctx, now); n > 0 {
				s.logger.Info("evicted expired sessions", slog.Int("count", n))
			}
			if s.conns != nil {
				if n := s.conns.CloseStale(s.opt.HeartbeatTimeout); n > 0 {
					s.logger.Info("closed stale connections", slog.Int("count", n))
				}
			}
		case <-ctx.Done():
			// 最终落盘：关闭前不丢脏状态
			s.registry.FlushDirty(context.Background())
			return
		}
	}
}
