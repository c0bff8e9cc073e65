package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"sketchroom/internal/service"
	"sketchroom/internal/store"
)

// Sweeper 按固定间隔驱动 LifecycleService：清理与诊断各自独立计时，
// 同时订阅存储侧的房间过期通知。
type Sweeper struct {
	lifecycle           *service.LifecycleService
	store               *store.Adapter
	sweepInterval       time.Duration
	diagnosticsInterval time.Duration
	log                 *logrus.Entry
}

// NewSweeper 创建 Sweeper
func NewSweeper(lifecycle *service.LifecycleService, st *store.Adapter, sweepInterval, diagnosticsInterval time.Duration) *Sweeper {
	if lifecycle == nil || st == nil {
		panic("LifecycleService and store adapter cannot be nil for Sweeper")
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if diagnosticsInterval <= 0 {
		diagnosticsInterval = 5 * time.Minute
	}
	return &Sweeper{
		lifecycle:           lifecycle,
		store:               st,
		sweepInterval:       sweepInterval,
		diagnosticsInterval: diagnosticsInterval,
		log:                 logrus.WithField("component", "sweeper"),
	}
}

// Run 阻塞运行直到 ctx 结束
func (s *Sweeper) Run(ctx context.Context) {
	s.log.WithFields(logrus.Fields{
		"sweep_interval":       s.sweepInterval,
		"diagnostics_interval": s.diagnosticsInterval,
	}).Info("Sweeper started")

	go s.store.WatchExpired(ctx, func(code string) {
		s.lifecycle.HandleExpired(ctx, code)
	})

	sweepTicker := time.NewTicker(s.sweepInterval)
	diagTicker := time.NewTicker(s.diagnosticsInterval)
	defer sweepTicker.Stop()
	defer diagTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sweeper stopped")
			return
		case <-sweepTicker.C:
			s.lifecycle.Sweep(ctx)
		case <-diagTicker.C:
			s.lifecycle.Diagnostics()
		}
	}
}
