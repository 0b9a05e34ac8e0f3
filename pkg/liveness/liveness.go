package liveness

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren/pkg/controller"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
)

// Config holds the liveness supervisor's timeouts, all process-wide
// config knobs per SPEC_FULL.md §6.
type Config struct {
	ScanInterval           time.Duration
	BuildHeartbeatTimeout  time.Duration
	WorkerOfflineTimeout   time.Duration
}

// store is the narrow view the supervisor needs (two listings and the two
// reap operations); satisfied by *controller.Controller.
type store interface {
	ListActiveBuilds() ([]*types.Build, error)
	ListWorkers() ([]*types.Worker, error)
	ReapStuckBuild(buildID string) (*types.Build, error)
	ReapOfflineWorker(workerID string) (*types.Worker, int, error)
}

// Supervisor is the resident liveness task.
type Supervisor struct {
	cfg    Config
	ctl    store
	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates a Supervisor bound to ctl's reap operations.
func New(cfg Config, ctl *controller.Controller) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		ctl:    ctl,
		logger: log.WithComponent("liveness"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the scan loop in a background goroutine.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop signals the scan loop to exit. It does not block for the current
// cycle to finish.
func (s *Supervisor) Stop() {
	close(s.stopCh)
}

func (s *Supervisor) run() {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.ScanInterval).Msg("liveness supervisor started")

	for {
		select {
		case <-ticker.C:
			s.scan()
		case <-s.stopCh:
			s.logger.Info().Msg("liveness supervisor stopped")
			return
		}
	}
}

// scan performs one liveness cycle: stuck builds first, then offline
// workers, so a build timeout is not double-counted as part of its
// worker's offline reassignment.
func (s *Supervisor) scan() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.LivenessScanDuration)
		metrics.LivenessScanCyclesTotal.Inc()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.scanStuckBuilds()
	s.scanOfflineWorkers()
}

func (s *Supervisor) scanStuckBuilds() {
	builds, err := s.ctl.ListActiveBuilds()
	if err != nil {
		s.logger.Error().Err(err).Msg("list active builds")
		return
	}

	now := time.Now().UTC()
	for _, b := range builds {
		if !s.isStuck(b, now) {
			continue
		}
		if _, err := s.ctl.ReapStuckBuild(b.ID); err != nil {
			s.logger.Error().Err(err).Str("build_id", b.ID).Msg("reap stuck build")
			continue
		}
		metrics.BuildsReapedTotal.Inc()
		s.logger.Warn().Str("build_id", b.ID).Str("worker_id", b.WorkerID).
			Msg("build marked failed: no heartbeat / timeout")
	}
}

func (s *Supervisor) isStuck(b *types.Build, now time.Time) bool {
	if b.LastHeartbeatAt != nil {
		return now.Sub(*b.LastHeartbeatAt) > s.cfg.BuildHeartbeatTimeout
	}
	if b.AssignedAt != nil {
		return now.Sub(*b.AssignedAt) > s.cfg.BuildHeartbeatTimeout
	}
	return false
}

func (s *Supervisor) scanOfflineWorkers() {
	workers, err := s.ctl.ListWorkers()
	if err != nil {
		s.logger.Error().Err(err).Msg("list workers")
		return
	}

	now := time.Now().UTC()
	for _, w := range workers {
		if w.Status == types.WorkerStatusOffline {
			continue
		}
		if now.Sub(w.LastSeenAt) <= s.cfg.WorkerOfflineTimeout {
			continue
		}
		_, reassigned, err := s.ctl.ReapOfflineWorker(w.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("worker_id", w.ID).Msg("reap offline worker")
			continue
		}
		metrics.WorkersMarkedOfflineTotal.Inc()
		s.logger.Warn().Str("worker_id", w.ID).Int("builds_reassigned", reassigned).
			Msg("worker marked offline")
	}
}
