// Package poolmon observes the health of the storage connection pool
// and recommends sizing changes under load. It is advisory only: it
// reports, and never reconfigures the pool or raises errors to callers.
package poolmon

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one observation of pool, engine, and host state.
type Sample struct {
	Taken time.Time

	// Pool occupancy.
	InUse     int
	Idle      int
	MaxOpen   int
	WaitCount int64

	// Engine statistics, supplied by the stats source when available.
	LongRunningQueries int
	CacheHitRatio      float64 // 0..1; negative when unknown

	// Host resources, percentages 0..100.
	CPUPercent    float64
	MemoryPercent float64
}

// Utilization is checked-out connections over the configured maximum.
func (s *Sample) Utilization() float64 {
	if s.MaxOpen <= 0 {
		return 0
	}
	return float64(s.InUse) / float64(s.MaxOpen)
}

// Recommendation is an advisory pool sizing target.
type Recommendation struct {
	TargetPoolSize int
	TargetOverflow int
	Reason         string
}

// Report is one scored observation, delivered on the monitor's channel.
type Report struct {
	Sample         Sample
	Score          int
	Recommendation *Recommendation
}

// Config controls sampling and the recommendation bounds.
type Config struct {
	Interval time.Duration
	// MaxConnections is the engine's configured connection ceiling used
	// for sizing recommendations.
	MaxConnections int
	// PoolSizeCeiling and OverflowCeiling bound recommendations.
	PoolSizeCeiling int
	OverflowCeiling int
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:        30 * time.Second,
		MaxConnections:  100,
		PoolSizeCeiling: 50,
		OverflowCeiling: 30,
	}
}

// ConfigFromEnv loads monitor config from RECORDSTORE_POOLMON_*
// environment variables.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if v := os.Getenv("RECORDSTORE_POOLMON_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("RECORDSTORE_POOLMON_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnections = n
		}
	}
	return cfg
}

// EngineStats supplies engine-level statistics the sql.DB pool cannot
// see. Implementations may return zero values when the backend does not
// expose them.
type EngineStats interface {
	LongRunningQueries(ctx context.Context) int
	CacheHitRatio(ctx context.Context) float64
}

// Monitor samples on a schedule, scores each sample, and emits reports.
type Monitor struct {
	db      *sql.DB
	engine  EngineStats
	cfg     *Config
	logger  *slog.Logger
	reports chan Report
}

// NewMonitor creates a monitor over the pool behind db. engine may be
// nil when no engine statistics source exists.
func NewMonitor(db *sql.DB, engine EngineStats, cfg *Config, logger *slog.Logger) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		db:      db,
		engine:  engine,
		cfg:     cfg,
		logger:  logger,
		reports: make(chan Report, 8),
	}
}

// Reports returns the channel scored observations are delivered on.
// Reports are dropped, never blocked on, when the consumer lags.
func (m *Monitor) Reports() <-chan Report { return m.reports }

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("pool monitor started", "interval", m.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("pool monitor stopped")
			return
		case <-ticker.C:
			report := m.observe(ctx)
			select {
			case m.reports <- report:
			default:
			}
			if report.Score < 70 {
				m.logger.Warn("connection pool health degraded",
					"score", report.Score,
					"inUse", report.Sample.InUse,
					"maxOpen", report.Sample.MaxOpen,
					"waitCount", report.Sample.WaitCount)
			}
		}
	}
}

func (m *Monitor) observe(ctx context.Context) Report {
	sample := m.takeSample(ctx)
	score := Score(&sample)

	report := Report{Sample: sample, Score: score}
	if score < 70 || sample.WaitCount > 0 {
		rec := m.Recommend(&sample)
		report.Recommendation = &rec
		m.logger.Info("pool sizing recommendation",
			"targetPoolSize", rec.TargetPoolSize,
			"targetOverflow", rec.TargetOverflow,
			"reason", rec.Reason)
	}
	return report
}

func (m *Monitor) takeSample(ctx context.Context) Sample {
	sample := Sample{Taken: time.Now(), CacheHitRatio: -1}

	if m.db != nil {
		stats := m.db.Stats()
		sample.InUse = stats.InUse
		sample.Idle = stats.Idle
		sample.MaxOpen = stats.MaxOpenConnections
		sample.WaitCount = stats.WaitCount
	}

	if m.engine != nil {
		sample.LongRunningQueries = m.engine.LongRunningQueries(ctx)
		sample.CacheHitRatio = m.engine.CacheHitRatio(ctx)
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemoryPercent = vm.UsedPercent
	}

	return sample
}

// Score computes a 0-100 health score by deducting fixed penalties.
func Score(s *Sample) int {
	score := 100

	util := s.Utilization()
	switch {
	case util > 0.8:
		score -= 30
	case util > 0.6:
		score -= 15
	}

	if s.WaitCount > 0 {
		score -= 10
	}
	if s.LongRunningQueries > 0 {
		score -= 15
	}
	if s.CacheHitRatio >= 0 && s.CacheHitRatio < 0.9 {
		score -= 10
	}
	if s.CPUPercent > 85 {
		score -= 15
	}
	if s.MemoryPercent > 90 {
		score -= 15
	}

	if score < 0 {
		score = 0
	}
	return score
}

// Recommend produces an advisory sizing target: pool at 20% of max
// connections and overflow at 30%, bounded by the configured ceilings.
func (m *Monitor) Recommend(s *Sample) Recommendation {
	pool := m.cfg.MaxConnections / 5
	overflow := m.cfg.MaxConnections * 3 / 10

	if pool > m.cfg.PoolSizeCeiling {
		pool = m.cfg.PoolSizeCeiling
	}
	if pool < 1 {
		pool = 1
	}
	if overflow > m.cfg.OverflowCeiling {
		overflow = m.cfg.OverflowCeiling
	}

	reason := "health score degraded"
	if s.WaitCount > 0 {
		reason = "pool exhaustion observed"
	}
	return Recommendation{TargetPoolSize: pool, TargetOverflow: overflow, Reason: reason}
}
