package strategy

import (
	"time"

	"hl-unit-keeper/internal/unit"

	"go.uber.org/zap"
)

// DefaultRecreateAfter is the unit age at which recreation fires.
const DefaultRecreateAfter = time.Hour

// Recreator starts a close-and-recreate of asset without blocking. It must
// refuse (return an error) when the asset already has an action in flight;
// done runs once the backend call completes.
type Recreator interface {
	Recreate(asset string, size, leverage float64, done func(error)) error
}

// Scheduler fires recreation for units older than the threshold. It holds
// no state of its own: eligibility comes from the unit age and the shared
// lifecycle, and the recreator's acquire is the single point of
// check-and-set.
type Scheduler struct {
	threshold   time.Duration
	lifecycle   *Lifecycle
	recreator   Recreator
	onRecreated func(asset string)
	now         func() time.Time
	log         *zap.Logger
}

// NewScheduler builds a scheduler. onRecreated runs after a successful
// recreation and should restart the unit's age timer.
func NewScheduler(threshold time.Duration, lifecycle *Lifecycle, recreator Recreator, onRecreated func(string), now func() time.Time, log *zap.Logger) *Scheduler {
	if threshold <= 0 {
		threshold = DefaultRecreateAfter
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		threshold:   threshold,
		lifecycle:   lifecycle,
		recreator:   recreator,
		onRecreated: onRecreated,
		now:         now,
		log:         log,
	}
}

// Due reports whether u has reached the recreation threshold.
func (s *Scheduler) Due(u unit.Unit) bool {
	return !u.CreatedAt.IsZero() && u.Age(s.now()) >= s.threshold
}

// Evaluate fires recreation for every due unit whose asset is Open and
// returns the assets it started.
func (s *Scheduler) Evaluate(units []unit.Unit) []string {
	var fired []string
	for _, u := range units {
		if !s.Due(u) {
			continue
		}
		if s.lifecycle != nil && s.lifecycle.State(u.Asset).Busy() {
			continue
		}
		if u.Size <= 0 || u.Leverage <= 0 {
			s.log.Warn("unit due for recreation has no size or leverage", zap.String("asset", u.Asset))
			continue
		}
		asset := u.Asset
		err := s.recreator.Recreate(asset, u.Size, u.Leverage, func(err error) {
			if err != nil {
				s.log.Warn("unit recreation failed", zap.String("asset", asset), zap.Error(err))
				return
			}
			s.log.Info("unit recreated", zap.String("asset", asset))
			if s.onRecreated != nil {
				s.onRecreated(asset)
			}
		})
		if err != nil {
			s.log.Debug("unit recreation skipped", zap.String("asset", asset), zap.Error(err))
			continue
		}
		s.log.Info("unit recreation started",
			zap.String("asset", asset),
			zap.Duration("age", u.Age(s.now())),
			zap.Float64("size", u.Size),
			zap.Float64("leverage", u.Leverage),
		)
		fired = append(fired, asset)
	}
	return fired
}
