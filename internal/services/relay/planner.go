package relay

import "time"

// PlannerConfig: ступени backoff для повторной доставки и предел попыток.
type PlannerConfig struct {
	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes

	MaxAttempts int32 // default: 12
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Backoff1:    5 * time.Minute,
		Backoff2:    15 * time.Minute,
		Backoff3:    30 * time.Minute,
		Backoff4:    60 * time.Minute,
		MaxAttempts: 12,
	}
}

type Planner struct {
	cfg PlannerConfig
}

func NewPlanner(cfg PlannerConfig) *Planner {
	def := DefaultPlannerConfig()
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Planner{cfg: cfg}
}

// BackoffDelay: задержка перед попыткой номер nextAttempt (считая с 1).
func (p *Planner) BackoffDelay(nextAttempt int32) time.Duration {
	switch {
	case nextAttempt <= 1:
		return p.cfg.Backoff1
	case nextAttempt == 2:
		return p.cfg.Backoff2
	case nextAttempt == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}

// Exhausted: после attempts неудачных попыток строку пора хоронить.
func (p *Planner) Exhausted(attempts int32) bool {
	return attempts >= p.cfg.MaxAttempts
}
