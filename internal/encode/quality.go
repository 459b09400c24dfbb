package encode

import "github.com/zsiec/dualcast/internal/config"

// Signal is an optional network-quality measurement in [0,1]. The zero
// value means no measurement is available.
type Signal struct {
	Value float64
	Valid bool
}

// SignalOf wraps a measured value as a valid Signal.
func SignalOf(v float64) Signal {
	return Signal{Value: v, Valid: true}
}

// Policy derives an encoder quality from an optional network-quality signal.
// Without a signal the static quality is used; with one, the signal selects
// one of three tiers. The result is always clamped to [Min, Max].
type Policy struct {
	Static int
	Min    int
	Max    int
	Tiers  config.Tiers
}

// NewPolicy builds a Policy from the session configuration.
func NewPolicy(cfg config.Config) Policy {
	return Policy{
		Static: cfg.Quality,
		Min:    cfg.QualityMin,
		Max:    cfg.QualityMax,
		Tiers:  cfg.Tiers,
	}
}

// Quality returns the encoder quality for sig.
func (p Policy) Quality(sig Signal) int {
	if !sig.Valid {
		return p.clamp(p.Static)
	}
	switch {
	case sig.Value < p.Tiers.LowBelow:
		return p.clamp(p.Tiers.Low)
	case sig.Value < p.Tiers.MediumBelow:
		return p.clamp(p.Tiers.Medium)
	default:
		return p.clamp(p.Tiers.High)
	}
}

func (p Policy) clamp(q int) int {
	lo, hi := p.Min, p.Max
	if lo <= 0 {
		lo = config.MinQuality
	}
	if hi <= 0 || hi > config.MaxQuality {
		hi = config.MaxQuality
	}
	return min(max(q, lo), hi)
}
