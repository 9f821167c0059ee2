package control

import "time"

// Decision is the desired actuator state.
type Decision struct {
	Peltier bool
	Fan     bool
}

// Policy is hysteresis control of the peltier with a fan settle period.
// The peltier turns on at or above Upper and off at or below Lower, holding
// its state in between. After it turns off the fan keeps running for
// FanSettle and the peltier may not re-engage until that has elapsed.
type Policy struct {
	Upper     float64
	Lower     float64
	FanSettle time.Duration

	peltierOn bool
	offAt     time.Time
}

// NewPolicy creates a policy that starts with the peltier off.
func NewPolicy(upper, lower float64, fanSettle time.Duration) *Policy {
	return &Policy{Upper: upper, Lower: lower, FanSettle: fanSettle}
}

// Update folds in a temperature sample taken at now.
func (p *Policy) Update(temp float64, now time.Time) Decision {
	switch {
	case p.peltierOn && temp <= p.Lower:
		p.peltierOn = false
		p.offAt = now
	case !p.peltierOn && temp >= p.Upper && !p.settling(now):
		p.peltierOn = true
	}
	return p.Decide(now)
}

// Decide returns the current decision without a new sample.
func (p *Policy) Decide(now time.Time) Decision {
	return Decision{Peltier: p.peltierOn, Fan: p.peltierOn || p.settling(now)}
}

// Sync adopts the actuator state actually found on the authority. Finding
// the peltier off while it was believed on starts the settle period.
func (p *Policy) Sync(peltierOn bool, now time.Time) {
	if p.peltierOn && !peltierOn {
		p.offAt = now
	}
	p.peltierOn = peltierOn
}

// ForceOff turns the peltier off regardless of temperature.
func (p *Policy) ForceOff(now time.Time) Decision {
	p.Sync(false, now)
	return p.Decide(now)
}

func (p *Policy) settling(now time.Time) bool {
	return !p.offAt.IsZero() && now.Sub(p.offAt) < p.FanSettle
}
