package flowstate

// TolerancePolicy decides how far an actual value may drift from its
// provisioned expectation before the status leaves Normal. The threshold
// is configuration, not a constant: different installations provision with
// different headroom.
type TolerancePolicy struct {
	BitrateTolerancePercent float64
}

const defaultBitrateTolerancePercent = 10.0

// BitrateStatus compares an actual bitrate to its expectation. A zero or
// unset expectation always yields Normal so nothing unprovisioned raises
// false positives.
func (p TolerancePolicy) BitrateStatus(actual, expected float64) LevelStatus {
	if expected <= 0 {
		return StatusNormal
	}
	margin := expected * p.BitrateTolerancePercent / 100
	if actual < expected-margin {
		return StatusLow
	}
	if actual > expected+margin {
		return StatusHigh
	}
	return StatusNormal
}

// CountStatus compares a flow count to its expectation. Counts are exact:
// any shortfall is Low, any surplus is High.
func (p TolerancePolicy) CountStatus(actual, expected int) LevelStatus {
	if expected == 0 {
		return StatusNormal
	}
	if actual < expected {
		return StatusLow
	}
	if actual > expected {
		return StatusHigh
	}
	return StatusNormal
}

// recomputeAggregates rederives the rollup fields of every interface whose
// flow membership changed since the last recomputation. The result is a
// pure function of the current flow set: running it again without an
// intervening mutation changes nothing. Callers hold the engine mutex.
func (e *Engine) recomputeAggregates() {
	dirty := e.cfg.Store.takeDirty()
	if len(dirty) == 0 {
		return
	}
	timer := e.cfg.Clock.Now()
	set := make(map[string]struct{}, len(dirty))
	for _, idx := range dirty {
		set[idx] = struct{}{}
	}
	e.recomputeFor(set)
	e.cfg.Metrics.AggregateDuration.Observe(e.cfg.Clock.Since(timer).Seconds())
}

// RecomputeAggregates recomputes the rollups of every interface in the
// store regardless of dirtiness. Used at startup after a registry reset.
func (e *Engine) RecomputeAggregates() {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := make(map[string]struct{})
	for _, iface := range e.cfg.Store.Interfaces() {
		set[iface.Index] = struct{}{}
	}
	for _, f := range e.cfg.Store.Flows(DirectionIncoming) {
		set[f.Interface] = struct{}{}
	}
	for _, f := range e.cfg.Store.Flows(DirectionOutgoing) {
		set[f.Interface] = struct{}{}
	}
	e.cfg.Store.takeDirty()
	e.recomputeFor(set)
}

// recomputeFor rebuilds the rollups of the given interface indexes.
// Expected bitrate sums over every flow regardless of presence; the
// expected flow count tallies provisioning-owned rows only, since a
// locally observed row carries no expectation to count against.
func (e *Engine) recomputeFor(indexes map[string]struct{}) {
	store := e.cfg.Store
	pol := e.cfg.Tolerance

	type rollup struct {
		bitrate         float64
		flows           int
		bitrateExpected float64
		flowsExpected   int
	}
	rx := make(map[string]*rollup, len(indexes))
	tx := make(map[string]*rollup, len(indexes))
	for idx := range indexes {
		rx[idx] = &rollup{}
		tx[idx] = &rollup{}
	}

	tally := func(dir Direction, acc map[string]*rollup) {
		for _, f := range store.Flows(dir) {
			if _, ok := indexes[f.Interface]; !ok {
				continue
			}
			// A flow referencing an interface with no row is kept in the
			// store but excluded from the rollups and withheld from the
			// external tables until the reference resolves.
			if store.Interface(f.Interface) == nil {
				f.Dangling = true
				continue
			}
			f.Dangling = false
			f.BitrateStatus = pol.BitrateStatus(f.BitrateActual, f.BitrateExpected)

			r := acc[f.Interface]
			r.bitrateExpected += f.BitrateExpected
			if f.Owner == OwnerFlowEngineering {
				r.flowsExpected++
			}
			if f.Present {
				r.bitrate += f.BitrateActual
				r.flows++
			}
		}
	}
	tally(DirectionIncoming, rx)
	tally(DirectionOutgoing, tx)

	for idx := range indexes {
		iface := store.Interface(idx)
		if iface == nil {
			continue
		}
		r, t := rx[idx], tx[idx]
		iface.RxBitrate = r.bitrate
		iface.RxFlows = r.flows
		iface.RxBitrateExpected = r.bitrateExpected
		iface.RxFlowsExpected = r.flowsExpected
		iface.RxBitrateStatus = pol.BitrateStatus(r.bitrate, r.bitrateExpected)
		iface.RxFlowsStatus = pol.CountStatus(r.flows, r.flowsExpected)

		iface.TxBitrate = t.bitrate
		iface.TxFlows = t.flows
		iface.TxBitrateExpected = t.bitrateExpected
		iface.TxFlowsExpected = t.flowsExpected
		iface.TxBitrateStatus = pol.BitrateStatus(t.bitrate, t.bitrateExpected)
		iface.TxFlowsStatus = pol.CountStatus(t.flows, t.flowsExpected)
	}
}
