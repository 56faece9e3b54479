package grid

import "math"

// InverseState is the partial-close ladder engaged when a deep grid hits
// its TP: instead of closing everything at once, the position unwinds in
// batches as the price falls through frozen zones below the average entry
// at activation. Persisted as part of the runtime snapshot.
type InverseState struct {
	Active          bool      `json:"active"`
	StartTs         float64   `json:"start_ts"`
	AvgEntryAtStart float64   `json:"avg_entry_at_start"`
	ZonesBps        []float64 `json:"zones_bps"`
	LayersAtStart   int       `json:"layers_at_start"`
	NextZoneIdx     int       `json:"next_zone_idx"`
	PendingBatch    int       `json:"pending_batch"`
}

// activateInverseTP freezes the unwind ladder. Zone offsets grow
// geometrically from the base spacing; the zone count is capped by config
// and by the layer count. Caller holds t.mu.
func (t *Trader) activateInverseTP(now float64) {
	nZones := t.cfg.InverseTPConfig.MaxZones
	if nZones > len(t.layers) {
		nZones = len(t.layers)
	}
	if nZones < 1 {
		nZones = 1
	}

	base := t.cfg.GridConfig.BaseSpacingBps
	growth := t.effectiveSpacingGrowth()
	zones := make([]float64, nZones)
	for i := range zones {
		zones[i] = base * math.Pow(growth, float64(i))
	}

	t.inv = InverseState{
		Active:          true,
		StartTs:         now,
		AvgEntryAtStart: t.avgEntry,
		LayersAtStart:   len(t.layers),
		ZonesBps:        zones,
	}
	t.log.Info("inverse TP engaged",
		"layers", len(t.layers),
		"zones", nZones,
		"avg_entry", t.avgEntry)
}

// inverseZonePrice is the trigger price for the given zone index.
func (t *Trader) inverseZonePrice(idx int) float64 {
	if idx < 0 || idx >= len(t.inv.ZonesBps) {
		return 0
	}
	return t.inv.AvgEntryAtStart * (1 - t.inv.ZonesBps[idx]/10000)
}

// checkInverseTP drives the unwind ladder: a time cap flushes everything,
// and each zone touch peels off a FIFO batch when the bid falls through
// it. The last zone's batch is whatever remains. Caller holds t.mu.
func (t *Trader) checkInverseTP(now float64) {
	if !t.inv.Active || len(t.layers) == 0 || t.pendingExit || t.inv.PendingBatch > 0 {
		return
	}

	if now-t.inv.StartTs > t.cfg.InverseTPConfig.TimeCapSec {
		t.enqueueClose("inverse_tp_timeout", t.layers, false, -1, now)
		return
	}

	idx := t.inv.NextZoneIdx
	if idx >= len(t.inv.ZonesBps) {
		// Ladder exhausted with layers left, flush and retire it.
		t.enqueueClose("inverse_tp_final", t.layers, false, -1, now)
		return
	}

	target := t.inverseZonePrice(idx)
	if t.bid > target {
		return
	}

	remainingZones := len(t.inv.ZonesBps) - idx
	batch := len(t.layers)
	if remainingZones > 1 {
		batch = len(t.layers) / remainingZones
		if batch < 1 {
			batch = 1
		}
	}
	t.inv.PendingBatch = batch
	t.enqueueClose("tp", t.layers[:batch], true, idx, now)
}

// resetInverseTP drops the ladder state. Caller holds t.mu.
func (t *Trader) resetInverseTP() {
	t.inv = InverseState{}
}

// InverseTPActive reports whether the unwind ladder is engaged.
func (t *Trader) InverseTPActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inv.Active
}
