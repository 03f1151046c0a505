package engine

import "math"

// PingStats tracks round-trip latency statistics for one subchannel
// (control or voice), folding each new sample into a running mean/variance
// (Welford's online algorithm) rather than keeping a sample history.
type PingStats struct {
	N   uint64
	Avg float64
	S   float64
	Var float64
}

// Update folds one round-trip sample into the running statistics. elapsed
// and ts are both in microseconds since the connection started; the ping
// itself is kept in milliseconds.
func (p *PingStats) Update(elapsed, ts uint64) {
	ping := float64(int64(elapsed)-int64(ts)) / 1000.0

	prevAvg := p.Avg
	p.N++

	p.Avg += (ping - prevAvg) / float64(p.N)
	p.S += (ping - prevAvg) * (ping - p.Avg)
	p.Var = math.Sqrt(p.S / float64(p.N))
}
