package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PogMetrics instruments the proof-of-growth referral subsystem.
type PogMetrics struct {
	referralsConnected    prometheus.Counter
	referralsDisconnected prometheus.Counter
	lotteryMutations      *prometheus.CounterVec
	undoReplayed          prometheus.Counter
	lotteryHeapSize       prometheus.Gauge
	rewardRemainder       prometheus.Gauge
}

var (
	pogOnce     sync.Once
	pogRegistry *PogMetrics
)

// Pog returns the process-wide referral subsystem collectors.
func Pog() *PogMetrics {
	pogOnce.Do(func() {
		pogRegistry = &PogMetrics{
			referralsConnected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pog_referrals_connected_total",
				Help: "Count of referrals applied during block connection.",
			}),
			referralsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pog_referrals_disconnected_total",
				Help: "Count of referrals unwound during block disconnection.",
			}),
			lotteryMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "pog_lottery_mutations_total",
				Help: "Count of lottery reservoir mutations by kind.",
			}, []string{"kind"}),
			undoReplayed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pog_lottery_undo_replayed_total",
				Help: "Count of lottery undo records replayed during reorgs.",
			}),
			lotteryHeapSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "pog_lottery_heap_size",
				Help: "Current number of ambassador lottery reservoir occupants.",
			}),
			rewardRemainder: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "pog_reward_remainder",
				Help: "Undistributed remainder of the most recent ambassador split.",
			}),
		}
		prometheus.MustRegister(
			pogRegistry.referralsConnected,
			pogRegistry.referralsDisconnected,
			pogRegistry.lotteryMutations,
			pogRegistry.undoReplayed,
			pogRegistry.lotteryHeapSize,
			pogRegistry.rewardRemainder,
		)
	})
	return pogRegistry
}

// RecordConnect counts referrals applied and lottery mutations observed while
// connecting a block.
func (m *PogMetrics) RecordConnect(referrals, inserted, replaced int) {
	if m == nil {
		return
	}
	m.referralsConnected.Add(float64(referrals))
	m.lotteryMutations.WithLabelValues("inserted").Add(float64(inserted))
	m.lotteryMutations.WithLabelValues("replaced").Add(float64(replaced))
}

// RecordDisconnect counts referrals unwound and undo records replayed.
func (m *PogMetrics) RecordDisconnect(referrals, undos int) {
	if m == nil {
		return
	}
	m.referralsDisconnected.Add(float64(referrals))
	m.undoReplayed.Add(float64(undos))
}

// SetHeapSize publishes the reservoir occupancy.
func (m *PogMetrics) SetHeapSize(size uint64) {
	if m == nil {
		return
	}
	m.lotteryHeapSize.Set(float64(size))
}

// SetRewardRemainder publishes the undistributed remainder of a split.
func (m *PogMetrics) SetRewardRemainder(remainder int64) {
	if m == nil {
		return
	}
	m.rewardRemainder.Set(float64(remainder))
}
