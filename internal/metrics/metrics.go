package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_rounds_total",
		Help: "Rounds completed, by how they ended.",
	}, []string{"outcome"})

	CrashPoint = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crash_point",
		Help:    "Distribution of revealed crash points.",
		Buckets: []float64{1.01, 1.5, 2, 3, 5, 10, 20, 50, 100, 1000},
	})

	BetsPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_bets_placed_total",
		Help: "Bets accepted, by currency.",
	}, []string{"currency"})

	CashoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_cashouts_total",
		Help: "Settled cashouts, by trigger (auto or manual).",
	}, []string{"trigger"})

	PayoutAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_payout_amount_total",
		Help: "Total paid out to players, by currency.",
	}, []string{"currency"})

	ActiveBets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crash_active_bets",
		Help: "Bets currently riding the multiplier.",
	})

	LedgerAppendSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crash_ledger_append_seconds",
		Help:    "Latency of durable ledger appends.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"result"})

	WSClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crash_ws_clients",
		Help: "Connected WebSocket clients per table.",
	}, []string{"table"})

	WSDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_ws_dropped_messages_total",
		Help: "Messages dropped because a queue was full.",
	}, []string{"table", "queue"})

	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_events_failed_total",
		Help: "Round events that never reached the stream, by reason.",
	}, []string{"reason"})
)
