// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scans counts check-in attempts by terminal outcome
	// (present, late, already, rejected, not_enrolled, error).
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_scans_total",
		Help: "Check-in attempts by outcome.",
	}, []string{"outcome"})

	// TokensMinted counts QR tokens issued, split by mode.
	TokensMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_tokens_minted_total",
		Help: "QR tokens minted, by late mode.",
	}, []string{"late"})

	// AbsencesBackfilled counts rows inserted by end-of-session backfill.
	AbsencesBackfilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_absences_backfilled_total",
		Help: "Absent records inserted at session end.",
	})

	// SaveWrites counts ledger writes performed by manual-edit saves.
	SaveWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_save_writes_total",
		Help: "Manual-edit save writes, by result.",
	}, []string{"result"})
)
