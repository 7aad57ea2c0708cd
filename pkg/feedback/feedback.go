// Package feedback raises a payer's stored risk after a high-risk transaction.
//
// The loop writes back to the relational source and then to the feature
// cache. The relational write is a ratchet: a score is never lowered.
// Failures are logged and counted but never fail the transaction batch.
package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ha1tch/ledgersync/pkg/metrics"
	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

// Outcomes recorded per evaluated transaction
const (
	OutcomeBelowThreshold = "below_threshold"
	OutcomeApplied        = "applied"
	OutcomeFailed         = "failed"
)

// RiskRatchet raises relational risk scores
type RiskRatchet interface {
	RatchetRisk(ctx context.Context, phones []string, candidate float64) (int64, error)
}

// RiskCache updates the risk component of cached features
type RiskCache interface {
	UpdateRisk(ctx context.Context, vpa string, risk float64) (models.FeatureVector, error)
}

// Options tunes the loop
type Options struct {
	Threshold float64 // transactions with risk above this trigger feedback
	Scale     float64 // multiplier from model score to relational risk
	Identity  models.Identity
}

// Loop is the risk feedback loop
type Loop struct {
	opts    Options
	ratchet RiskRatchet
	cache   RiskCache
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// New creates a feedback loop
func New(opts Options, ratchet RiskRatchet, cache RiskCache, m *metrics.Collector, logger zerolog.Logger) *Loop {
	return &Loop{
		opts:    opts,
		ratchet: ratchet,
		cache:   cache,
		metrics: m,
		logger:  logger.With().Str("component", "feedback").Logger(),
	}
}

// Apply runs the loop for one transaction. It returns a *syncerr.FeedbackError
// naming the failed step.
func (l *Loop) Apply(ctx context.Context, txn models.TransactionRecord) error {
	if txn.RiskScore <= l.opts.Threshold {
		l.metrics.RecordFeedback(OutcomeBelowThreshold)
		return nil
	}

	payer := strings.TrimSpace(txn.PayerVPA)
	phone, err := l.opts.Identity.PhoneFromVPA(payer)
	if err != nil {
		return l.failed(txn, "resolve", err)
	}

	candidate := txn.RiskScore * l.opts.Scale
	rows, err := l.ratchet.RatchetRisk(ctx, l.opts.Identity.SourcePhoneForms(phone), candidate)
	if err != nil {
		return l.failed(txn, "ratchet", err)
	}

	fv, err := l.cache.UpdateRisk(ctx, payer, txn.RiskScore)
	if err != nil {
		return l.failed(txn, "cache", err)
	}

	l.metrics.RecordFeedback(OutcomeApplied)
	l.logger.Info().
		Str("txn", txn.GlobalTxnID).
		Str("payer", payer).
		Float64("risk", txn.RiskScore).
		Int64("users_updated", rows).
		Str("features", fmt.Sprintf("%v", [2]float64(fv))).
		Msg("Raised payer risk")
	return nil
}

func (l *Loop) failed(txn models.TransactionRecord, step string, err error) error {
	l.metrics.RecordFeedback(OutcomeFailed)
	return &syncerr.FeedbackError{TxnID: txn.GlobalTxnID, Step: step, Err: err}
}

// Sink adapts the loop to a projector sink. Feedback failures are logged and
// swallowed so they never hold back the transaction watermark.
func (l *Loop) Sink() func(ctx context.Context, txn models.TransactionRecord) error {
	return func(ctx context.Context, txn models.TransactionRecord) error {
		if err := l.Apply(ctx, txn); err != nil {
			l.logger.Error().Err(err).Str("txn", txn.GlobalTxnID).Msg("Feedback failed")
		}
		return nil
	}
}
