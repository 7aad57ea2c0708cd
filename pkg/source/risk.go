package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/ha1tch/ledgersync/pkg/conn"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

// RiskWriter raises user risk scores in the gateway database
type RiskWriter struct {
	conns   *conn.Manager
	slot    string
	dialect Dialect
}

// NewRiskWriter creates a writer on the given (primary) slot
func NewRiskWriter(conns *conn.Manager, slot string, dialect Dialect) *RiskWriter {
	return &RiskWriter{conns: conns, slot: slot, dialect: dialect}
}

// RatchetRisk sets risk_score to max(current, candidate) for every user whose
// phone_number matches one of phones. It never lowers a score. It returns
// the number of rows touched.
func (w *RiskWriter) RatchetRisk(ctx context.Context, phones []string, candidate float64) (int64, error) {
	if len(phones) == 0 {
		return 0, fmt.Errorf("no phone numbers to match")
	}

	db, err := w.conns.SQL(ctx, w.slot)
	if err != nil {
		return 0, err
	}

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(phones)), ", ")
	stmt := fmt.Sprintf(
		`UPDATE users SET risk_score = %s(COALESCE(risk_score, 0), CAST(? AS DOUBLE PRECISION)) WHERE phone_number IN (%s)`,
		w.dialect.Greatest, marks)

	args := make([]any, 0, len(phones)+1)
	args = append(args, candidate)
	for _, p := range phones {
		args = append(args, p)
	}

	res, err := db.ExecContext(ctx, w.dialect.Rebind(stmt), args...)
	if err != nil {
		w.conns.Invalidate(w.slot, err)
		return 0, syncerr.Connectivity(w.slot, fmt.Errorf("ratchet risk: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ratchet risk: rows affected: %w", err)
	}
	return n, nil
}
