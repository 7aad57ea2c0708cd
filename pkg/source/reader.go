// Package source reads entity records from the relational systems of record.
//
// Every reader pulls at most limit rows strictly newer than a watermark,
// ordered ascending by the row timestamp. Queries are parameterized; no
// value is ever spliced into SQL text.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ha1tch/ledgersync/pkg/conn"
	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

// DefaultLimit is the batch size used when a caller passes limit <= 0
const DefaultLimit = 1000

// Reader pulls a batch of records for one stream
type Reader[R models.Record] interface {
	Stream() models.Stream
	Pull(ctx context.Context, after time.Time, limit int, full bool) ([]R, error)
}

// query describes an incremental SELECT over one table
type query struct {
	sel     string // SELECT ... FROM ... without WHERE
	ts      string // timestamp column driving the watermark
	key     string // tie-breaker column for a stable order
	filters []string
	args    []any
}

func (q query) build(full bool) string {
	where := append([]string{}, q.filters...)
	if !full {
		where = append(where, q.ts+" > ?")
	}

	var b strings.Builder
	b.WriteString(q.sel)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s ASC, %s ASC LIMIT ?", q.ts, q.key)
	return b.String()
}

// TableReader is a Reader backed by a SQL table on a connection slot
type TableReader[R models.Record] struct {
	stream  models.Stream
	conns   *conn.Manager
	slot    string
	dialect Dialect
	q       query
	scan    scanFunc[R]
	logger  zerolog.Logger
}

// scanFunc decodes the current row. Decode problems are carried on the
// record; fallback is the watermark given to a row whose own timestamp is
// unusable.
type scanFunc[R models.Record] func(rows *sql.Rows, fallback time.Time) R

func (r *TableReader[R]) Stream() models.Stream {
	return r.stream
}

// Pull returns up to limit records with a timestamp after the watermark.
// With full set the watermark predicate is dropped. Malformed rows are
// returned with their DecodeError set; only driver failures are errors.
func (r *TableReader[R]) Pull(ctx context.Context, after time.Time, limit int, full bool) ([]R, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	db, err := r.conns.SQL(ctx, r.slot)
	if err != nil {
		return nil, err
	}

	args := append([]any{}, r.q.args...)
	if !full {
		args = append(args, r.dialect.BindTime(after))
	}
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, r.dialect.Rebind(r.q.build(full)), args...)
	if err != nil {
		return nil, r.fail(err)
	}
	defer rows.Close()

	records := make([]R, 0, limit)
	malformed := 0
	last := after
	for rows.Next() {
		rec := r.scan(rows, last)
		if rec.DecodeError() != nil {
			malformed++
		}
		last = rec.Watermark()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, r.fail(err)
	}

	r.logger.Debug().
		Time("after", after).
		Bool("full", full).
		Int("records", len(records)).
		Int("malformed", malformed).
		Msg("Pulled batch")
	return records, nil
}

func (r *TableReader[R]) fail(err error) error {
	r.conns.Invalidate(r.slot, err)
	return syncerr.Connectivity(r.slot, fmt.Errorf("read %s: %w", r.stream, err))
}

func newTableReader[R models.Record](stream models.Stream, conns *conn.Manager, slot string, dialect Dialect, q query, scan scanFunc[R], logger zerolog.Logger) *TableReader[R] {
	return &TableReader[R]{
		stream:  stream,
		conns:   conns,
		slot:    slot,
		dialect: dialect,
		q:       q,
		scan:    scan,
		logger:  logger.With().Str("component", "reader").Str("stream", stream.String()).Logger(),
	}
}

// NewUserReader reads the gateway users table
func NewUserReader(conns *conn.Manager, slot string, dialect Dialect, logger zerolog.Logger) *TableReader[models.UserRecord] {
	q := query{
		sel: `SELECT CAST(user_id AS TEXT), phone_number, kyc_status, risk_score, created_at FROM users`,
		ts:  "created_at",
		key: "user_id",
	}
	return newTableReader(models.StreamUsers, conns, slot, dialect, q, scanUser, logger)
}

func scanUser(rows *sql.Rows, fallback time.Time) models.UserRecord {
	var (
		d     rowDecoder
		id    sql.NullString
		phone sql.NullString
		kyc   sql.NullString
		risk  number
		ts    timestamp
	)
	if err := rows.Scan(&id, &phone, &kyc, &risk, &ts); err != nil {
		d.scanErr(err)
	}
	return models.UserRecord{
		UserID:      d.require("user_id", id),
		PhoneNumber: phone.String,
		KYCStatus:   kyc.String,
		RiskScore:   d.number("risk_score", risk),
		CreatedAt:   d.time("created_at", ts, fallback),
		ScanErr:     d.err(),
	}
}

// NewDeviceReader reads the gateway user_devices table joined with the
// owning user's phone number
func NewDeviceReader(conns *conn.Manager, slot string, dialect Dialect, logger zerolog.Logger) *TableReader[models.DeviceRecord] {
	q := query{
		sel: `SELECT CAST(d.user_id AS TEXT), u.phone_number, d.device_id, CAST(d.last_login_ip AS TEXT), d.first_seen_at ` +
			`FROM user_devices d JOIN users u ON u.user_id = d.user_id`,
		ts:  "d.first_seen_at",
		key: "d.device_id",
	}
	return newTableReader(models.StreamDevices, conns, slot, dialect, q, scanDevice, logger)
}

func scanDevice(rows *sql.Rows, fallback time.Time) models.DeviceRecord {
	var (
		d      rowDecoder
		userID sql.NullString
		phone  sql.NullString
		device sql.NullString
		ip     sql.NullString
		ts     timestamp
	)
	if err := rows.Scan(&userID, &phone, &device, &ip, &ts); err != nil {
		d.scanErr(err)
	}
	return models.DeviceRecord{
		UserID:      d.require("user_id", userID),
		OwnerPhone:  phone.String,
		DeviceID:    d.require("device_id", device),
		LastLoginIP: hostAddress(ip.String),
		FirstSeenAt: d.time("first_seen_at", ts, fallback),
		ScanErr:     d.err(),
	}
}

// NewTransactionReader reads settled and fraud-blocked rows from the switch
// transactions table
func NewTransactionReader(conns *conn.Manager, slot string, dialect Dialect, logger zerolog.Logger) *TableReader[models.TransactionRecord] {
	q := query{
		sel:     `SELECT global_txn_id, payer_vpa, payee_vpa, amount, ml_fraud_score, status, created_at FROM transactions`,
		ts:      "created_at",
		key:     "global_txn_id",
		filters: []string{"status IN (?, ?)"},
		args:    []any{models.TxnStatusSuccess, models.TxnStatusBlockedFraud},
	}
	return newTableReader(models.StreamTransactions, conns, slot, dialect, q, scanTransaction, logger)
}

func scanTransaction(rows *sql.Rows, fallback time.Time) models.TransactionRecord {
	var (
		d      rowDecoder
		txnID  sql.NullString
		payer  sql.NullString
		payee  sql.NullString
		status sql.NullString
		amount number
		risk   number
		ts     timestamp
	)
	if err := rows.Scan(&txnID, &payer, &payee, &amount, &risk, &status, &ts); err != nil {
		d.scanErr(err)
	}
	return models.TransactionRecord{
		GlobalTxnID: d.require("global_txn_id", txnID),
		PayerVPA:    d.require("payer_vpa", payer),
		PayeeVPA:    d.require("payee_vpa", payee),
		Amount:      d.number("amount", amount),
		RiskScore:   d.number("ml_fraud_score", risk),
		Status:      status.String,
		CreatedAt:   d.time("created_at", ts, fallback),
		ScanErr:     d.err(),
	}
}
