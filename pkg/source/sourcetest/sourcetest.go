// Package sourcetest provides SQLite-backed gateway and switch databases
// for tests.
package sourcetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/ha1tch/ledgersync/pkg/conn"
)

const gatewaySchema = `
CREATE TABLE users (
	user_id TEXT PRIMARY KEY,
	phone_number TEXT,
	kyc_status TEXT,
	risk_score REAL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE user_devices (
	user_id TEXT NOT NULL REFERENCES users(user_id),
	device_id TEXT PRIMARY KEY,
	last_login_ip TEXT,
	first_seen_at TIMESTAMP NOT NULL
);
`

const switchSchema = `
CREATE TABLE transactions (
	global_txn_id TEXT PRIMARY KEY,
	payer_vpa TEXT NOT NULL,
	payee_vpa TEXT NOT NULL,
	amount REAL,
	ml_fraud_score REAL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// TimeLayout is how fixtures store timestamps
const TimeLayout = "2006-01-02 15:04:05"

// Env is a pair of SQLite databases registered on a connection manager
// under the standard slot names
type Env struct {
	Conns       *conn.Manager
	Gateway     *sql.DB
	Switch      *sql.DB
	GatewayPath string
	SwitchPath  string
}

// New creates the databases in a temp directory and registers the gateway
// primary, gateway replica and switch slots
func New(t *testing.T) *Env {
	t.Helper()
	dir := t.TempDir()
	gatewayPath := filepath.Join(dir, "gateway.db")
	switchPath := filepath.Join(dir, "switch.db")

	gw := open(t, gatewayPath, gatewaySchema)
	sw := open(t, switchPath, switchSchema)

	conns := conn.NewManager(conn.Options{Attempts: 1}, zerolog.Nop())
	conns.Register(conn.SlotGatewayPrimary, conn.SQLDialer("sqlite", gatewayPath, time.Second))
	conns.Register(conn.SlotGatewayReplica, conn.SQLDialer("sqlite", gatewayPath, time.Second))
	conns.Register(conn.SlotSwitch, conn.SQLDialer("sqlite", switchPath, time.Second))
	t.Cleanup(func() { conns.Close() })

	return &Env{
		Conns:       conns,
		Gateway:     gw,
		Switch:      sw,
		GatewayPath: gatewayPath,
		SwitchPath:  switchPath,
	}
}

func open(t *testing.T, path, schema string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(schema); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// AddUser inserts a gateway user
func (e *Env) AddUser(t *testing.T, id, phone, kyc string, risk float64, created time.Time) {
	t.Helper()
	e.exec(t, e.Gateway,
		`INSERT INTO users (user_id, phone_number, kyc_status, risk_score, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, phone, kyc, risk, created.UTC().Format(TimeLayout))
}

// AddUserRaw inserts a gateway user with created_at stored verbatim
func (e *Env) AddUserRaw(t *testing.T, id, phone, created string) {
	t.Helper()
	e.exec(t, e.Gateway,
		`INSERT INTO users (user_id, phone_number, kyc_status, risk_score, created_at) VALUES (?, ?, 'VERIFIED', 0, ?)`,
		id, phone, created)
}

// AddDevice inserts a device owned by userID
func (e *Env) AddDevice(t *testing.T, userID, deviceID, ip string, firstSeen time.Time) {
	t.Helper()
	e.exec(t, e.Gateway,
		`INSERT INTO user_devices (user_id, device_id, last_login_ip, first_seen_at) VALUES (?, ?, ?, ?)`,
		userID, deviceID, ip, firstSeen.UTC().Format(TimeLayout))
}

// AddTransaction inserts a switch transaction
func (e *Env) AddTransaction(t *testing.T, id, payer, payee string, amount, risk float64, status string, created time.Time) {
	t.Helper()
	e.exec(t, e.Switch,
		`INSERT INTO transactions (global_txn_id, payer_vpa, payee_vpa, amount, ml_fraud_score, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, payer, payee, amount, risk, status, created.UTC().Format(TimeLayout))
}

// UserRisk returns the stored risk_score for a user id
func (e *Env) UserRisk(t *testing.T, id string) float64 {
	t.Helper()
	var risk sql.NullFloat64
	if err := e.Gateway.QueryRowContext(context.Background(),
		`SELECT risk_score FROM users WHERE user_id = ?`, id).Scan(&risk); err != nil {
		t.Fatal(err)
	}
	return risk.Float64
}

func (e *Env) exec(t *testing.T, db *sql.DB, stmt string, args ...any) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(), stmt, args...); err != nil {
		t.Fatal(err)
	}
}
