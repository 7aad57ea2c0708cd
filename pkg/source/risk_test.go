package source_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/ledgersync/pkg/conn"
	"github.com/ha1tch/ledgersync/pkg/source"
	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

// noCountDriver accepts every statement but cannot report affected rows
type noCountDriver struct{}

func (noCountDriver) Open(string) (driver.Conn, error) { return noCountConn{}, nil }

type noCountConn struct{}

func (noCountConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare unsupported") }
func (noCountConn) Close() error                        { return nil }
func (noCountConn) Begin() (driver.Tx, error)           { return nil, errors.New("transactions unsupported") }

func (noCountConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return noCountResult{}, nil
}

type noCountResult struct{}

func (noCountResult) LastInsertId() (int64, error) { return 0, errors.New("no insert id") }
func (noCountResult) RowsAffected() (int64, error) { return 0, errors.New("row count unavailable") }

func init() {
	sql.Register("nocount", noCountDriver{})
}

func TestRiskWriter_RowCountError(t *testing.T) {
	conns := conn.NewManager(conn.Options{Attempts: 1}, zerolog.Nop())
	conns.Register(conn.SlotGatewayPrimary, conn.SQLDialer("nocount", "", time.Second))
	t.Cleanup(func() { conns.Close() })

	w := source.NewRiskWriter(conns, conn.SlotGatewayPrimary, source.SQLite)
	n, err := w.RatchetRisk(context.Background(), []string{"9000000001"}, 82)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.ErrorContains(t, err, "row count unavailable")

	// the update itself went through, so the slot stays usable
	assert.False(t, syncerr.IsConnectivity(err))
	assert.Equal(t, conn.StateOpen, conns.State(conn.SlotGatewayPrimary))
}
