package conn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ha1tch/ledgersync/pkg/syncerr"
)

// SQLConn adapts a database/sql pool to a slot connection
type SQLConn struct {
	DB *sql.DB
}

func (c *SQLConn) Ping(ctx context.Context) error { return c.DB.PingContext(ctx) }
func (c *SQLConn) Close() error                   { return c.DB.Close() }

// SQLDialer opens a database/sql pool for driver and dsn
func SQLDialer(driver, dsn string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &SQLConn{DB: db}, nil
	}
}

// RedisConn adapts a go-redis client to a slot connection
type RedisConn struct {
	Client *redis.Client
}

func (c *RedisConn) Ping(ctx context.Context) error { return c.Client.Ping(ctx).Err() }
func (c *RedisConn) Close() error                   { return c.Client.Close() }

// RedisDialer creates a go-redis client for addr and db
func RedisDialer(addr string, db int, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			DB:           db,
			PoolSize:     50,
			MinIdleConns: 10,
			DialTimeout:  timeout,
		})
		return &RedisConn{Client: client}, nil
	}
}

// Neo4jConn adapts a Neo4j driver to a slot connection
type Neo4jConn struct {
	Driver neo4j.DriverWithContext
}

func (c *Neo4jConn) Ping(ctx context.Context) error { return c.Driver.VerifyConnectivity(ctx) }
func (c *Neo4jConn) Close() error                   { return c.Driver.Close(context.Background()) }

// Neo4jDialer creates a Neo4j driver for uri with basic auth
func Neo4jDialer(uri, user, password string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
		if err != nil {
			return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
		}
		return &Neo4jConn{Driver: driver}, nil
	}
}

// SQL acquires the named slot as a database/sql pool
func (m *Manager) SQL(ctx context.Context, name string) (*sql.DB, error) {
	c, err := m.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	sc, ok := c.(*SQLConn)
	if !ok {
		return nil, syncerr.Connectivity(name, fmt.Errorf("slot holds %T, not a SQL connection", c))
	}
	return sc.DB, nil
}

// Redis acquires the named slot as a go-redis client
func (m *Manager) Redis(ctx context.Context, name string) (*redis.Client, error) {
	c, err := m.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	rc, ok := c.(*RedisConn)
	if !ok {
		return nil, syncerr.Connectivity(name, fmt.Errorf("slot holds %T, not a Redis connection", c))
	}
	return rc.Client, nil
}

// Neo4j acquires the named slot as a Neo4j driver
func (m *Manager) Neo4j(ctx context.Context, name string) (neo4j.DriverWithContext, error) {
	c, err := m.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	nc, ok := c.(*Neo4jConn)
	if !ok {
		return nil, syncerr.Connectivity(name, fmt.Errorf("slot holds %T, not a Neo4j connection", c))
	}
	return nc.Driver, nil
}
