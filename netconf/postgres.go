package netconf

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/lib/pq"

	"github.com/opd-ai/tunnelcore/crypto"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL through lib/pq.
type PostgresStore struct {
	pool *sql.DB
}

// OpenPostgres opens a pool and verifies connectivity. Connection failures
// wrap ErrStoreUnavailable.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("netconf: open: %w", err)
	}
	pool.SetMaxOpenConns(8)
	pool.SetMaxIdleConns(2)
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("netconf: ping: %w: %v", ErrStoreUnavailable, err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables the store needs when they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.ExecContext(ctx, schemaSQL); err != nil {
		return classify("migrate", err)
	}
	return nil
}

// classify maps driver errors onto the package sentinels.
func classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23505" {
			return ErrAddressInUse
		}
		if pqErr.Code.Class() == "08" {
			return fmt.Errorf("netconf: %s: %w: %v", op, ErrStoreUnavailable, err)
		}
		return fmt.Errorf("netconf: %s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("netconf: %s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("netconf: %s: %w", op, err)
}

func (s *PostgresStore) NodeIdentity(ctx context.Context, addr crypto.Address) (string, error) {
	var identity string
	err := s.pool.QueryRowContext(ctx,
		`SELECT identity FROM node WHERE id = $1`, int64(addr)).Scan(&identity)
	if err != nil {
		return "", classify("select node", err)
	}
	return identity, nil
}

func (s *PostgresStore) InsertNode(ctx context.Context, addr crypto.Address, identity string, now time.Time) error {
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO node (id, identity, creation_time) VALUES ($1, $2, $3)`,
		int64(addr), identity, now.UTC())
	if err != nil {
		err = classify("insert node", err)
		if errors.Is(err, ErrAddressInUse) {
			return ErrIdentityCollision
		}
		return err
	}
	return nil
}

func (s *PostgresStore) TouchNode(ctx context.Context, addr crypto.Address, now time.Time) error {
	res, err := s.pool.ExecContext(ctx,
		`UPDATE node SET last_seen = $2 WHERE id = $1`, int64(addr), now.UTC())
	if err != nil {
		return classify("update node", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Network(ctx context.Context, nwid uint64) (*NetworkRecord, error) {
	rec := &NetworkRecord{ID: nwid}
	err := s.pool.QueryRowContext(ctx,
		`SELECT name, is_open FROM network WHERE id = $1`, int64(nwid)).Scan(&rec.Name, &rec.Open)
	if err != nil {
		return nil, classify("select network", err)
	}
	return rec, nil
}

func (s *PostgresStore) IPv4Static(ctx context.Context, nwid uint64, addr crypto.Address) ([]netip.Prefix, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT ip, netmask_bits FROM ipv4_static WHERE network_id = $1 AND node_id = $2 ORDER BY ip`,
		int64(nwid), int64(addr))
	if err != nil {
		return nil, classify("select ipv4_static", err)
	}
	return scanPrefixes(rows)
}

func (s *PostgresStore) AutoAssignPools(ctx context.Context, nwid uint64) ([]netip.Prefix, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT ip_net, netmask_bits FROM ipv4_auto_assign WHERE network_id = $1`, int64(nwid))
	if err != nil {
		return nil, classify("select ipv4_auto_assign", err)
	}
	return scanPrefixes(rows)
}

func scanPrefixes(rows *sql.Rows) ([]netip.Prefix, error) {
	defer rows.Close()
	var out []netip.Prefix
	for rows.Next() {
		var ip int64
		var bits int
		if err := rows.Scan(&ip, &bits); err != nil {
			return nil, classify("scan", err)
		}
		if ip < 0 || ip > 0xffffffff || bits < 0 || bits > 32 {
			return nil, fmt.Errorf("netconf: stored prefix %d/%d out of range", ip, bits)
		}
		out = append(out, netip.PrefixFrom(uint32ToIPv4(uint32(ip)), bits))
	}
	if err := rows.Err(); err != nil {
		return nil, classify("rows", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertIPv4Static(ctx context.Context, nwid uint64, addr crypto.Address, p netip.Prefix) error {
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO ipv4_static (network_id, node_id, ip, netmask_bits) VALUES ($1, $2, $3, $4)`,
		int64(nwid), int64(addr), int64(ipv4ToUint32(p.Addr())), p.Bits())
	if err != nil {
		return classify("insert ipv4_static", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.pool.Close()
}
