package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"postmailer/internal/apperrors"
)

const defaultConnectTimeout = 10 * time.Second

// SQLSTATE class 28: invalid authorization specification.
const (
	codeInvalidAuthorization = "28000"
	codeInvalidPassword      = "28P01"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres interface {
	Pool() *pgxpool.Pool
	Close()
}

type Config struct {
	Host      string
	Port      uint16
	User      string
	Password  string
	Name      string
	SSLMode   string
	MaxConns  int32
	MinConns  int32
	Migration Migration
}

type Migration struct {
	AutoApply bool
}

type postgres struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg *Config) (Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN("postgres"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pingError(err)
	}

	if cfg.Migration.AutoApply {
		if err := Migrate(cfg); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &postgres{pool: pool}, nil
}

// pingError marks a rejected login as apperrors.ErrCredential.
func pingError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeInvalidPassword, codeInvalidAuthorization:
			return fmt.Errorf("%w: postgres rejected the login: %w", apperrors.ErrCredential, err)
		}
	}

	return fmt.Errorf("failed to ping postgres: %w", err)
}

func (p *postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *postgres) Close() {
	p.pool.Close()
}

// DSN builds a connection URL for the given scheme ("postgres" for pgx, "pgx5" for migrate).
func (c *Config) DSN(scheme string) string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port))),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}

	return u.String()
}

// Migrate applies the embedded schema migrations. An up-to-date schema is not an error.
func Migrate(cfg *Config) (err error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.DSN("pgx5"))
	if err != nil {
		return fmt.Errorf("failed to init migrate: %w", err)
	}

	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			err = errors.Join(err, srcErr, dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}
