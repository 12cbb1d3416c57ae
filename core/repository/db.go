package repository

import (
	"database/sql"
	"time"

	"github.com/avast/retry-go"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DB wraps the postgres connection pool.
type DB struct {
	*sql.DB
}

// NewDB opens a postgres connection and verifies it with a bounded
// retrying ping, so the service survives a database that is still
// starting up.
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres connection")
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	err = retry.Do(
		db.Ping,
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("database ping failed (attempt %d)", n+1)
		}),
	)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging postgres")
	}

	return &DB{DB: db}, nil
}
