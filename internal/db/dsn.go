package db

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/notesd/apiserver/config"
)

// DSN builds a postgres URL understood by both lib/pq and pgx. The
// operation timeout is applied server side as statement_timeout so that it
// holds for every statement on every leased connection.
func DSN(cfg config.DatabaseConfig) string {
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:   url.UserPassword(cfg.User, cfg.Password),
		Path:   cfg.DBName,
	}

	q := u.Query()
	q.Set("sslmode", sslmode)
	if secs := int(cfg.OperationTimeout.Seconds()); secs > 0 {
		q.Set("connect_timeout", strconv.Itoa(secs))
		q.Set("statement_timeout", strconv.FormatInt(cfg.OperationTimeout.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()

	return u.String()
}
