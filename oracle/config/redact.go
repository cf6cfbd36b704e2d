package config

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
)

const mask = "***"

var pgPassword = regexp.MustCompile(`(password\s*=\s*)('(?:[^'\\]|\\.)*'|\S+)`)

// Redacted returns a copy safe to print: the redis password and the
// credentials inside the db dsn are masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Queue.RedisPassword != "" {
		out.Queue.RedisPassword = mask
	}
	out.DB.DSN = RedactDSN(out.DB.Driver, out.DB.DSN)
	return &out
}

// RedactDSN masks the password in a postgres or mysql dsn. A dsn that does
// not parse is masked whole.
func RedactDSN(driver, dsn string) string {
	if dsn == "" {
		return dsn
	}

	switch strings.ToLower(driver) {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return mask
		}
		if cfg.Passwd != "" {
			cfg.Passwd = mask
		}
		return cfg.FormatDSN()
	case DriverPostgres:
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			u, err := url.Parse(dsn)
			if err != nil {
				return mask
			}
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), mask)
			}
			q := u.Query()
			if q.Has("password") {
				q.Set("password", mask)
				u.RawQuery = q.Encode()
			}
			return u.String()
		}
		return pgPassword.ReplaceAllString(dsn, "${1}"+mask)
	default:
		return mask
	}
}
