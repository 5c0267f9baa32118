package db

import (
	"net/url"
	"strings"
)

// RedactDSN returns dsn with its password masked so it can be logged.
// Supports postgres:// and postgresql:// URLs; anything else is returned
// with only the scheme and host kept.
func RedactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "postgres://<unparseable>"
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return u.Scheme + "://" + u.Host
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
