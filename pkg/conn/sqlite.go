package conn

import (
	"net/url"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/zfogg/sidechain-sub009/pkg/exception"
)

const sqliteMemory = ":memory:"

func openSQLite(dsn string) gorm.Dialector {
	return sqlite.Open(dsn)
}

// sqliteDSN builds a go-sqlite3 DSN: the file path plus Params as URI query
// options, e.g. _busy_timeout or _journal_mode.
func (opt Option) sqliteDSN() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}
	path := strings.TrimSpace(opt.Path)
	if path == "" {
		return "", exception.ErrEmptyDSN
	}

	query := url.Values{}
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	if len(query) == 0 {
		return path, nil
	}
	if path == sqliteMemory {
		path = "file::memory:"
	}
	return path + "?" + query.Encode(), nil
}
