package conn

import (
	"strings"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zfogg/sidechain-sub009/pkg/exception"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Option selects a database and how to reach it.
type Option struct {
	// Driver is DriverPostgres or DriverSQLite. Empty means postgres.
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Params   map[string]string

	// Path is the sqlite database file; ":memory:" opens a private in-memory database.
	Path string
	// ConnString overrides every other field of the selected driver.
	ConnString string

	Config *gorm.Config
}

// Client wraps a gorm connection pool.
type Client struct {
	opt Option
	db  *gorm.DB
}

// New opens the database described by option.
func New(option Option) (*Client, error) {
	dialector, err := option.dialector()
	if err != nil {
		return nil, err
	}

	config := option.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Discard}
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", option.driver())
	}

	if option.driver() == DriverSQLite {
		// sqlite allows one writer; a single connection also keeps ":memory:" shared.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "get sql db")
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Client{opt: option, db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Driver returns the driver the client was opened with.
func (c *Client) Driver() string {
	if c == nil {
		return ""
	}
	return c.opt.driver()
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) driver() string {
	driver := strings.ToLower(strings.TrimSpace(opt.Driver))
	if driver == "" {
		return DriverPostgres
	}
	if driver == "sqlite3" {
		return DriverSQLite
	}
	return driver
}

func (opt Option) dialector() (gorm.Dialector, error) {
	switch opt.driver() {
	case DriverPostgres:
		dsn, err := opt.postgresDSN()
		if err != nil {
			return nil, err
		}
		return openPostgres(dsn), nil
	case DriverSQLite:
		dsn, err := opt.sqliteDSN()
		if err != nil {
			return nil, err
		}
		return openSQLite(dsn), nil
	default:
		return nil, errors.Wrapf(exception.ErrUnknownDriver, "driver: %q", opt.Driver)
	}
}
