// Package conn opens the PostgreSQL pool behind the order journal. The
// journal takes a full DSN from configuration, so there is no structured
// host/port option surface here.
package conn

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"main/pkg/exception"
)

// Client wraps the journal's PostgreSQL connection pool.
type Client struct {
	db *gorm.DB
}

// New opens a pool for the given DSN. A nil config gets gorm defaults.
func New(dsn string, config *gorm.Config) (*Client, error) {
	if dsn == "" {
		return nil, exception.ErrEmptyDSN
	}
	if config == nil {
		config = &gorm.Config{}
	}

	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, err
	}
	return &Client{db: db}, nil
}

// DB returns the underlying gorm handle.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
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
