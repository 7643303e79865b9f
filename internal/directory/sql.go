package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"registrar/internal/config"
	"registrar/internal/models"
)

var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLDirectory reads user records from a secondary SQL database.
// Table and column names come from configuration; both the pgx and
// mysql drivers are supported.
type SQLDirectory struct {
	db         *sql.DB
	driver     string
	table      string
	emailCol   string
	nameCol    string
	typeCol    string
	managerCol string
}

// NewFromConfig opens the configured directory backend. With no driver
// configured it returns nil and no error; callers fall back to Static.
func NewFromConfig(cfg config.Config) (*SQLDirectory, error) {
	if strings.TrimSpace(cfg.DirectoryDBDriver) == "" || strings.TrimSpace(cfg.DirectoryDBDSN) == "" {
		return nil, nil
	}
	for _, ident := range []string{cfg.DirectoryTable, cfg.DirectoryEmailColumn, cfg.DirectoryNameColumn, cfg.DirectoryTypeColumn, cfg.DirectoryManagerColumn} {
		if !identRx.MatchString(ident) {
			return nil, fmt.Errorf("invalid SQL identifier %q", ident)
		}
	}
	db, err := sql.Open(cfg.DirectoryDBDriver, cfg.DirectoryDBDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &SQLDirectory{
		db:         db,
		driver:     cfg.DirectoryDBDriver,
		table:      cfg.DirectoryTable,
		emailCol:   cfg.DirectoryEmailColumn,
		nameCol:    cfg.DirectoryNameColumn,
		typeCol:    cfg.DirectoryTypeColumn,
		managerCol: cfg.DirectoryManagerColumn,
	}, nil
}

func (d *SQLDirectory) Close() error {
	return d.db.Close()
}

func (d *SQLDirectory) Lookup(ctx context.Context, email string) (UserInfo, error) {
	q := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = %s",
		d.nameCol, d.typeCol, d.managerCol, d.table, d.emailCol, d.ph(1))
	var u UserInfo
	var etype string
	err := d.db.QueryRowContext(ctx, q, email).Scan(&u.Name, &etype, &u.ManagerEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return UserInfo{}, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	u.Email = email
	u.EmployeeType = models.EmployeeType(strings.ToLower(etype))
	return u, nil
}

func (d *SQLDirectory) ph(i int) string {
	if strings.Contains(strings.ToLower(d.driver), "pgx") || strings.Contains(strings.ToLower(d.driver), "postgres") {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}
