package account

import (
	"context"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Account is a row in the accounts table.
type Account struct {
	ID            uint64 `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex; not null"`
	Password      string `gorm:"not null"`
	PremiumEndsAt time.Time
	CreatedAt     time.Time
	Characters    []Character
}

type Character struct {
	ID        uint64 `gorm:"primaryKey"`
	AccountID uint64 `gorm:"index; not null"`
	Name      string `gorm:"uniqueIndex; not null"`
}

// Store is a gorm backed Checker and CharacterLister.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by driver ("sqlite" or "postgres")
// and migrates the schema.
func Open(driver, dsn string, debug bool) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	// By default only log errors but print every query in debug mode.
	log := logger.Default.LogMode(logger.Error)
	if debug {
		log = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: log})
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to database")
	}
	glog.Infof("account store: connected to %s database", driver)
	return NewStore(db)
}

// NewStore wraps an open database and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Account{}, &Character{}); err != nil {
		return nil, errors.Wrap(err, "error auto migrating db")
	}
	return &Store{db: db}, nil
}

func (s *Store) findAccount(ctx context.Context, db *gorm.DB, name string) (*Account, error) {
	var acc Account
	err := db.WithContext(ctx).Preload("Characters", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).Where("name = ?", name).First(&acc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &acc, nil
}

func (s *Store) CheckAccount(ctx context.Context, name, password string) (bool, error) {
	acc, err := s.findAccount(ctx, s.db, name)
	if err != nil {
		return false, errors.Wrapf(err, "looking up account %q", name)
	}
	if acc == nil {
		glog.V(2).Infof("account store: no account %q", name)
		return false, nil
	}
	return passwordMatches(acc.Password, password), nil
}

func (s *Store) Characters(ctx context.Context, name string) (*Listing, error) {
	acc, err := s.findAccount(ctx, s.db, name)
	if err != nil {
		return nil, errors.Wrapf(err, "looking up account %q", name)
	}
	if acc == nil {
		return nil, errors.Errorf("no account %q", name)
	}
	l := &Listing{PremiumEndsAt: acc.PremiumEndsAt}
	for _, c := range acc.Characters {
		l.Characters = append(l.Characters, c.Name)
	}
	return l, nil
}

// CreateAccount stores a new account with its characters in one
// transaction.
func (s *Store) CreateAccount(ctx context.Context, name, password string, premiumDays int, characters ...string) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := s.findAccount(ctx, tx.DB(), name)
	if err != nil {
		return errors.Wrapf(err, "looking up account %q", name)
	}
	if existing != nil {
		return errors.Errorf("account %q already exists", name)
	}

	acc := &Account{Name: name, Password: HashPassword(password)}
	if premiumDays > 0 {
		acc.PremiumEndsAt = time.Now().Add(time.Duration(premiumDays) * 24 * time.Hour)
	}
	for _, c := range characters {
		acc.Characters = append(acc.Characters, Character{Name: c})
	}
	if err := tx.DB().Create(acc).Error; err != nil {
		return errors.Wrapf(err, "creating account %q", name)
	}
	return tx.Commit()
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	database, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "error while getting current connection")
	}
	if err := database.Close(); err != nil {
		return errors.Wrap(err, "error while closing database connection")
	}
	return nil
}
