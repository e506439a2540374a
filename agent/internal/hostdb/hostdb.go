// Package hostdb is the agent's local host inventory, a small SQLite store
// (modernc pure-Go driver, no CGO). It is the source of truth on the node;
// the C&C aggregator is a projection of every node's store.
package hostdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — registers itself as "sqlite".
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a host does not exist.
	ErrNotFound = errors.New("hostdb: host not found")
	// ErrConflict is returned when a write would reuse a name, MAC or IP
	// that already belongs to another host.
	ErrConflict = errors.New("hostdb: host already exists")
	// ErrInvalidMAC is returned for MAC addresses that do not normalize.
	ErrInvalidMAC = errors.New("hostdb: invalid MAC address")
)

var macRe = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

// NormalizeMAC uppercases a MAC address and converts dash separators to
// colons. Returns ErrInvalidMAC when the result is not a well-formed MAC.
func NormalizeMAC(mac string) (string, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
	if !macRe.MatchString(norm) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	return norm, nil
}

// Host is one machine on the node's LAN.
type Host struct {
	ID             uint       `gorm:"primaryKey" json:"-"`
	Name           string     `gorm:"not null;uniqueIndex" json:"name"`
	MAC            string     `gorm:"column:mac;not null;uniqueIndex" json:"mac"`
	IP             string     `gorm:"column:ip;not null;uniqueIndex" json:"ip"`
	Status         string     `gorm:"not null;default:'asleep'" json:"status"`
	PingResponsive *int       `json:"pingResponsive"`
	LastSeen       *time.Time `json:"lastSeen"`
	Discovered     int        `gorm:"not null;default:0" json:"discovered"`
	Notes          string     `json:"notes,omitempty"`
	WolPort        int        `gorm:"not null;default:9" json:"wolPort"`
	Ports          string     `json:"-"`
	PortsScannedAt *time.Time `json:"portsScannedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (Host) TableName() string { return "hosts" }

// Store wraps the GORM handle.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the host database at path and migrates
// the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("hostdb: open: %w", err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("hostdb: init gorm: %w", err)
	}
	if err := database.AutoMigrate(&Host{}); err != nil {
		return nil, fmt.Errorf("hostdb: migrate: %w", err)
	}
	return &Store{db: database, logger: logger.Named("hostdb")}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// List returns all hosts ordered by name.
func (s *Store) List(ctx context.Context) ([]Host, error) {
	var hosts []Host
	if err := s.db.WithContext(ctx).Order("name").Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("hostdb: list: %w", err)
	}
	return hosts, nil
}

// GetByName retrieves one host by its display name.
func (s *Store) GetByName(ctx context.Context, name string) (*Host, error) {
	var h Host
	err := s.db.WithContext(ctx).First(&h, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("hostdb: get %q: %w", name, err)
	}
	return &h, nil
}

// GetByMAC retrieves one host by its normalized MAC address.
func (s *Store) GetByMAC(ctx context.Context, mac string) (*Host, error) {
	var h Host
	err := s.db.WithContext(ctx).First(&h, "mac = ?", mac).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("hostdb: get mac %q: %w", mac, err)
	}
	return &h, nil
}

// Create inserts a host. The MAC is normalized first. Name, MAC and IP are
// each unique on their own: reusing any of them returns ErrConflict.
func (s *Store) Create(ctx context.Context, h *Host) error {
	mac, err := NormalizeMAC(h.MAC)
	if err != nil {
		return err
	}
	h.MAC = mac
	if h.Name == "" || h.IP == "" || net.ParseIP(h.IP) == nil {
		return fmt.Errorf("hostdb: create: name and a valid ip are required")
	}
	if h.WolPort == 0 {
		h.WolPort = 9
	}

	if err := s.checkIdentity(ctx, h); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("hostdb: create: %w", err)
	}
	return nil
}

// Save persists all columns of an existing host row. Renames that collide
// with another host's name, MAC or IP return ErrConflict.
func (s *Store) Save(ctx context.Context, h *Host) error {
	if err := s.checkIdentity(ctx, h); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(h).Error; err != nil {
		return fmt.Errorf("hostdb: save %q: %w", h.Name, err)
	}
	return nil
}

// checkIdentity rejects a host whose name, MAC or IP is already taken by a
// different row.
func (s *Store) checkIdentity(ctx context.Context, h *Host) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Host{}).
		Where("id <> ? AND (name = ? OR mac = ? OR ip = ?)", h.ID, h.Name, h.MAC, h.IP).
		Count(&count).Error; err != nil {
		return fmt.Errorf("hostdb: identity check: %w", err)
	}
	if count > 0 {
		return ErrConflict
	}
	return nil
}

// Delete removes a host by name. Returns ErrNotFound when nothing matched.
func (s *Store) Delete(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Delete(&Host{}, "name = ?", name)
	if res.Error != nil {
		return fmt.Errorf("hostdb: delete %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of hosts in the store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Host{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("hostdb: count: %w", err)
	}
	return n, nil
}

// SeedIfEmpty inserts the given hosts when the store has no rows yet, so a
// fresh node comes up with a usable inventory.
func (s *Store) SeedIfEmpty(ctx context.Context, hosts []Host) error {
	n, err := s.Count(ctx)
	if err != nil || n > 0 {
		return err
	}
	for i := range hosts {
		if err := s.Create(ctx, &hosts[i]); err != nil {
			return fmt.Errorf("hostdb: seed: %w", err)
		}
	}
	if len(hosts) > 0 {
		s.logger.Info("seeded host database", zap.Int("hosts", len(hosts)))
	}
	return nil
}
