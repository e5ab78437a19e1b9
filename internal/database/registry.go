package database

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"trial-license-system/internal/config"

	"gorm.io/gorm"
)

// OpenFunc provisions the handle for a name.
type OpenFunc func(name string) (*gorm.DB, error)

var tenantNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Registry owns named database handles (the core handle and per-tenant
// handles) with an explicit open/close lifecycle.
type Registry struct {
	mu      sync.Mutex
	open    OpenFunc
	handles map[string]*gorm.DB
	closed  bool
}

func NewRegistry(open OpenFunc) *Registry {
	return &Registry{open: open, handles: make(map[string]*gorm.DB)}
}

// TenantOpener opens one database per tenant from the TenantDSN template
// and migrates it.
func TenantOpener(cfg config.DatabaseConfig, log *slog.Logger) OpenFunc {
	return func(name string) (*gorm.DB, error) {
		if !tenantNamePattern.MatchString(name) {
			return nil, fmt.Errorf("invalid tenant name %q", name)
		}
		db, err := Open(cfg.Driver, fmt.Sprintf(cfg.TenantDSN, name), cfg.MaxOpenConns, log)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db); err != nil {
			return nil, err
		}
		return db, nil
	}
}

// Add registers an already open handle under name.
func (r *Registry) Add(name string, db *gorm.DB) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("registry closed")
	}
	if _, ok := r.handles[name]; ok {
		return fmt.Errorf("handle %q already registered", name)
	}
	r.handles[name] = db
	return nil
}

// Get returns the handle for name, provisioning it on first use.
func (r *Registry) Get(name string) (*gorm.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("registry closed")
	}
	if db, ok := r.handles[name]; ok {
		return db, nil
	}
	if r.open == nil {
		return nil, fmt.Errorf("no handle registered for %q", name)
	}
	db, err := r.open(name)
	if err != nil {
		return nil, fmt.Errorf("provision %q: %w", name, err)
	}
	r.handles[name] = db
	return db, nil
}

// Names lists the open handles.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	return names
}

// Close closes and forgets one handle.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	db, ok := r.handles[name]
	delete(r.handles, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return closeDB(db)
}

// CloseAll closes every handle. The registry refuses new handles afterwards.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*gorm.DB)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for name, db := range handles {
		if err := closeDB(db); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
