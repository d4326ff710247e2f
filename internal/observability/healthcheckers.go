package observability

import (
	"context"
	"fmt"
)

// Pinger is satisfied by storage.BoltDB
type Pinger interface {
	Ping() error
}

// DatabaseChecker verifies the token and flow database is readable
type DatabaseChecker struct {
	db Pinger
}

// NewDatabaseChecker creates a checker for db
func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

// Name implements Checker
func (c *DatabaseChecker) Name() string { return "database" }

// Check implements Checker
func (c *DatabaseChecker) Check(_ context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database is nil")
	}
	return c.db.Ping()
}

// RegistryChecker is ready once the servers registry finished its startup probe
type RegistryChecker struct {
	initialized func() bool
}

// NewRegistryChecker creates a readiness checker around an initialization flag
func NewRegistryChecker(initialized func() bool) *RegistryChecker {
	return &RegistryChecker{initialized: initialized}
}

// Name implements Checker
func (c *RegistryChecker) Name() string { return "registry" }

// Check implements Checker
func (c *RegistryChecker) Check(_ context.Context) error {
	if c.initialized == nil || !c.initialized() {
		return fmt.Errorf("servers registry not initialized")
	}
	return nil
}
