package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ConnectionsRepository pools app-level connections, one per server
type ConnectionsRepository struct {
	factory *ConnectionFactory
	logger  *zap.Logger

	mu          sync.RWMutex
	configs     map[string]*config.ServerConfig
	connections map[string]*Connection
	flights     singleflight.Group
}

// NewConnectionsRepository creates a pool over the given app-level servers
func NewConnectionsRepository(configs map[string]*config.ServerConfig, factory *ConnectionFactory, logger *zap.Logger) *ConnectionsRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	owned := make(map[string]*config.ServerConfig, len(configs))
	for name, cfg := range configs {
		owned[name] = cfg
	}
	return &ConnectionsRepository{
		factory:     factory,
		logger:      logger.Named("app-connections"),
		configs:     owned,
		connections: make(map[string]*Connection),
	}
}

// Has reports whether serverName is an app-level server
func (r *ConnectionsRepository) Has(serverName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.configs[serverName]
	return ok
}

// ServerNames returns the configured app-level servers, sorted
func (r *ConnectionsRepository) ServerNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// SetServerConfig adds or replaces an app-level server; nil removes it and
// tears down its pooled connection
func (r *ConnectionsRepository) SetServerConfig(serverName string, cfg *config.ServerConfig) {
	r.mu.Lock()
	if cfg != nil {
		r.configs[serverName] = cfg
		r.mu.Unlock()
		return
	}
	delete(r.configs, serverName)
	r.mu.Unlock()
	_ = r.Disconnect(serverName)
}

// Get returns the pooled connection for serverName, building it on first
// use. A pooled connection that fails its liveness check is replaced.
func (r *ConnectionsRepository) Get(ctx context.Context, serverName string) (*Connection, error) {
	r.mu.RLock()
	cfg := r.configs[serverName]
	existing := r.connections[serverName]
	r.mu.RUnlock()
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverName)
	}

	if existing != nil {
		if existing.IsConnected(ctx) {
			return existing, nil
		}
		r.logger.Info("Pooled connection is stale, replacing", zap.String("server", serverName))
		r.forget(serverName, existing)
		_ = existing.Disconnect()
	}

	ch := r.flights.DoChan(serverName, func() (interface{}, error) {
		r.mu.RLock()
		current := r.connections[serverName]
		r.mu.RUnlock()
		if current != nil && current != existing {
			return current, nil
		}

		conn, err := r.factory.Create(context.WithoutCancel(ctx), CreateOptions{
			ServerName: serverName,
			Config:     cfg,
		})
		if err != nil {
			return nil, err
		}
		r.track(serverName, conn)
		return conn, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	}
}

// GetMany resolves several servers concurrently. It returns every connection
// that succeeded together with the joined errors of those that did not.
func (r *ConnectionsRepository) GetMany(ctx context.Context, serverNames []string) (map[string]*Connection, error) {
	var (
		mu    sync.Mutex
		out   = make(map[string]*Connection, len(serverNames))
		errs  []error
		group errgroup.Group
	)
	for _, name := range serverNames {
		group.Go(func() error {
			conn, err := r.Get(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return nil
			}
			out[name] = conn
			return nil
		})
	}
	_ = group.Wait()
	return out, errors.Join(errs...)
}

// GetAll resolves every app-level server
func (r *ConnectionsRepository) GetAll(ctx context.Context) (map[string]*Connection, error) {
	return r.GetMany(ctx, r.ServerNames())
}

// GetLoaded returns the currently pooled connections without creating any
func (r *ConnectionsRepository) GetLoaded() map[string]*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Connection, len(r.connections))
	for name, conn := range r.connections {
		out[name] = conn
	}
	return out
}

// Disconnect tears down and removes the pooled connection for serverName
func (r *ConnectionsRepository) Disconnect(serverName string) error {
	r.mu.Lock()
	conn := r.connections[serverName]
	delete(r.connections, serverName)
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

// DisconnectAll tears down every pooled connection
func (r *ConnectionsRepository) DisconnectAll() error {
	r.mu.Lock()
	conns := r.connections
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	var group errgroup.Group
	for name, conn := range conns {
		group.Go(func() error {
			if err := conn.Disconnect(); err != nil {
				return fmt.Errorf("disconnect %s: %w", name, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// track pools conn and evicts it once it gives up reconnecting or is
// disconnected by anyone other than the pool
func (r *ConnectionsRepository) track(serverName string, conn *Connection) {
	r.mu.Lock()
	r.connections[serverName] = conn
	r.mu.Unlock()

	conn.Subscribe(func(ev types.Event) {
		switch {
		case ev.Kind == types.EventReconnectFailed,
			ev.Kind == types.EventStateChanged && ev.To == types.StateDisconnected:
			if r.forget(serverName, conn) {
				r.logger.Info("Removed connection from pool",
					zap.String("server", serverName),
					zap.String("connection_id", conn.ID()))
			}
		}
	})
}

// forget removes the pool entry only if it still refers to conn
func (r *ConnectionsRepository) forget(serverName string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connections[serverName] != conn {
		return false
	}
	delete(r.connections, serverName)
	return true
}
