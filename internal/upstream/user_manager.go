package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// UserConnectionRequest describes one user-scoped connection lookup
type UserConnectionRequest struct {
	User       *config.UserInfo
	ServerName string
	// ForceNew replaces this server's cached connection for the user
	ForceNew bool

	CustomUserVars map[string]string
	RequestBody    map[string]string
	RequestHeaders map[string]string

	RequiresOAuth     bool
	ReturnOnOAuth     bool
	OAuthStart        func(ctx context.Context, authorizationURL string) error
	OAuthEnd          func(ctx context.Context)
	ConnectionTimeout time.Duration
}

type userEntry struct {
	connections  map[string]*Connection
	lastActivity time.Time
}

// EvictionHook observes idle evictions
type EvictionHook func(userID string, connections int)

// UserConnectionManager pools connections per (user, server) and evicts
// every connection of a user once they have been idle past the timeout
type UserConnectionManager struct {
	factory       *ConnectionFactory
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time

	mu      sync.Mutex
	configs map[string]*config.ServerConfig
	users   map[string]*userEntry
	onEvict EvictionHook

	flights singleflight.Group

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewUserConnectionManager creates a per-user pool over configs
func NewUserConnectionManager(configs map[string]*config.ServerConfig, factory *ConnectionFactory, logger *zap.Logger) *UserConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := factory.Settings()
	idle := settings.UserConnectionIdleTimeout.Std()
	if idle <= 0 {
		idle = config.DefaultUserConnectionIdleTimeout
	}
	interval := settings.IdleSweepInterval.Std()
	if interval <= 0 {
		interval = time.Minute
	}
	owned := make(map[string]*config.ServerConfig, len(configs))
	for name, cfg := range configs {
		owned[name] = cfg
	}
	return &UserConnectionManager{
		factory:       factory,
		idleTimeout:   idle,
		sweepInterval: interval,
		logger:        logger.Named("user-connections"),
		now:           time.Now,
		configs:       owned,
		users:         make(map[string]*userEntry),
	}
}

// SetEvictionHook installs a callback invoked after each idle eviction
func (m *UserConnectionManager) SetEvictionHook(hook EvictionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = hook
}

// SetServerConfig adds or replaces a server; nil removes it and disconnects
// every user's connection to it
func (m *UserConnectionManager) SetServerConfig(serverName string, cfg *config.ServerConfig) {
	m.mu.Lock()
	if cfg != nil {
		m.configs[serverName] = cfg
		m.mu.Unlock()
		return
	}
	delete(m.configs, serverName)
	var stale []*Connection
	for _, entry := range m.users {
		if conn := entry.connections[serverName]; conn != nil {
			stale = append(stale, conn)
			delete(entry.connections, serverName)
		}
	}
	m.mu.Unlock()
	for _, conn := range stale {
		_ = conn.Disconnect()
	}
}

func userKey(userID, serverName string) string {
	return userID + "\x00" + serverName
}

// GetUserConnection returns the user's connection to a server, creating it
// when none is cached, the cached one is dead, or ForceNew is set. A user
// found idle past the timeout has all their connections dropped first. Only
// a successful lookup counts as user activity.
func (m *UserConnectionManager) GetUserConnection(ctx context.Context, req UserConnectionRequest) (*Connection, error) {
	if req.User == nil || req.User.ID == "" {
		return nil, errors.New("user-scoped connection requires a user ID")
	}
	userID := req.User.ID

	m.mu.Lock()
	cfg := m.configs[req.ServerName]
	if cfg == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, req.ServerName)
	}
	var expired []*Connection
	var existing *Connection
	entry := m.users[userID]
	if entry != nil && m.now().Sub(entry.lastActivity) > m.idleTimeout {
		expired = entryConnections(entry)
		delete(m.users, userID)
		entry = nil
	}
	if entry != nil {
		existing = entry.connections[req.ServerName]
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Info("User idle past timeout, dropped connections",
			zap.String("user_id", userID),
			zap.Int("connections", len(expired)))
		disconnectAll(expired)
	}

	if existing != nil && !req.ForceNew {
		if existing.IsConnected(ctx) {
			m.UpdateUserLastActivity(userID)
			return existing, nil
		}
		m.forget(userID, req.ServerName, existing)
		_ = existing.Disconnect()
	}

	if req.ForceNew {
		conn, err := m.create(ctx, cfg, req)
		if err != nil {
			return nil, err
		}
		if previous := m.store(userID, req.ServerName, conn); previous != nil && previous != conn {
			_ = previous.Disconnect()
		}
		m.UpdateUserLastActivity(userID)
		return conn, nil
	}

	ch := m.flights.DoChan(userKey(userID, req.ServerName), func() (interface{}, error) {
		m.mu.Lock()
		var current *Connection
		if entry := m.users[userID]; entry != nil {
			current = entry.connections[req.ServerName]
		}
		m.mu.Unlock()
		if current != nil && current != existing {
			return current, nil
		}

		conn, err := m.create(context.WithoutCancel(ctx), cfg, req)
		if err != nil {
			return nil, err
		}
		m.store(userID, req.ServerName, conn)
		return conn, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		m.UpdateUserLastActivity(userID)
		return res.Val.(*Connection), nil
	}
}

func (m *UserConnectionManager) create(ctx context.Context, cfg *config.ServerConfig, req UserConnectionRequest) (*Connection, error) {
	conn, err := m.factory.Create(ctx, CreateOptions{
		ServerName:        req.ServerName,
		Config:            cfg,
		User:              req.User,
		CustomUserVars:    req.CustomUserVars,
		RequestBody:       req.RequestBody,
		RequestHeaders:    req.RequestHeaders,
		RequiresOAuth:     req.RequiresOAuth,
		ReturnOnOAuth:     req.ReturnOnOAuth,
		OAuthStart:        req.OAuthStart,
		OAuthEnd:          req.OAuthEnd,
		ConnectionTimeout: req.ConnectionTimeout,
	})
	var pending *OAuthPendingError
	if errors.As(err, &pending) && pending.wait != nil {
		// The connection established after the callback joins the pool
		userID, serverName, inner := req.User.ID, req.ServerName, pending.wait
		pending.wait = func(ctx context.Context) (*Connection, error) {
			conn, err := inner(ctx)
			if err != nil {
				return nil, err
			}
			if previous := m.store(userID, serverName, conn); previous != nil && previous != conn {
				_ = previous.Disconnect()
			}
			m.UpdateUserLastActivity(userID)
			return conn, nil
		}
	}
	return conn, err
}

// store caches conn for the user and returns the entry it replaced
func (m *UserConnectionManager) store(userID, serverName string, conn *Connection) *Connection {
	m.mu.Lock()
	entry := m.users[userID]
	if entry == nil {
		entry = &userEntry{connections: make(map[string]*Connection), lastActivity: m.now()}
		m.users[userID] = entry
	}
	previous := entry.connections[serverName]
	entry.connections[serverName] = conn
	m.mu.Unlock()

	if previous == conn {
		return nil
	}
	conn.Subscribe(func(ev types.Event) {
		switch {
		case ev.Kind == types.EventReconnectFailed,
			ev.Kind == types.EventStateChanged && ev.To == types.StateDisconnected:
			m.forget(userID, serverName, conn)
		}
	})
	return previous
}

// forget drops the cache entry only if it still refers to conn
func (m *UserConnectionManager) forget(userID, serverName string, conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.users[userID]
	if entry == nil || entry.connections[serverName] != conn {
		return
	}
	delete(entry.connections, serverName)
}

// GetUserConnections returns the user's cached connections
func (m *UserConnectionManager) GetUserConnections(userID string) map[string]*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.users[userID]
	out := make(map[string]*Connection)
	if entry == nil {
		return out
	}
	for name, conn := range entry.connections {
		out[name] = conn
	}
	return out
}

// UserIDs returns the users currently tracked, sorted
func (m *UserConnectionManager) UserIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// UpdateUserLastActivity marks the user active now
func (m *UserConnectionManager) UpdateUserLastActivity(userID string) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.users[userID]
	if entry == nil {
		entry = &userEntry{connections: make(map[string]*Connection)}
		m.users[userID] = entry
	}
	entry.lastActivity = m.now()
}


// CheckIdleConnections disconnects and evicts every user idle past the
// timeout, sparing currentUserID. It returns the number of users evicted.
func (m *UserConnectionManager) CheckIdleConnections(currentUserID string) int {
	now := m.now()
	evicted := make(map[string][]*Connection)

	m.mu.Lock()
	for userID, entry := range m.users {
		if userID == currentUserID || now.Sub(entry.lastActivity) <= m.idleTimeout {
			continue
		}
		evicted[userID] = entryConnections(entry)
		delete(m.users, userID)
	}
	hook := m.onEvict
	m.mu.Unlock()

	for userID, conns := range evicted {
		disconnectAll(conns)
		m.logger.Info("Evicted idle user connections",
			zap.String("user_id", userID),
			zap.Int("connections", len(conns)))
		if hook != nil {
			hook(userID, len(conns))
		}
	}
	return len(evicted)
}

// DisconnectUserConnection tears down one of the user's connections
func (m *UserConnectionManager) DisconnectUserConnection(userID, serverName string) error {
	m.mu.Lock()
	var conn *Connection
	if entry := m.users[userID]; entry != nil {
		conn = entry.connections[serverName]
		delete(entry.connections, serverName)
	}
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

// DisconnectUserConnections tears down every connection of the user and
// forgets them
func (m *UserConnectionManager) DisconnectUserConnections(userID string) error {
	m.mu.Lock()
	entry := m.users[userID]
	delete(m.users, userID)
	m.mu.Unlock()
	if entry == nil {
		return nil
	}
	return disconnectAll(entryConnections(entry))
}

// DisconnectAll tears down every user's connections
func (m *UserConnectionManager) DisconnectAll() error {
	m.mu.Lock()
	var conns []*Connection
	for _, entry := range m.users {
		conns = append(conns, entryConnections(entry)...)
	}
	m.users = make(map[string]*userEntry)
	m.mu.Unlock()
	return disconnectAll(conns)
}

// Start schedules the idle sweep
func (m *UserConnectionManager) Start() {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil {
		return
	}
	m.cron = cron.New()
	m.cron.Schedule(cron.Every(m.sweepInterval), cron.FuncJob(func() {
		if n := m.CheckIdleConnections(""); n > 0 {
			m.logger.Debug("Idle sweep finished", zap.Int("users_evicted", n))
		}
	}))
	m.cron.Start()
	m.logger.Info("Idle connection sweep started",
		zap.Duration("interval", m.sweepInterval),
		zap.Duration("idle_timeout", m.idleTimeout))
}

// Stop halts the idle sweep and waits for a running pass to finish
func (m *UserConnectionManager) Stop() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

func entryConnections(entry *userEntry) []*Connection {
	conns := make([]*Connection, 0, len(entry.connections))
	for _, conn := range entry.connections {
		conns = append(conns, conn)
	}
	return conns
}

func disconnectAll(conns []*Connection) error {
	var errs []error
	for _, conn := range conns {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", conn.ServerName(), err))
		}
	}
	return errors.Join(errs...)
}
