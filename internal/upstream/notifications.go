package upstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	"go.uber.org/zap"
)

// NotificationLevel represents the level of a notification
type NotificationLevel int

const (
	NotificationInfo NotificationLevel = iota
	NotificationWarning
	NotificationError
)

// String returns the string representation of the notification level
func (l NotificationLevel) String() string {
	switch l {
	case NotificationInfo:
		return "Info"
	case NotificationWarning:
		return "Warning"
	case NotificationError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Notification is a host-facing summary of a significant connection event
type Notification struct {
	Level      NotificationLevel `json:"level"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	ServerName string            `json:"server_name,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// NotificationHandler receives notifications
type NotificationHandler interface {
	SendNotification(notification *Notification)
}

// NotificationHandlerFunc adapts a function to NotificationHandler
type NotificationHandlerFunc func(notification *Notification)

// SendNotification calls f
func (f NotificationHandlerFunc) SendNotification(notification *Notification) {
	f(notification)
}

// NotificationManager fans notifications out to its handlers
type NotificationManager struct {
	mu       sync.RWMutex
	handlers []NotificationHandler
}

// NewNotificationManager creates a new notification manager
func NewNotificationManager() *NotificationManager {
	return &NotificationManager{}
}

// AddHandler adds a notification handler
func (nm *NotificationManager) AddHandler(handler NotificationHandler) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.handlers = append(nm.handlers, handler)
}

// SendNotification delivers to every handler on its own goroutine so a slow
// handler never blocks the connection that emitted the event
func (nm *NotificationManager) SendNotification(notification *Notification) {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}
	nm.mu.RLock()
	handlers := append([]NotificationHandler(nil), nm.handlers...)
	nm.mu.RUnlock()

	for _, handler := range handlers {
		go handler.SendNotification(notification)
	}
}

// NotifyServerConnected sends a notification when a server connects
func (nm *NotificationManager) NotifyServerConnected(serverName, userID string) {
	nm.SendNotification(&Notification{
		Level:      NotificationInfo,
		Title:      "Server Connected",
		Message:    fmt.Sprintf("Successfully connected to %s", serverName),
		ServerName: serverName,
		UserID:     userID,
	})
}

// NotifyServerDisconnected sends a notification when a server disconnects
func (nm *NotificationManager) NotifyServerDisconnected(serverName, userID string, reason error) {
	level := NotificationWarning
	message := fmt.Sprintf("Disconnected from %s", serverName)
	if reason != nil {
		message = fmt.Sprintf("Disconnected from %s: %s", serverName, reason.Error())
		level = NotificationError
	}
	nm.SendNotification(&Notification{
		Level:      level,
		Title:      "Server Disconnected",
		Message:    message,
		ServerName: serverName,
		UserID:     userID,
	})
}

// NotifyServerError sends a notification when a server encounters an error
func (nm *NotificationManager) NotifyServerError(serverName, userID string, err error) {
	nm.SendNotification(&Notification{
		Level:      NotificationError,
		Title:      "Server Error",
		Message:    fmt.Sprintf("Error with %s: %s", serverName, err.Error()),
		ServerName: serverName,
		UserID:     userID,
	})
}

// NotifyOAuthRequired sends a notification when OAuth authentication is required
func (nm *NotificationManager) NotifyOAuthRequired(serverName, userID string) {
	nm.SendNotification(&Notification{
		Level:      NotificationInfo,
		Title:      "Authentication Required",
		Message:    fmt.Sprintf("OAuth authentication required for %s", serverName),
		ServerName: serverName,
		UserID:     userID,
	})
}

// EventNotifier turns connection lifecycle events into notifications. Only
// significant changes are reported.
func EventNotifier(nm *NotificationManager) types.Listener {
	return func(ev types.Event) {
		switch ev.Kind {
		case types.EventStateChanged:
			switch {
			case ev.To == types.StateConnected && ev.From != types.StateConnected:
				nm.NotifyServerConnected(ev.ServerName, ev.UserID)
			case ev.To == types.StateDisconnected && ev.From == types.StateConnected:
				nm.NotifyServerDisconnected(ev.ServerName, ev.UserID, ev.Err)
			}
		case types.EventOAuthRequired:
			nm.NotifyOAuthRequired(ev.ServerName, ev.UserID)
		case types.EventReconnectFailed:
			nm.NotifyServerDisconnected(ev.ServerName, ev.UserID, ev.Err)
		case types.EventError:
			if ev.Err != nil {
				nm.NotifyServerError(ev.ServerName, ev.UserID, ev.Err)
			}
		}
	}
}

// LogNotificationHandler writes notifications to a zap logger
func LogNotificationHandler(logger *zap.Logger) NotificationHandler {
	logger = logger.Named("notifications")
	return NotificationHandlerFunc(func(n *Notification) {
		fields := []zap.Field{
			zap.String("title", n.Title),
			zap.String("server", n.ServerName),
			zap.Time("timestamp", n.Timestamp),
		}
		if n.UserID != "" {
			fields = append(fields, zap.String("user_id", n.UserID))
		}
		switch n.Level {
		case NotificationError:
			logger.Warn(n.Message, fields...)
		default:
			logger.Info(n.Message, fields...)
		}
	})
}
