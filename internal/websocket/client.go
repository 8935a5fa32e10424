// Package websocket maintains the daemon's connection to the relay
// server that fronts web clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
)

// MessageType represents different message types.
type MessageType string

const (
	// Web → Desktop
	MessageTypeAuthenticate    MessageType = "authenticate"
	MessageTypeCreateSession   MessageType = "create_session"
	MessageTypeExecute         MessageType = "execute"
	MessageTypeInterrupt       MessageType = "interrupt"
	MessageTypePauseSession    MessageType = "pause_session"
	MessageTypeResumeSession   MessageType = "resume_session"
	MessageTypeCompleteSession MessageType = "complete_session"
	MessageTypeListAdapters    MessageType = "list_adapters"
	MessageTypeListSessions    MessageType = "list_sessions"
	MessageTypeResetSession    MessageType = "reset_session" // admin: unblock a tracked session

	// Desktop → Web
	MessageTypeAuthResult     MessageType = "auth_result"
	MessageTypeSessionCreated MessageType = "session_created"
	MessageTypeProcessStarted MessageType = "process_started"
	MessageTypeOutputChunk    MessageType = "output_chunk"
	MessageTypeProcessExited  MessageType = "process_exited"
	MessageTypeAdaptersList   MessageType = "adapters_list"
	MessageTypeSessionsList   MessageType = "sessions_list"
	MessageTypeError          MessageType = "error"

	// Both directions
	MessageTypePresence MessageType = "presence"
)

const (
	// maxMessageSize is the maximum message size allowed (512 KB)
	maxMessageSize = 512 * 1024

	// pingInterval is how often we send pings to keep connection alive
	pingInterval = 30 * time.Second

	// pingTimeout is how long we wait for pong response
	pingTimeout = 10 * time.Second

	// writeTimeout is max time to write a message
	writeTimeout = 10 * time.Second

	// maxReconnectDelay caps the reconnect backoff (consistent with the
	// web client).
	maxReconnectDelay = 30 * time.Second
)

// Message represents a message sent/received via WebSocket.
type Message struct {
	UserID     string          `json:"user_id"`
	ClientID   string          `json:"client_id,omitempty"` // originating client identity, set by the relay
	DeviceType string          `json:"device_type"`
	Type       MessageType     `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// MessageHandler is called when a message is received.
type MessageHandler func(msg *Message)

// Client manages the WebSocket connection to the relay server.
type Client struct {
	url      string
	token    string
	deviceID string

	conn      *websocket.Conn
	mu        sync.Mutex
	onMessage MessageHandler

	// Main context (cancelled when Close() is called)
	ctx    context.Context
	cancel context.CancelFunc

	// Connection lifecycle management
	connMu       sync.Mutex  // Protects connection state transitions
	connected    atomic.Bool // Atomic flag for connection status
	reconnecting atomic.Bool // Prevents multiple concurrent reconnection attempts

	// Pump synchronization
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpWg     sync.WaitGroup // Wait for pumps to exit before reconnecting
}

// NewClient creates a new WebSocket client.
func NewClient(url, token, deviceID string, onMessage MessageHandler) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:       url,
		token:     token,
		deviceID:  deviceID,
		onMessage: onMessage,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// newBackoff builds the reconnect policy: 1s initial, 1.5x growth,
// capped, never giving up on its own.
func (c *Client) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 1.5
	b.MaxInterval = maxReconnectDelay
	b.MaxElapsedTime = 0 // retry until the client is closed
	return backoff.WithContext(b, c.ctx)
}

// Connect establishes a WebSocket connection.
func (c *Client) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	return c.connectLocked()
}

// connectLocked establishes connection (must be called with connMu held).
func (c *Client) connectLocked() error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("client shutting down")
	default:
	}

	// Cancel any existing pumps and wait for them to exit.
	if c.pumpCancel != nil {
		c.pumpCancel()
		waitDone := make(chan struct{})
		go func() {
			c.pumpWg.Wait()
			close(waitDone)
		}()

		select {
		case <-waitDone:
		case <-c.ctx.Done():
			return fmt.Errorf("client shutting down")
		case <-time.After(2 * time.Second):
			// Old pumps will exit eventually since their context is cancelled.
			log.Println("⚠️  Timeout waiting for pumps to exit, proceeding anyway")
		}
	}

	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "reconnecting")
		c.conn = nil
	}
	c.connected.Store(false)

	c.pumpCtx, c.pumpCancel = context.WithCancel(c.ctx)

	urlWithParams := fmt.Sprintf("%s?token=%s&device_type=desktop&device_id=%s", c.url, c.token, c.deviceID)

	conn, _, err := websocket.Dial(c.ctx, urlWithParams, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	c.conn = conn
	c.connected.Store(true)

	log.Println("✅ Connected to relay server")

	c.pumpWg.Add(2)
	go c.readPump()
	go c.writePump()

	return nil
}

// ConnectWithRetry connects with automatic retry.
func (c *Client) ConnectWithRetry() {
	op := func() error {
		c.connMu.Lock()
		defer c.connMu.Unlock()
		return c.connectLocked()
	}
	notify := func(err error, next time.Duration) {
		log.Printf("Failed to connect: %v. Retrying in %v...", err, next.Round(time.Millisecond))
	}
	_ = backoff.RetryNotify(op, c.newBackoff(), notify)
}

// readPump reads messages from the WebSocket.
func (c *Client) readPump() {
	defer c.pumpWg.Done()
	defer c.triggerReconnect()

	for {
		select {
		case <-c.pumpCtx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.Read(c.pumpCtx)
		if err != nil {
			select {
			case <-c.pumpCtx.Done():
				return // Normal shutdown
			default:
			}
			log.Printf("WebSocket read error: %v", err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse WebSocket message: %v", err)
			continue
		}

		if c.onMessage != nil {
			c.onMessage(&msg)
		}
	}
}

// writePump handles ping/pong to keep the connection alive.
func (c *Client) writePump() {
	defer c.pumpWg.Done()
	defer c.triggerReconnect()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pumpCtx.Done():
			return

		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			ctx, cancel := context.WithTimeout(c.pumpCtx, pingTimeout)
			err := conn.Ping(ctx)
			cancel()

			if err != nil {
				select {
				case <-c.pumpCtx.Done():
					return
				default:
				}
				log.Printf("WebSocket ping failed: %v", err)
				return
			}
		}
	}
}

// triggerReconnect handles disconnection. An atomic flag ensures only one
// reconnection attempt runs at a time.
func (c *Client) triggerReconnect() {
	select {
	case <-c.ctx.Done():
		return // Shutting down
	default:
	}

	if !c.reconnecting.CompareAndSwap(false, true) {
		return // Reconnection already in progress
	}

	log.Println("❌ Disconnected from relay server, reconnecting...")

	go func() {
		defer c.reconnecting.Store(false)
		c.ConnectWithRetry()
	}()
}

// SendMessage sends a message to the relay server.
func (c *Client) SendMessage(msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.connected.Load() {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close closes the WebSocket connection.
func (c *Client) Close() {
	c.cancel()

	c.connMu.Lock()
	if c.pumpCancel != nil {
		c.pumpCancel()
	}
	c.connMu.Unlock()

	c.pumpWg.Wait()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()
}
