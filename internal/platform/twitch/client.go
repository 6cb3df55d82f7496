// Package twitch speaks Twitch chat (IRC over WebSocket).
package twitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/models"
)

var (
	// ErrNotConnected is returned by Send before Connect succeeds.
	ErrNotConnected = errors.New("twitch: not connected")
	// ErrReconnectRequested means the server asked the client to reconnect.
	ErrReconnectRequested = errors.New("twitch: server requested reconnect")
)

// Handler receives every chat event, including the bot's own lines.
type Handler interface {
	HandleEvent(ctx context.Context, event *models.ChatEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *models.ChatEvent)

func (f HandlerFunc) HandleEvent(ctx context.Context, event *models.ChatEvent) { f(ctx, event) }

// Client is a single-channel Twitch chat connection.
type Client struct {
	url     string
	token   string
	nick    string
	channel string
	dialer  *websocket.Dialer
	logger  *logrus.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	echoes chan *models.ChatEvent
}

// NewClient creates a chat client for the configured channel.
func NewClient(cfg config.TwitchConfig, logger *logrus.Logger) *Client {
	return &Client{
		url:     cfg.URL,
		token:   cfg.Token,
		nick:    strings.ToLower(cfg.BotUsername),
		channel: strings.ToLower(strings.TrimPrefix(cfg.Channel, "#")),
		dialer:  websocket.DefaultDialer,
		logger:  logger,
		echoes:  make(chan *models.ChatEvent, 64),
	}
}

// Channel returns the joined channel name without '#'.
func (c *Client) Channel() string { return c.channel }

// Connect dials the server, authenticates and joins the channel.
func (c *Client) Connect(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial %s (status %d): %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	token := c.token
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	for _, line := range []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS " + token,
		"NICK " + c.nick,
		"JOIN #" + c.channel,
	} {
		if err := c.writeLine(line); err != nil {
			c.closeConn()
			return fmt.Errorf("failed to log in: %w", err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"channel": c.channel,
		"nick":    c.nick,
	}).Info("Connected to Twitch chat")
	return nil
}

// Run connects and serves events until ctx is cancelled, reconnecting with
// exponential backoff when the connection drops.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	backoff := time.Second
	for {
		err := c.Connect(ctx)
		if err == nil {
			backoff = time.Second
			err = c.Serve(ctx, handler)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.WithError(err).WithField("retryIn", backoff).Warn("Twitch connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

// Serve reads from the current connection, answering PINGs and passing chat
// events to handler one at a time, until the connection ends or ctx is done.
func (c *Client) Serve(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frames := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	go readFrames(conn, frames, readErr, done)

	// Deferred in this order: the connection closes first, then the reader
	// is released if it is waiting to hand over a frame.
	defer close(done)
	defer c.closeConn()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("read failed: %w", err)
		case event := <-c.echoes:
			handler.HandleEvent(ctx, event)
		case frame := <-frames:
			for _, line := range strings.Split(frame, "\r\n") {
				if err := c.handleLine(ctx, line, handler); err != nil {
					return err
				}
			}
		}
	}
}

// readFrames passes frames from conn to frames until reading fails or done
// is closed.
func readFrames(conn *websocket.Conn, frames chan<- string, readErr chan<- error, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- string(data):
		case <-done:
			return
		}
	}
}

func (c *Client) handleLine(ctx context.Context, line string, handler Handler) error {
	msg, err := ParseLine(line)
	if errors.Is(err, ErrEmptyLine) {
		return nil
	}
	if err != nil {
		c.logger.WithError(err).WithField("line", line).Debug("Ignoring unparseable line")
		return nil
	}

	switch msg.Command {
	case "PING":
		return c.writeLine("PONG :" + msg.Trailing())
	case "PRIVMSG":
		handler.HandleEvent(ctx, toChatEvent(msg))
	case "RECONNECT":
		return ErrReconnectRequested
	case "NOTICE":
		c.logger.WithField("notice", msg.Trailing()).Warn("Twitch notice")
	case "001":
		c.logger.Debug("Twitch login accepted")
	}
	return nil
}

// Send writes text to the channel and queues the matching bot event.
func (c *Client) Send(ctx context.Context, text string) error {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	if err := c.writeLine("PRIVMSG #" + c.channel + " :" + text); err != nil {
		return err
	}

	select {
	case c.echoes <- botEvent(c.nick, c.channel, text):
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.logger.Warn("Echo queue full, dropping bot event")
	}
	return nil
}

func (c *Client) writeLine(line string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.closeConn()
	return nil
}
