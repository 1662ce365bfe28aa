package stdio

import (
	"log/slog"
	"time"
)

// Option customizes a Client.
type Option func(*Client)

// WithLogger overrides the logger. The client decorates it so records carry
// connection and rpc attributes.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDiscardSink installs an observer for lines the read loop drops
// (malformed JSON, responses with no matching call). The sink runs on the
// read loop and must not retain the line slice beyond the call. Discarding
// stays silent-by-default; the sink never changes control flow.
func WithDiscardSink(fn func(line []byte, reason DiscardReason)) Option {
	return func(c *Client) {
		c.discard = fn
	}
}

// WithCloseGrace sets how long Close waits for a child process to exit after
// its stdin closes before killing it.
func WithCloseGrace(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithMaxLineBytes raises or lowers the cap on a single received line.
func WithMaxLineBytes(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxLineBytes = n
		}
	}
}
