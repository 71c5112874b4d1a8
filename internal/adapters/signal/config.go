package signal

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/renderstream/internal/core"
)

type Config struct {
	// URL is the relay base address. http(s) and ws(s) schemes are both accepted.
	URL          string
	PollInterval time.Duration
	PingPeriod   time.Duration
	ReadLimit    int64
	StartTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	return c
}

// New returns the WebSocket variant when useWebSocket is set, otherwise the HTTP polling one.
func New(cfg Config, useWebSocket bool) core.SignalingChannel {
	if useWebSocket {
		return NewSocket(cfg)
	}
	return NewPoll(cfg)
}

// endpoints derives the HTTP base and WebSocket URLs from the configured address.
func endpoints(raw string) (httpBase, wsURL string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse signaling url: %w", err)
	}

	h, w := *u, *u
	switch u.Scheme {
	case "http", "https":
		w.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
		w.Path = strings.TrimSuffix(u.Path, "/") + "/signaling/ws"
	case "ws", "wss":
		h.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
		h.Path = ""
	default:
		return "", "", fmt.Errorf("unsupported signaling scheme %q", u.Scheme)
	}
	return strings.TrimSuffix(h.String(), "/"), w.String(), nil
}
