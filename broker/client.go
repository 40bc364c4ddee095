package broker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gridware/telecore/point"
)

// client holds one connection's state: its subscription, its delivery
// timer, and the last values sent so pushes carry only changes.
type client struct {
	id   string
	conn *websocket.Conn

	connectedAt  time.Time
	lastActivity atomic.Value // time.Time
	closed       atomic.Bool
	closeOnce    sync.Once
	writeMutex   sync.Mutex // gorilla/websocket panics on concurrent writes
	limiter      *rate.Limiter

	// subscription state, guarded by mu
	mu        sync.Mutex
	channels  map[int]struct{}
	dataTypes map[point.Type]struct{}
	interval  time.Duration
	lastSent  map[string]map[string]float64 // point key -> field -> value
	timerStop context.CancelFunc
}

func newClient(id string, conn *websocket.Conn, msgRate rate.Limit, burst int) *client {
	c := &client{
		id:          id,
		conn:        conn,
		connectedAt: time.Now(),
		limiter:     rate.NewLimiter(msgRate, burst),
		channels:    make(map[int]struct{}),
		dataTypes:   make(map[point.Type]struct{}),
		lastSent:    make(map[string]map[string]float64),
	}
	c.lastActivity.Store(time.Now())
	return c
}

func (c *client) touch() {
	c.lastActivity.Store(time.Now())
}

func (c *client) idleSince() time.Time {
	return c.lastActivity.Load().(time.Time)
}

// send writes one envelope. Safe for concurrent use.
func (c *client) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// sendPayload wraps a payload in an envelope and writes it.
func (c *client) sendPayload(msgType string, payload any) error {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.send(env)
}

// subscription returns a copy of the current channel/type sets.
func (c *client) subscription() (channels []int, types []point.Type, interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	for typ := range c.dataTypes {
		types = append(types, typ)
	}
	return channels, types, c.interval
}

// setSubscription merges accepted channels and replaces the type set and
// interval. It returns true when the delivery timer must be restarted.
func (c *client) setSubscription(channels []int, types []point.Type, interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	if len(types) > 0 {
		c.dataTypes = make(map[point.Type]struct{}, len(types))
		for _, typ := range types {
			c.dataTypes[typ] = struct{}{}
		}
	}
	restart := interval != c.interval || c.timerStopLocked() == nil
	c.interval = interval
	return restart
}

// removeChannels drops channels from the subscription and reports
// whether any remain.
func (c *client) removeChannels(channels []int) (remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	return len(c.channels)
}

// diff computes the changed fields for one point key against lastSent
// and records the new values.
func (c *client) diff(key string, current map[string]float64) map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.lastSent[key]
	changed := make(map[string]float64)
	for field, value := range current {
		if old, ok := prev[field]; !ok || old != value {
			changed[field] = value
		}
	}
	if len(changed) > 0 {
		next := make(map[string]float64, len(current))
		for field, value := range current {
			next[field] = value
		}
		c.lastSent[key] = next
	}
	return changed
}

// forgetKeys drops delivery history for specific point maps so a fresh
// subscribe snapshots their full current values.
func (c *client) forgetKeys(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.lastSent, key)
	}
}

// forgetSent clears delivery history so the next tick resends everything.
func (c *client) forgetSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSent = make(map[string]map[string]float64)
}

func (c *client) timerStopLocked() context.CancelFunc {
	return c.timerStop
}

// swapTimer installs a new delivery timer cancel func, stopping the
// previous one.
func (c *client) swapTimer(stop context.CancelFunc) {
	c.mu.Lock()
	prev := c.timerStop
	c.timerStop = stop
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// stopTimer cancels the delivery timer, if any.
func (c *client) stopTimer() {
	c.swapTimer(nil)
}
