package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gridware/telecore/alarm"
	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/dispatch"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/metric"
	"github.com/gridware/telecore/point"
)

// QueueNotifier lets the broker tell the dispatcher about queues that
// have no point map yet, so a control request is consumed immediately.
type QueueNotifier interface {
	EnsureQueue(ctx context.Context, q dispatch.Queue)
}

// Broker is the subscription broker component.
type Broker struct {
	ks          bus.Keyspace
	addr        string
	path        string
	dataSource  string
	queueSource string
	logger      *slog.Logger
	metrics     *Metrics

	defaultInterval time.Duration
	minInterval     time.Duration
	staleAfter      time.Duration
	msgRate         rate.Limit
	msgBurst        int
	resultPoll      time.Duration
	cmdTTL          time.Duration

	queues      QueueNotifier
	alarmEvents <-chan alarm.Event

	upgrader  websocket.Upgrader
	server    *http.Server
	clients   map[string]*client
	clientsMu sync.RWMutex

	mu       sync.Mutex
	shutdown chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithAddr sets the listen address. An empty address disables the
// built-in listener; the caller mounts Handler on its own server.
func WithAddr(addr string) BrokerOption {
	return func(b *Broker) { b.addr = addr }
}

// WithPath sets the websocket endpoint path.
func WithPath(path string) BrokerOption {
	return func(b *Broker) {
		if path != "" {
			b.path = path
		}
	}
}

// WithSources sets the point map source read for pushes and the queue
// source written for control requests.
func WithSources(dataSource, queueSource string) BrokerOption {
	return func(b *Broker) {
		if dataSource != "" {
			b.dataSource = dataSource
		}
		if queueSource != "" {
			b.queueSource = queueSource
		}
	}
}

// WithQueueNotifier wires the dispatcher's queue discovery.
func WithQueueNotifier(n QueueNotifier) BrokerOption {
	return func(b *Broker) { b.queues = n }
}

// WithAlarmEvents wires the alarm manager's event stream.
func WithAlarmEvents(events <-chan alarm.Event) BrokerOption {
	return func(b *Broker) { b.alarmEvents = events }
}

// WithRateLimit bounds inbound messages per connection.
func WithRateLimit(perSecond float64, burst int) BrokerOption {
	return func(b *Broker) {
		if perSecond > 0 {
			b.msgRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			b.msgBurst = burst
		}
	}
}

// WithCommandTTL bounds how long a control command may wait for its
// completion record. Rounded down to whole seconds, minimum one.
func WithCommandTTL(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d >= time.Second {
			b.cmdTTL = d
		}
	}
}

// WithStaleAfter sets the idle window after which connections are reaped.
func WithStaleAfter(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.staleAfter = d
		}
	}
}

// WithMetrics enables broker metrics against the given registry.
func WithMetrics(registry *metric.MetricsRegistry) BrokerOption {
	return func(b *Broker) { b.metrics = newMetrics(registry) }
}

// NewBroker creates a subscription broker.
func NewBroker(ks bus.Keyspace, opts ...BrokerOption) *Broker {
	b := &Broker{
		ks:              ks,
		addr:            ":8090",
		path:            "/ws",
		dataSource:      bus.SourceComsrv,
		queueSource:     bus.SourceInst,
		logger:          slog.Default().With("component", "broker"),
		defaultInterval: time.Second,
		minInterval:     100 * time.Millisecond,
		staleAfter:      5 * time.Minute,
		msgRate:         rate.Limit(20),
		msgBurst:        40,
		resultPoll:      200 * time.Millisecond,
		cmdTTL:          point.DefaultCommandTTL,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the websocket server, the maintenance loop and the
// alarm pump.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutdown != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Broker", "Start", "check broker state")
	}
	b.shutdown = make(chan struct{})
	b.done = make(chan struct{})

	if b.addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc(b.path, func(w http.ResponseWriter, r *http.Request) {
			b.handleWebSocket(ctx, w, r)
		})
		b.server = &http.Server{
			Addr:              b.addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		b.wg.Add(1)
		go b.serve()
	}

	b.wg.Add(1)
	go b.maintain(ctx)

	if b.alarmEvents != nil {
		b.wg.Add(1)
		go b.pumpAlarms(ctx)
	}

	go func() {
		b.wg.Wait()
		close(b.done)
	}()

	b.logger.Info("broker started", "addr", b.addr, "path", b.path)
	return nil
}

// Stop closes the server and every client connection.
func (b *Broker) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if b.shutdown == nil {
		b.mu.Unlock()
		return nil
	}
	close(b.shutdown)
	server := b.server
	done := b.done
	b.mu.Unlock()

	if server != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutCtx); err != nil {
			_ = server.Close()
		}
	}

	b.clientsMu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clientsMu.Unlock()
	for _, c := range clients {
		b.removeClient(c)
	}

	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("broker shutdown timeout")
	}

	b.mu.Lock()
	b.shutdown = nil
	b.mu.Unlock()
	return nil
}

// Addr returns the configured listen address, for tests and logs.
func (b *Broker) Addr() string {
	return b.addr
}

func (b *Broker) serve() {
	defer b.wg.Done()
	if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		b.logger.Error("broker server failed", "error", err)
	}
}

// Handler returns the websocket handler, letting tests mount the broker
// on their own server.
func (b *Broker) Handler(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.handleWebSocket(ctx, w, r)
	}
}

func (b *Broker) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("connection upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, b.msgRate, b.msgBurst)

	b.clientsMu.Lock()
	b.clients[c.id] = c
	count := len(b.clients)
	b.clientsMu.Unlock()

	if b.metrics != nil {
		b.metrics.connected(count)
	}
	b.logger.Info("client connected", "client_id", c.id, "remote", r.RemoteAddr, "clients", count)

	if err := c.sendPayload(TypeConnectionEstablished, ConnectionEstablished{
		ClientID:   c.id,
		ServerTime: time.Now().UnixMilli(),
	}); err != nil {
		b.removeClient(c)
		return
	}

	b.wg.Add(1)
	go b.readLoop(ctx, c)
}

// shutdownChan snapshots the current shutdown channel so goroutines do
// not race with Stop resetting it.
func (b *Broker) shutdownChan() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown
}

func (b *Broker) readLoop(ctx context.Context, c *client) {
	defer b.wg.Done()
	defer b.removeClient(c)

	shutdown := b.shutdownChan()

	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		if !c.limiter.Allow() {
			b.sendError(c, "rate_limited", "too many messages", "", "")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.sendError(c, "bad_message", "malformed envelope", err.Error(), "")
			continue
		}
		if b.metrics != nil {
			b.metrics.received(env.Type)
		}

		switch env.Type {
		case TypeSubscribe:
			b.handleSubscribe(ctx, c, env)
		case TypeUnsubscribe:
			b.handleUnsubscribe(c, env)
		case TypeControl:
			b.handleControl(ctx, c, env)
		case TypePing:
			b.handlePing(c, env)
		default:
			b.sendError(c, "unknown_type", fmt.Sprintf("unknown message type %q", env.Type), "", env.ID)
		}
	}
}

// handleSubscribe validates the requested channels, acks, primes the
// client with an immediate snapshot and (re)starts its delivery timer.
func (b *Broker) handleSubscribe(ctx context.Context, c *client, env Envelope) {
	var req SubscribeRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		b.sendError(c, "bad_request", "malformed subscribe payload", err.Error(), env.ID)
		return
	}

	types, err := parseTypes(req.DataTypes)
	if err != nil {
		b.sendError(c, "bad_request", err.Error(), "", env.ID)
		return
	}

	if req.ClientID != "" && req.ClientID != c.id {
		b.adoptClientID(c, req.ClientID)
	}

	var subscribed, failed []int
	for _, ch := range req.Channels {
		if b.channelExists(ctx, ch, types) {
			subscribed = append(subscribed, ch)
		} else {
			failed = append(failed, ch)
		}
	}
	sort.Ints(subscribed)
	sort.Ints(failed)

	if err := c.sendPayload(TypeSubscribeAck, SubscribeAck{
		RequestID:  env.ID,
		Subscribed: subscribed,
		Failed:     failed,
		Total:      len(subscribed),
	}); err != nil {
		return
	}

	if len(subscribed) == 0 {
		return
	}

	interval := time.Duration(req.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = b.defaultInterval
	}
	if interval < b.minInterval {
		interval = b.minInterval
	}

	restart := c.setSubscription(subscribed, types, interval)

	// a re-subscribed channel may carry history from before an earlier
	// unsubscribe; drop it so the snapshot is complete
	keys := make([]string, 0, len(subscribed)*len(types))
	for _, ch := range subscribed {
		for _, typ := range types {
			keys = append(keys, bus.PointKey(b.dataSource, ch, string(typ)))
		}
	}
	c.forgetKeys(keys)

	// immediate snapshot of the newly accepted channels
	if batch := b.buildBatch(ctx, c, subscribed, types); len(batch.Updates) > 0 {
		if err := c.sendPayload(TypeDataBatch, batch); err != nil {
			return
		}
		if b.metrics != nil {
			b.metrics.pushed(TypeDataBatch)
		}
	}

	if restart {
		b.startDeliveryTimer(ctx, c, interval)
	}

	b.logger.Debug("subscription updated",
		"client_id", c.id, "subscribed", subscribed, "failed", failed, "interval", interval)
}

// adoptClientID renames the connection, closing any previous connection
// that held the id. The replacement discards the old subscription whole.
func (b *Broker) adoptClientID(c *client, id string) {
	b.clientsMu.Lock()
	prev, exists := b.clients[id]
	delete(b.clients, c.id)
	b.clients[id] = c
	c.id = id
	b.clientsMu.Unlock()

	if exists && prev != c {
		b.logger.Info("client id replaced, closing previous connection", "client_id", id)
		b.removeClient(prev)
	}
}

// channelExists reports whether any requested type has a point map for
// the channel.
func (b *Broker) channelExists(ctx context.Context, channelID int, types []point.Type) bool {
	for _, typ := range types {
		ok, err := b.ks.Exists(ctx, bus.PointKey(b.dataSource, channelID, string(typ)))
		if err == nil && ok {
			return true
		}
	}
	return false
}

func (b *Broker) startDeliveryTimer(ctx context.Context, c *client, interval time.Duration) {
	timerCtx, cancel := context.WithCancel(ctx)
	c.swapTimer(cancel)

	shutdown := b.shutdownChan()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-timerCtx.Done():
				return
			case <-shutdown:
				return
			case <-ticker.C:
				if c.closed.Load() {
					return
				}
				channels, types, _ := c.subscription()
				if len(channels) == 0 {
					continue
				}
				batch := b.buildBatch(timerCtx, c, channels, types)
				if len(batch.Updates) == 0 {
					continue
				}
				// single-channel pushes go out as data_update
				msgType := TypeDataBatch
				var payload any = batch
				if len(batch.Updates) == 1 {
					msgType = TypeDataUpdate
					payload = batch.Updates[0]
				}
				if err := c.sendPayload(msgType, payload); err != nil {
					b.removeClient(c)
					return
				}
				if b.metrics != nil {
					b.metrics.pushed(msgType)
				}
			}
		}
	}()
}

// buildBatch reads the subscribed point maps and returns only the fields
// that changed since the client's previous push. Multiple intra-interval
// changes collapse to the latest value because only the bus's current
// state is read.
func (b *Broker) buildBatch(ctx context.Context, c *client, channels []int, types []point.Type) DataBatch {
	var batch DataBatch
	sort.Ints(channels)

	for _, ch := range channels {
		for _, typ := range types {
			key := bus.PointKey(b.dataSource, ch, string(typ))
			fields, err := b.ks.HGetAll(ctx, key)
			if err != nil || len(fields) == 0 {
				continue
			}

			current := make(map[string]float64, len(fields))
			for field, raw := range fields {
				if strings.HasPrefix(field, "__") {
					continue
				}
				v, decErr := point.DecodeValue(raw)
				if decErr != nil {
					continue
				}
				current[field] = v
			}

			changed := c.diff(key, current)
			if len(changed) == 0 {
				continue
			}
			batch.Updates = append(batch.Updates, ChannelUpdate{
				ChannelID: ch,
				DataType:  string(typ),
				Values:    changed,
			})
		}
	}
	return batch
}

func (b *Broker) handleUnsubscribe(c *client, env Envelope) {
	var req UnsubscribeRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		b.sendError(c, "bad_request", "malformed unsubscribe payload", err.Error(), env.ID)
		return
	}

	if c.removeChannels(req.Channels) == 0 {
		c.stopTimer()
		c.forgetSent()
	}
	b.logger.Debug("channels unsubscribed", "client_id", c.id, "channels", req.Channels)
}

// handleControl translates a control request into a Command on the
// trigger queue and waits for its completion record in the background.
func (b *Broker) handleControl(ctx context.Context, c *client, env Envelope) {
	var req ControlRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		b.sendError(c, "bad_request", "malformed control payload", err.Error(), env.ID)
		return
	}

	typ, err := point.ParseType(req.CommandType)
	if err != nil || !typ.Writable() {
		b.sendError(c, "bad_request",
			fmt.Sprintf("command type %q is not writable", req.CommandType), "", env.ID)
		return
	}
	if req.ChannelID <= 0 || req.PointID <= 0 {
		b.sendError(c, "bad_request", "channel_id and point_id must be positive", "", env.ID)
		return
	}

	cmd := point.Command{
		PointID:   req.PointID,
		Value:     req.Value,
		Source:    c.id,
		CommandID: point.NewCommandID(),
		IssuedAt:  time.Now().Unix(),
		TTL:       int64(b.cmdTTL / time.Second),
	}
	item, err := cmd.Encode()
	if err != nil {
		b.sendError(c, "internal", "command encode failed", err.Error(), env.ID)
		return
	}

	queue := bus.TriggerKey(b.queueSource, req.ChannelID, string(typ))
	if err := b.ks.RPush(ctx, queue, item); err != nil {
		b.sendError(c, "internal", "command enqueue failed", err.Error(), env.ID)
		return
	}
	if b.queues != nil {
		b.queues.EnsureQueue(ctx, dispatch.Queue{ChannelID: req.ChannelID, Type: typ})
	}

	b.logger.Info("control command enqueued",
		"client_id", c.id, "command_id", cmd.CommandID,
		"channel_id", req.ChannelID, "point_id", req.PointID,
		"operator", req.Operator)

	b.wg.Add(1)
	go b.awaitCompletion(ctx, c, env.ID, cmd)
}

// awaitCompletion polls the completion record until the command's TTL
// elapses, then acks the client either way. Outcomes are never silently
// dropped once a command id exists.
func (b *Broker) awaitCompletion(ctx context.Context, c *client, requestID string, cmd point.Command) {
	defer b.wg.Done()

	shutdown := b.shutdownChan()
	deadline := cmd.Deadline().Add(time.Second)
	key := bus.ResultKey(b.queueSource, cmd.CommandID)

	ticker := time.NewTicker(b.resultPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.C:
			raw, err := b.ks.Get(ctx, key)
			if err == nil {
				rec, decErr := point.DecodeCompletion(raw)
				if decErr != nil {
					b.sendError(c, "internal", "completion record unreadable", decErr.Error(), requestID)
					return
				}
				_ = c.sendPayload(TypeControlAck, ControlAck{
					RequestID: requestID,
					CommandID: cmd.CommandID,
					Status:    rec.Status,
					Result:    rec.ActualValue,
					Error:     rec.Error,
				})
				return
			}
			if !errors.IsNotFound(err) {
				b.logger.Warn("completion poll failed", "command_id", cmd.CommandID, "error", err)
			}
			if time.Now().After(deadline) {
				_ = c.sendPayload(TypeControlAck, ControlAck{
					RequestID: requestID,
					CommandID: cmd.CommandID,
					Status:    point.CompletionTimeout,
					Error:     errors.ErrCommandTimeout.Error(),
				})
				return
			}
		}
	}
}

func (b *Broker) handlePing(c *client, env Envelope) {
	now := time.Now().UnixMilli()
	var latency int64
	if env.Timestamp > 0 && env.Timestamp <= now {
		latency = now - env.Timestamp
	}
	_ = c.sendPayload(TypePong, Pong{ServerTime: now, Latency: latency})
}

// pumpAlarms pushes alarm events to every subscribed client. Alarms
// without a channel go to everyone.
func (b *Broker) pumpAlarms(ctx context.Context) {
	defer b.wg.Done()

	shutdown := b.shutdownChan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case ev, ok := <-b.alarmEvents:
			if !ok {
				return
			}
			b.broadcastAlarm(ev)
		}
	}
}

func (b *Broker) broadcastAlarm(ev alarm.Event) {
	status := 0
	if ev.Triggered {
		status = 1
	}
	notice := AlarmNotice{
		AlarmID:   ev.Alarm.AlarmID,
		ChannelID: ev.Alarm.ChannelID,
		PointID:   ev.Alarm.PointID,
		Status:    status,
		Level:     string(ev.Alarm.Level),
		Value:     ev.Alarm.Value,
		Message:   ev.Alarm.Title,
	}

	b.clientsMu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		if !c.closed.Load() {
			clients = append(clients, c)
		}
	}
	b.clientsMu.RUnlock()

	for _, c := range clients {
		if ev.Alarm.ChannelID != 0 {
			c.mu.Lock()
			_, subscribed := c.channels[ev.Alarm.ChannelID]
			hasAny := len(c.channels) > 0
			c.mu.Unlock()
			if hasAny && !subscribed {
				continue
			}
		}
		if err := c.sendPayload(TypeAlarm, notice); err != nil {
			b.removeClient(c)
			continue
		}
		if b.metrics != nil {
			b.metrics.pushed(TypeAlarm)
		}
	}
}

// maintain pings clients and reaps stale connections.
func (b *Broker) maintain(ctx context.Context) {
	defer b.wg.Done()

	shutdown := b.shutdownChan()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.C:
			b.checkClients()
		}
	}
}

func (b *Broker) checkClients() {
	// c.id is reassigned under clientsMu on id adoption, so capture the
	// ids together with the snapshot instead of reading them later.
	type clientRef struct {
		id string
		c  *client
	}
	b.clientsMu.RLock()
	clients := make([]clientRef, 0, len(b.clients))
	for id, c := range b.clients {
		clients = append(clients, clientRef{id, c})
	}
	b.clientsMu.RUnlock()

	now := time.Now()
	for _, ref := range clients {
		c := ref.c
		if c.closed.Load() {
			continue
		}
		if now.Sub(c.idleSince()) > b.staleAfter {
			b.logger.Info("reaping stale connection", "client_id", ref.id)
			b.removeClient(c)
			continue
		}

		c.writeMutex.Lock()
		_ = c.conn.SetWriteDeadline(now.Add(10 * time.Second))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMutex.Unlock()
		if err != nil {
			b.removeClient(c)
		}
	}
}

// removeClient discards the subscription, cancels the delivery timer and
// closes the connection. Safe to call more than once.
func (b *Broker) removeClient(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.stopTimer()

		b.clientsMu.Lock()
		id := c.id
		if b.clients[id] == c {
			delete(b.clients, id)
		}
		count := len(b.clients)
		b.clientsMu.Unlock()

		_ = c.conn.Close()
		if b.metrics != nil {
			b.metrics.connected(count)
		}
		b.logger.Info("client disconnected", "client_id", id, "clients", count)
	})
}

func (b *Broker) sendError(c *client, code, message, details, requestID string) {
	_ = c.sendPayload(TypeError, ErrorNotice{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	})
}

func parseTypes(raw []string) ([]point.Type, error) {
	if len(raw) == 0 {
		return []point.Type{point.Telemetry, point.Signal}, nil
	}
	types := make([]point.Type, 0, len(raw))
	for _, s := range raw {
		typ, err := point.ParseType(s)
		if err != nil {
			return nil, err
		}
		types = append(types, typ)
	}
	return types, nil
}
