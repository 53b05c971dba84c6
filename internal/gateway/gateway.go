// ABOUTME: WebSocket gateway wiring connections, conversations, presence, and the scheduler
// ABOUTME: Serves the /ws upgrade endpoint plus health and stats over plain HTTP

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crewhq/crew-gateway/internal/config"
	"github.com/crewhq/crew-gateway/internal/envelope"
	"github.com/crewhq/crew-gateway/internal/presence"
	"github.com/crewhq/crew-gateway/internal/provider"
	"github.com/crewhq/crew-gateway/internal/registry"
	"github.com/crewhq/crew-gateway/internal/scheduler"
	"github.com/crewhq/crew-gateway/internal/store"
)

const (
	// historyNoticeLimit caps the backlog replayed on join.
	historyNoticeLimit = 50

	// idleTimeout is how long a connection may go without frames
	// before the activity sweep reaps it.
	idleTimeout = 10 * time.Minute

	// sweepInterval paces the activity sweep.
	sweepInterval = 30 * time.Second

	shutdownGrace = 10 * time.Second
)

// Gateway accepts WebSocket connections, routes envelopes between
// conversation members, and hands user messages to the scheduler for
// agent responses.
type Gateway struct {
	cfg       *config.Config
	store     store.Store
	registry  *registry.Registry
	presence  *presence.Tracker
	scheduler *scheduler.Scheduler
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	roster map[int64]*store.AgentProfile

	// convLocks serializes the persist+broadcast pair per conversation so
	// fan-out order always matches store order, even with concurrent
	// senders.
	convLocksMu sync.Mutex
	convLocks   map[int64]*sync.Mutex

	// sample draws from [0,1) for response-probability gating.
	// Replaceable in tests.
	sample func() float64

	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
}

// New builds a fully wired gateway: SQLite store, provider router from
// the configured backends, and the response scheduler.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	backends := make(map[string]provider.Backend, len(cfg.Providers))
	priority := make([]string, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Kind {
		case "openai":
			backends[pc.Name] = provider.NewOpenAIBackend(pc.APIKey, pc.BaseURL, pc.Model)
		case "anthropic":
			backends[pc.Name] = provider.NewAnthropicBackend(pc.APIKey, pc.BaseURL, pc.Model)
		default:
			st.Close()
			return nil, fmt.Errorf("provider %q: unknown kind %q", pc.Name, pc.Kind)
		}
		priority = append(priority, pc.Name)
	}
	router := provider.NewRouter(backends, priority, logger)

	g, err := newGateway(cfg, st, router, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return g, nil
}

// newGateway wires the gateway around an existing store and completer.
// Tests use it to substitute mocks.
func newGateway(cfg *config.Config, st store.Store, completer scheduler.Completer, logger *slog.Logger) (*Gateway, error) {
	reg := registry.New(logger)
	tracker := presence.New(cfg.Presence.TypingTTL, cfg.Presence.SweepInterval)

	g := &Gateway{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		presence:  tracker,
		logger:    logger,
		conns:     make(map[string]*Conn),
		roster:    make(map[int64]*store.AgentProfile),
		convLocks: make(map[int64]*sync.Mutex),
		sample:    rand.Float64,
		done:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary dev origins; the
			// gateway sits behind its own auth perimeter.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	g.scheduler = scheduler.New(st, completer, reg, tracker, cfg.Scheduler.PacingInterval, logger)

	if err := g.seedAgents(context.Background()); err != nil {
		tracker.Close()
		return nil, err
	}
	return g, nil
}

// seedAgents upserts configured agent profiles and loads the roster.
func (g *Gateway) seedAgents(ctx context.Context) error {
	for _, seed := range g.cfg.Agents {
		profile := &store.AgentProfile{
			ID:             seed.ID,
			Name:           seed.Name,
			Role:           seed.Role,
			Specialization: seed.Specialization,
			Provider:       seed.Provider,
			Model:          seed.Model,
			SystemPrompt:   seed.SystemPrompt,
			Status:         store.AgentIdle,
		}
		if err := g.store.UpsertAgent(ctx, profile); err != nil {
			return fmt.Errorf("seeding agent %q: %w", seed.Name, err)
		}
	}

	agents, err := g.store.GetAllAgents(ctx)
	if err != nil {
		return fmt.Errorf("loading agent roster: %w", err)
	}
	for _, a := range agents {
		g.roster[a.ID] = a
	}
	g.logger.Info("agent roster loaded", "agents", len(g.roster))
	return nil
}

// Handler returns the gateway's HTTP surface.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/api/stats", g.handleStats)
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully:
// stop accepting, drain the scheduler, close connections and the store.
func (g *Gateway) Run(ctx context.Context) error {
	g.httpServer = &http.Server{
		Addr:    g.cfg.Server.HTTPAddr,
		Handler: g.Handler(),
	}

	go g.activitySweep()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		g.shutdown()
		return err
	case <-ctx.Done():
	}

	g.logger.Info("shutting down gateway")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := g.httpServer.Shutdown(shutCtx); err != nil {
		g.logger.Warn("http shutdown", "error", err)
	}
	g.shutdown()
	if err := g.scheduler.Shutdown(shutCtx); err != nil {
		g.logger.Warn("scheduler drain incomplete", "error", err)
	}
	return g.store.Close()
}

// shutdown closes every live connection and stops background loops.
func (g *Gateway) shutdown() {
	g.closeOnce.Do(func() { close(g.done) })

	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		g.dropConn(c)
	}
	g.presence.Close()
}

// handleWS upgrades the request and runs the connection lifecycle.
// user_id is required; agent_id marks the connection as agent-bound.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "user_id query parameter required", http.StatusBadRequest)
		return
	}

	var agentID int64
	if raw := r.URL.Query().Get("agent_id"); raw != "" {
		agentID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || agentID <= 0 {
			http.Error(w, "agent_id must be a positive integer", http.StatusBadRequest)
			return
		}
		if _, ok := g.agentProfile(agentID); !ok {
			http.Error(w, "unknown agent", http.StatusNotFound)
			return
		}
	}

	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := newConn(sock, userID, agentID, g.logger)
	g.mu.Lock()
	g.conns[conn.ID()] = conn
	g.mu.Unlock()

	g.logger.Info("connection established",
		"connection_id", conn.ID(),
		"user_id", userID,
		"agent_id", agentID)

	g.sendConnectedNotice(conn)
	g.autoJoin(r.Context(), conn)
	g.readLoop(conn)
}

// sendConnectedNotice tells the client its connection ID.
func (g *Gateway) sendConnectedNotice(conn *Conn) {
	notice, err := envelope.SystemNotice(envelope.SystemConversationID, map[string]any{
		"type":         "connected",
		"connectionId": conn.ID(),
		"userId":       conn.userID,
	})
	if err != nil {
		g.logger.Error("building connected notice", "error", err)
		return
	}
	if err := conn.WriteEnvelope(notice); err != nil {
		g.logger.Warn("sending connected notice", "connection_id", conn.ID(), "error", err)
	}
}

// autoJoin subscribes the connection to every conversation its actor
// already participates in and replays recent history for each.
func (g *Gateway) autoJoin(ctx context.Context, conn *Conn) {
	convs, err := g.store.GetConversationsByParticipant(ctx, conn.ActorID())
	if err != nil {
		g.logger.Error("loading participant conversations",
			"connection_id", conn.ID(), "error", err)
		return
	}
	for _, conv := range convs {
		g.registry.Join(conn, conv.ID)
		g.sendHistory(ctx, conn, conv.ID)
	}
	if len(convs) > 0 {
		g.logger.Info("auto-joined conversations",
			"connection_id", conn.ID(), "count", len(convs))
	}
}

// sendHistory replays recent messages as a conversation_history notice.
func (g *Gateway) sendHistory(ctx context.Context, conn *Conn, conversationID int64) {
	msgs, err := g.store.GetMessagesByConversation(ctx, conversationID, historyNoticeLimit)
	if err != nil {
		g.logger.Error("loading history", "conversation_id", conversationID, "error", err)
		return
	}

	entries := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, map[string]any{
			"id":         m.ID,
			"senderId":   m.SenderID,
			"senderType": m.SenderType,
			"content":    m.Content,
			"kind":       m.Kind,
			"timestamp":  m.CreatedAt.Format(time.RFC3339),
		})
	}

	notice, err := envelope.SystemNotice(conversationID, map[string]any{
		"type":     "conversation_history",
		"messages": entries,
	})
	if err != nil {
		g.logger.Error("building history notice", "error", err)
		return
	}
	if err := conn.WriteEnvelope(notice); err != nil {
		g.logger.Warn("sending history", "connection_id", conn.ID(), "error", err)
	}
}

// readLoop pumps frames until the peer disconnects or errors.
func (g *Gateway) readLoop(conn *Conn) {
	defer g.dropConn(conn)

	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("connection read error", "connection_id", conn.ID(), "error", err)
			}
			return
		}
		conn.touch()

		env, err := envelope.Decode(data)
		if err != nil {
			// Malformed traffic must not take the connection down.
			g.logger.Debug("dropping undecodable frame",
				"connection_id", conn.ID(), "error", err)
			continue
		}
		g.dispatch(conn, env)
	}
}

// dropConn fully detaches a connection: registry membership, typing
// state, the connection table, and the socket itself.
func (g *Gateway) dropConn(conn *Conn) {
	g.mu.Lock()
	_, present := g.conns[conn.ID()]
	delete(g.conns, conn.ID())
	g.mu.Unlock()
	if !present {
		return
	}

	g.registry.Remove(conn.ID())
	g.presence.ClearActor(conn.ActorID())
	conn.close()
	g.logger.Info("connection closed", "connection_id", conn.ID())
}

// activitySweep reaps connections the registry marked stale and any
// connection idle past the timeout.
func (g *Gateway) activitySweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
		}

		for _, id := range g.registry.DrainStale() {
			g.mu.RLock()
			conn := g.conns[id]
			g.mu.RUnlock()
			if conn != nil {
				g.logger.Info("reaping stale connection", "connection_id", id)
				g.dropConn(conn)
			}
		}

		g.mu.RLock()
		var idle []*Conn
		for _, c := range g.conns {
			if c.idleFor() > idleTimeout {
				idle = append(idle, c)
			}
		}
		g.mu.RUnlock()
		for _, c := range idle {
			g.logger.Info("reaping idle connection", "connection_id", c.ID())
			g.dropConn(c)
		}
	}
}

// agentProfile returns a snapshot of a roster entry. Callers get their own
// copy; roster updates replace the entry rather than mutating it in place.
func (g *Gateway) agentProfile(id int64) (*store.AgentProfile, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.roster[id]
	if !ok {
		return nil, false
	}
	snapshot := *a
	return &snapshot, true
}

// conversationLock returns the mutex serializing persist+broadcast for one
// conversation. Locks are created on first use and never reclaimed; the
// conversation space is small and long-lived.
func (g *Gateway) conversationLock(conversationID int64) *sync.Mutex {
	g.convLocksMu.Lock()
	defer g.convLocksMu.Unlock()

	l, ok := g.convLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		g.convLocks[conversationID] = l
	}
	return l
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness means the store answers queries.
	if _, err := g.store.GetAllAgents(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	g.mu.RLock()
	connections := len(g.conns)
	agents := len(g.roster)
	g.mu.RUnlock()

	typing := g.presence.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"activeConnections":   connections,
		"activeConversations": g.registry.ActiveConversations(),
		"activeTypers":        typing.ActiveTypers,
		"registeredAgents":    agents,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
