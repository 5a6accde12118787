package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"golang.org/x/sync/errgroup"

	"skirmish/master/internal/arranged"
	"skirmish/master/internal/auth"
	"skirmish/master/internal/cache"
	"skirmish/master/internal/config"
	"skirmish/master/internal/logging"
	"skirmish/master/internal/protocol"
	"skirmish/master/internal/registry"
	"skirmish/master/internal/session"
	"skirmish/master/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// master bundles every long-lived component of the service.
type master struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *registry.Registry
	manager  *session.Manager
	broker   *arranged.Broker
	snapshot *registry.SnapshotWriter
	ratings  *cache.RatingCache
	scores   *cache.HighScoreCache
	stats    *store.StatsPublisher
	mongo    *store.MongoGameStore
	profiles *store.ProfileCache

	// runCtx outlives any single connection so shared cache refreshes are not
	// cancelled by the session that happened to start them.
	runCtx context.Context
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("initialise logging: %v", err)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildMaster(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", logging.Error(err))
	}
	if err := app.run(ctx); err != nil {
		logger.Fatal("master terminated", logging.Error(err))
	}
	logger.Info("master stopped")
}

func buildMaster(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*master, error) {
	app := &master{cfg: cfg, logger: logger}

	app.registry = registry.New()
	snapshot, err := registry.NewSnapshotWriter(app.registry, cfg.SnapshotPath, cfg.SnapshotInterval, logger)
	if err != nil {
		return nil, err
	}
	app.snapshot = snapshot

	//1.- Persistent storage: MongoDB when configured, in-process otherwise.
	var games store.GameStore
	if cfg.MongoURI != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		mongo, err := store.DialMongo(dialCtx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, err
		}
		app.mongo = mongo
		games = mongo
	} else {
		logger.Warn("no mongo uri configured, game data will not survive restarts")
		games = store.NewMemoryGameStore()
	}

	//2.- Profile lookups go through the Redis front when an address is set.
	profileCache, err := store.NewProfileCache(cfg.RedisAddr, games, logger)
	if err != nil {
		return nil, err
	}
	app.profiles = profileCache

	stats, err := store.DialStatsPublisher(cfg.NatsClusterID, cfg.NatsClientID, logger)
	if err != nil {
		return nil, err
	}
	app.stats = stats

	var backend auth.IdentityBackend
	if cfg.AuthURL != "" {
		httpBackend, err := auth.NewHTTPBackend(cfg.AuthURL, cfg.AuthTimeout)
		if err != nil {
			return nil, err
		}
		backend = httpBackend
	}
	validator := auth.NewValidator(backend, profileCache, logger, auth.WithTimeout(cfg.AuthTimeout))

	//3.- The caches learn about live sessions through the manager, which does
	// not exist yet; the closure resolves once it does.
	alive := func(sessionID string) bool { return app.manager.IsAlive(sessionID) }
	app.ratings = cache.NewRatingCache(games, cfg.CacheFreshness, cfg.CacheEviction, logger,
		cache.WithAliveCheck[cache.RatingKey, store.RatingPair](alive))
	app.scores = cache.NewHighScoreCache(games, cfg.CacheFreshness, cfg.CacheEviction, logger,
		cache.WithAliveCheck[cache.ScoreKey, []protocol.HighScoreRow](alive))

	app.manager = session.NewManager(cfg, session.Deps{
		Registry:  app.registry,
		Ratings:   app.ratings,
		Scores:    app.scores,
		Validator: validator,
		Games:     games,
		Stats:     stats,
		Logger:    logger,
	})
	app.broker = arranged.New(app.manager.Send, cfg.ArrangedTimeout, logger)
	app.manager.BindBroker(app.broker)

	//4.- Anything that leaves the registry also loses its pending rendezvous
	// and chat membership, however the removal was triggered.
	app.registry.OnUnregister(app.broker.DropEndpoint)
	app.registry.OnUnregister(app.manager.Hub().Leave)
	return app, nil
}

// routes builds the public HTTP surface: the peer websocket plus the
// dashboard endpoints.
func (m *master) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", m.serveWS)
	router.HandleFunc("/healthz", m.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/servers", m.handleServers).Methods(http.MethodGet)
	return router
}

func (m *master) run(ctx context.Context) error {
	m.runCtx = ctx

	server := &http.Server{
		Addr:              m.cfg.Address,
		Handler:           m.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		m.logger.Info("master listening", logging.String("address", m.cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error { return ignoreCancel(m.broker.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(m.snapshot.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(m.ratings.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(m.scores.Run(ctx)) })

	err := group.Wait()
	m.closeBackends()
	return ignoreCancel(err)
}

func (m *master) closeBackends() {
	if err := m.stats.Close(); err != nil {
		m.logger.Warn("closing stats publisher", logging.Error(err))
	}
	if err := m.profiles.Close(); err != nil {
		m.logger.Warn("closing profile cache", logging.Error(err))
	}
	if m.mongo != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.mongo.Close(closeCtx); err != nil {
			m.logger.Warn("closing mongo", logging.Error(err))
		}
	}
}

// serveWS upgrades one peer connection and pumps frames between the socket
// and its session until either side goes away.
func (m *master) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", logging.String("remote", r.RemoteAddr), logging.Error(err))
		return
	}
	sess := m.manager.Open(r.RemoteAddr)
	go m.writePump(conn, sess)
	m.readPump(conn, sess)
}

func (m *master) readPump(conn *websocket.Conn, sess *session.Session) {
	defer func() {
		sess.Close("connection gone")
		conn.Close()
	}()
	conn.SetReadLimit(m.cfg.MaxPayloadBytes)
	wait := m.cfg.PingInterval * 2
	if wait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if wait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(wait))
		}
		sess.HandleFrame(ctx, frame)
	}
}

func (m *master) writePump(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case frame, ok := <-sess.Outbound():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

func (m *master) handleHealth(w http.ResponseWriter, _ *http.Request) {
	servers, clients := m.registry.Counts()
	writeJSON(w, map[string]any{
		"status":  "ok",
		"servers": servers,
		"clients": clients,
	})
}

// handleServers serves the same document the snapshot writer persists, for
// dashboards that poll instead of reading the file.
func (m *master) handleServers(w http.ResponseWriter, _ *http.Request) {
	servers, clients := m.registry.Counts()
	writeJSON(w, &registry.SnapshotDoc{
		GeneratedAt: time.Now().UTC(),
		ServerCount: servers,
		ClientCount: clients,
		Servers:     m.registry.QueryServers(nil),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
