// Package daemon runs the sync engine as a long-lived process: it keeps
// the connection up, follows the configured entities into the local
// cache and optionally serves the cache over MCP.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/twilsync/internal/backend"
	"github.com/alexjbarnes/twilsync/internal/cache"
	"github.com/alexjbarnes/twilsync/internal/command"
	"github.com/alexjbarnes/twilsync/internal/config"
	"github.com/alexjbarnes/twilsync/internal/logging"
	"github.com/alexjbarnes/twilsync/internal/mcpserver"
	"github.com/alexjbarnes/twilsync/internal/server"
	"github.com/alexjbarnes/twilsync/internal/subscriptions"
	"github.com/alexjbarnes/twilsync/internal/syncclient"
	"github.com/alexjbarnes/twilsync/internal/twilsock"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// Option configures a Daemon.
type Option func(*Daemon)

// WithDialer replaces the websocket dialer.
func WithDialer(d twilsock.Dialer) Option {
	return func(dm *Daemon) {
		dm.dialer = d
	}
}

// WithVersion sets the version reported to the server and MCP clients.
func WithVersion(v string) Option {
	return func(dm *Daemon) {
		dm.version = v
	}
}

// Daemon owns every engine component for one process.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	version  string
	dialer   twilsock.Dialer
	token    string
	entities []config.EntityRef

	cache  *cache.Cache
	conn   *twilsock.Client
	sched  *command.Scheduler
	subs   *subscriptions.Manager
	client *syncclient.Client

	fatal chan error
}

// New builds the engine from cfg. Nothing connects until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		version: "dev",
		fatal:   make(chan error, 1),
	}

	for _, opt := range opts {
		opt(d)
	}

	token, err := cfg.ReadToken()
	if err != nil {
		return nil, err
	}

	d.token = token

	d.entities, err = config.LoadSubscriptions(cfg.SubscriptionsFile)
	if err != nil {
		return nil, err
	}

	d.cache, err = cache.Open(cfg.CachePath, logging.Component(logger, "cache"))
	if err != nil {
		return nil, err
	}

	d.conn = twilsock.New(twilsock.Config{
		URL:               cfg.TwilsockURL,
		Token:             token,
		Dialer:            d.dialer,
		InitTimeout:       cfg.InitTimeout,
		PingInterval:      cfg.PingInterval,
		InactivityTimeout: cfg.InactivityTimeout,
		ThrottleCooldown:  cfg.ThrottleCooldown,
		Metadata:          map[string]string{"sdk": "twilsync", "version": d.version},
	}, logging.Component(logger, "twilsock"))

	d.sched, err = command.NewScheduler(d.conn, command.Config{
		MaxParallel: cfg.MaxParallelCommands,
		Timeout:     cfg.CommandTimeout,
		Retry:       cfg.Retry(),
	}, logging.Component(logger, "command"))
	if err != nil {
		d.cache.Close()
		return nil, fmt.Errorf("creating command scheduler: %w", err)
	}

	be := backend.NewClient(d.sched, cfg.SyncAPIURL, backend.WithLogger(logging.Component(logger, "backend")))

	d.subs, err = subscriptions.New(be, subscriptions.Config{Retry: cfg.Retry()}, logger)
	if err != nil {
		d.sched.Close()
		d.cache.Close()
		return nil, fmt.Errorf("creating subscription manager: %w", err)
	}

	d.conn.AddObserver(d.subs)
	d.conn.AddObserver(d.observer())

	d.client = syncclient.New(be, d.subs, d.cache, syncclient.Config{
		PageSize:      cfg.PageSize,
		MaxCacheItems: cfg.CacheMaxItems,
	}, logger)

	return d, nil
}

// Client returns the engine entry point.
func (d *Daemon) Client() *syncclient.Client { return d.client }

// Cache returns the local cache.
func (d *Daemon) Cache() *cache.Cache { return d.cache }

// State returns the connection state.
func (d *Daemon) State() twilsock.State { return d.conn.State() }

func (d *Daemon) observer() twilsock.ObserverFuncs {
	return twilsock.ObserverFuncs{
		StateChanged: func(s twilsock.State) {
			d.logger.Info("connection state changed", slog.String("state", s.String()))
		},
		FatalError: func(err error) {
			d.logger.Error("connection failed permanently", slog.String("error", err.Error()))

			select {
			case d.fatal <- err:
			default:
			}
		},
		TokenAboutToExpire: func() {
			d.logger.Warn("access token about to expire")
		},
	}
}

// Run connects and blocks until ctx is cancelled or a component fails.
// A fatal connection error ends Run unless the token comes from a file,
// in which case a rotated token reconnects.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.conn.Run(gctx) })
	g.Go(func() error { return d.subs.Run(gctx) })
	g.Go(func() error { return d.client.Run(gctx) })

	d.conn.Connect()

	if d.cfg.TokenFile != "" {
		w := NewTokenWatcher(d.cfg.TokenFile, d.token, d.conn, logging.Component(d.logger, "token"))
		g.Go(func() error { return w.Watch(gctx) })
	} else {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case err := <-d.fatal:
				return fmt.Errorf("connection failed: %w", err)
			}
		})
	}

	for _, ref := range d.entities {
		g.Go(func() error {
			d.follow(gctx, ref)
			return nil
		})
	}

	if d.cfg.MCPEnable {
		g.Go(func() error { return d.runMCP(gctx) })
	}

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (d *Daemon) close() {
	d.sched.Close()

	if err := d.cache.Close(); err != nil {
		d.logger.Warn("closing cache", slog.String("error", err.Error()))
	}
}

// entity is the part of an open map, list, document or stream that
// follow needs.
type entity interface {
	Sid() string
	Events() <-chan syncclient.ChangeEvent
	Close()
}

// follow opens ref, loads collections into the cache and logs every
// change until ctx is done or the entity is removed.
func (d *Daemon) follow(ctx context.Context, ref config.EntityRef) {
	log := d.logger.With(slog.String("entity", ref.Name()), slog.String("type", string(ref.Type)))

	e, err := d.open(ctx, ref)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("opening entity", slog.String("error", err.Error()))
		}

		return
	}
	defer e.Close()

	log.Info("following entity", slog.String("sid", e.Sid()))

	if col, ok := e.(*syncclient.Collection); ok {
		d.prime(ctx, log, col)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.Events():
			if !ok {
				return
			}

			logChange(d.logger, ref.Name(), ev)

			if ev.EntityRemoved {
				return
			}
		}
	}
}

func (d *Daemon) open(ctx context.Context, ref config.EntityRef) (entity, error) {
	switch ref.Type {
	case cache.EntityMap:
		return d.client.OpenMap(ctx, ref.Name())
	case cache.EntityList:
		return d.client.OpenList(ctx, ref.Name())
	case cache.EntityDocument:
		return d.client.OpenDocument(ctx, ref.Name())
	case cache.EntityStream:
		return d.client.OpenStream(ctx, ref.Name())
	default:
		return nil, fmt.Errorf("unknown entity type %q", ref.Type)
	}
}

// prime walks the whole collection once so it can be read offline.
func (d *Daemon) prime(ctx context.Context, log *slog.Logger, col *syncclient.Collection) {
	start := time.Now()
	n := 0

	for _, err := range col.Items(ctx, nil, cache.Ascending) {
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("loading collection", slog.Int("items", n), slog.String("error", err.Error()))
			}

			return
		}

		n++
	}

	log.Info("collection cached", slog.Int("items", n), slog.Duration("took", time.Since(start)))
}

// runMCP serves the cache over MCP until ctx is cancelled.
func (d *Daemon) runMCP(ctx context.Context) error {
	mcpLogger := logging.Component(d.logger, "mcp")

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "twilsync", Version: d.version}, nil)
	mcpserver.RegisterTools(mcpServer, d.cache)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: d.cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			APIKeyHash:      d.cfg.MCPAPIKeyHash,
			MCPHandler:      mcpHandler,
			Logger:          mcpLogger,
			ConnectionState: func() string { return d.conn.State().String() },
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", d.cfg.MCPListenAddr))

	stop := context.AfterFunc(ctx, func() {
		mcpLogger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return ctx.Err()
}
