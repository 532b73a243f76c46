// Command gameserver runs one game-server worker: the client listener, the
// inter-GS RPC endpoint, the request queues and the persistence layer for
// every entity this worker owns.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/warrengame/warren/internal/auth"
	"github.com/warrengame/warren/internal/cluster"
	"github.com/warrengame/warren/internal/config"
	"github.com/warrengame/warren/internal/metrics"
	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/pers"
	_ "github.com/warrengame/warren/internal/pers/litestore"
	_ "github.com/warrengame/warren/internal/pers/memstore"
	_ "github.com/warrengame/warren/internal/pers/pgstore"
	"github.com/warrengame/warren/internal/protocol"
	"github.com/warrengame/warren/internal/request"
	"github.com/warrengame/warren/internal/rpc"
	"github.com/warrengame/warren/internal/session"
	"github.com/warrengame/warren/internal/tsid"
)

const defaultConfigPath = "config/gameserver.yaml"

const shutdownTimeout = 30 * time.Second

// options are the command-line values; the environment beats them, they beat
// the config file.
type options struct {
	configPath string
	gsid       string
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to the config file (env WARREN_CONFIG wins)")
	flag.StringVar(&opts.gsid, "gsid", "", "gs id of this worker (env GSID wins)")
	flag.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error (env WARREN_LOG_LEVEL wins)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, opts); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(configPath(opts.configPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyOverrides(config.Overrides{GSID: opts.gsid, LogLevel: opts.logLevel})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	})))

	cmap, err := cluster.New(&cfg)
	if err != nil {
		return fmt.Errorf("building cluster map: %w", err)
	}
	local := cmap.Local()
	slog.Info("game server starting",
		"gsid", local.GSID,
		"cluster_size", cmap.Size(),
		"client_port", local.Port,
		"rpc_port", local.RPCPort)

	drv, err := pers.OpenDriver(cfg.Pers.BackEnd.Module, cfg.Pers.BackEnd.Config)
	if err != nil {
		return fmt.Errorf("opening storage back-end: %w", err)
	}

	authb, err := auth.Open(cfg.Auth.BackEnd, cfg.Auth.Config)
	if err != nil {
		return fmt.Errorf("opening auth back-end: %w", err)
	}

	mtr := metrics.New()
	pool := rpc.NewPool(cmap, mtr)
	defer pool.Close()

	// The cache needs the queue manager for timer delivery and the manager
	// needs the cache; the closure breaks the loop.
	var mgr *request.Manager
	cache := pers.NewCache(pers.Config{
		Driver:  drv,
		IsLocal: cmap.IsLocal,
		MakeRemote: func(id string) model.Handle {
			return rpc.NewRemoteObject(id, cmap.Owner(id), pool)
		},
		FireTimer: func(obj *model.Object, fname string, args []any) {
			q := mgr.QueueFor(obj)
			_, err := q.Push("timer:"+obj.TSID()+":"+fname, func(rc *request.Context) (any, error) {
				return obj.Call(rc, fname, args)
			}, nil, request.Options{})
			if err != nil {
				slog.Debug("timer delivery rejected", "obj", obj.TSID(), "fname", fname, "error", err)
			}
		},
		Generator: tsid.NewGenerator(local.Ordinal),
		Metrics:   mtr,
	})
	mgr = request.NewManager(cache, mtr)

	gw := rpc.NewGateway(cmap, mgr, pool, mtr)
	router := rpc.NewRouter(cmap, pool, gw)
	rpcSrv := rpc.NewServer(gw)
	if err := rpcSrv.Listen(); err != nil {
		return fmt.Errorf("starting rpc listener: %w", err)
	}

	hub := session.NewHub(session.HubConfig{
		Cluster:    cmap,
		Pers:       cache,
		Queues:     mgr,
		Auth:       authb,
		Metrics:    mtr,
		MaxMsgSize: cfg.Net.MaxMsgSize,
	})

	// sendToPlayer delivers a server message to a player's session no matter
	// which GS the player is connected to; a call landing on the wrong GS is
	// forwarded once. Content code reaches it through the gateway registry.
	router.Redirectable("sendToPlayer", func(rc *request.Context, args []any) (any, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("sendToPlayer wants (tsid, msg)")
		}
		ptsid, _ := args[0].(string)
		msg, _ := args[1].(map[string]any)
		s, ok := hub.SessionFor(ptsid)
		if !ok {
			return false, nil
		}
		return true, s.Send(protocol.Msg(msg))
	}, "")

	clientSrv := session.NewServer(hub, fmt.Sprintf(":%d", local.Port))

	sched := cron.New()
	if _, err := sched.AddFunc("@every 30s", func() {
		for _, st := range rpc.ClusterStatus(cmap, pool) {
			if !st.OK {
				slog.Warn("peer gs unreachable", "gsid", st.GSID, "error", st.Error)
			}
		}
	}); err != nil {
		return fmt.Errorf("scheduling cluster heartbeat: %w", err)
	}
	if _, err := sched.AddFunc("@every 1m", func() {
		if n := hub.CloseStaleAuthenticating(2 * time.Minute); n > 0 {
			slog.Info("swept stale login sessions", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("scheduling session sweep: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := clientSrv.Run(gctx); err != nil {
			return fmt.Errorf("client server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := rpcSrv.Serve(); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return rpcSrv.Close()
	})

	if cfg.Net.WS.Enabled {
		wsSrv := session.NewWSServer(hub, fmt.Sprintf(":%d", local.WSPort))
		g.Go(func() error {
			if err := wsSrv.Run(gctx); err != nil {
				return fmt.Errorf("websocket server: %w", err)
			}
			return nil
		})
	}

	if cfg.Mon.MetricsBasePort > 0 {
		monSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Mon.MetricsBasePort+local.Ordinal),
			Handler: mtr.Handler(),
		}
		g.Go(func() error {
			slog.Info("metrics endpoint started", "address", monSrv.Addr)
			if err := monSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return monSrv.Shutdown(shutCtx)
		})
	}

	err = g.Wait()

	// Listeners are down; drain the queues, then flush and close storage.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := mgr.Shutdown(drainCtx); serr != nil {
		slog.Error("queue drain incomplete", "error", serr)
	}
	if serr := cache.Shutdown(drainCtx); serr != nil {
		slog.Error("persistence shutdown incomplete", "error", serr)
	}

	slog.Info("game server stopped", "gsid", local.GSID)
	return err
}

// configPath resolves the config file location: env WARREN_CONFIG, then the
// -config flag, then the default.
func configPath(flagVal string) string {
	if p := os.Getenv("WARREN_CONFIG"); p != "" {
		return p
	}
	if flagVal != "" {
		return flagVal
	}
	return defaultConfigPath
}

// parseLogLevel converts the configured log level to slog.Level, defaulting
// to Info.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
