package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/asaskevich/EventBus"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/partydesk/partydesk/config"
	"github.com/partydesk/partydesk/internal/adminapi"
	"github.com/partydesk/partydesk/internal/app"
	"github.com/partydesk/partydesk/internal/authstate"
	"github.com/partydesk/partydesk/internal/chat"
	"github.com/partydesk/partydesk/internal/failover"
	"github.com/partydesk/partydesk/internal/guard"
	"github.com/partydesk/partydesk/internal/incident"
	"github.com/partydesk/partydesk/internal/monitor"
	"github.com/partydesk/partydesk/internal/supervisor"
	"github.com/partydesk/partydesk/internal/transport"
	"github.com/partydesk/partydesk/internal/webserver"
)

var (
	h        = flag.Bool("h", false, "print usage")
	v        = flag.Bool("v", false, "print version")
	initdb   = flag.Bool("initdb", false, "drop and recreate the schema, then exit")
	conffile = flag.String("c", "partydesk.yml", "config file path")
)

func printVersion() {
	fmt.Printf("partydesk %s\n", config.BuildVersion)
}

func main() {
	flag.Parse()
	if *h {
		flag.Usage()
		os.Exit(0)
	}
	if *v {
		printVersion()
		os.Exit(0)
	}

	_ = godotenv.Load()
	cfg := config.LoadConfig(*conffile)
	_ = os.MkdirAll(cfg.System.Workdir, 0o755)

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := EventBus.New()
	db := application.DB()

	auth, err := authstate.NewStore(db, cfg.System.Workdir)
	if err != nil {
		zap.L().Fatal("auth state store init failed", zap.Error(err))
	}
	defer auth.Close()

	dialer, err := transport.NewWhatsmeowDialer(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", path.Join(cfg.System.Workdir, "whatsmeow.db")))
	if err != nil {
		zap.L().Fatal("whatsapp store init failed", zap.Error(err))
	}

	chats := chat.NewRepository(db)
	hostname, _ := os.Hostname()
	holder := fmt.Sprintf("%s:%d", hostname, os.Getpid())

	sup := supervisor.New(db, auth, chats, dialer, bus, holder,
		cfg.WhatsApp.LeaseTTL, supervisor.Backoff{
			Base: cfg.WhatsApp.ReconnectBase,
			Max:  cfg.WhatsApp.ReconnectMax,
		})

	incidents := incident.NewService(db, bus)
	if cfg.Smtp.Host != "" {
		_ = incident.NewNotifier(cfg.Smtp, bus)
	}

	application.AttachServices(sup, incidents)

	consensus := monitor.NewConsensus(db, cfg.Monitor.VoteWindow, cfg.Monitor.Quorum)

	ws := webserver.Init(cfg)
	failoverMgr := newFailover(cfg, incidents)
	adminapi.Init(adminapi.Deps{
		DB:         db,
		Bus:        bus,
		Supervisor: sup,
		Chats:      chats,
		Consensus:  consensus,
		Failover:   failoverMgr,
		Incidents:  incidents,
		Settings:   application,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(ws.Start)

	if failoverMgr != nil {
		failoverMgr.Start(gctx)
	}

	g.Go(func() error {
		return sup.Resume(gctx)
	})

	if cfg.Guard.Enabled {
		g.Go(func() error {
			guard.NewDeployGuard(cfg.Guard, incidents).Start(gctx)
			return nil
		})
	}

	if len(cfg.Monitor.Services) > 0 {
		g.Go(func() error {
			monitor.NewProber(consensus, incidents, cfg.Monitor.MonitorID,
				cfg.Monitor.Services, cfg.Monitor.Interval).Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			zap.L().Info("shutting down", zap.String("signal", s.String()))
			sup.Stop(context.Background())
			cancel()
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		zap.L().Error("exited with error", zap.Error(err))
	}
}

func newFailover(cfg *config.AppConfig, incidents *incident.Service) *failover.Manager {
	if !cfg.Failover.Enabled {
		return nil
	}
	mgr, err := failover.NewManager(cfg.Failover, incidents)
	if err != nil {
		zap.L().Error("failover manager init failed", zap.Error(err))
		return nil
	}
	return mgr
}
