package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"badc0de.net/pkg/flagutil/v1"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"badc0de.net/pkg/go-otserv/account"
	"badc0de.net/pkg/go-otserv/config"
	"badc0de.net/pkg/go-otserv/connection"
	"badc0de.net/pkg/go-otserv/login"
	tnet "badc0de.net/pkg/go-otserv/net"
	"badc0de.net/pkg/go-otserv/paths"
	"badc0de.net/pkg/go-otserv/secrets"
	"badc0de.net/pkg/go-otserv/service"
	"badc0de.net/pkg/go-otserv/tasks"
	"badc0de.net/pkg/go-otserv/web"
)

var (
	configPath string
	rsaKeyPath string

	debugWebServer = flag.String("debug_web_server_listen_address", "", "where the debug server will listen; overrides debugging.listen_address")
	createAccount  = flag.String("create_account", "", "create an account given as name:password[:character,...] and exit")
	noBanner       = flag.Bool("no_banner", false, "do not print the startup banner")
)

func setupFilePathFlags() {
	paths.SetupFilePathFlag("config.yaml", "config_path", &configPath)
	paths.SetupFilePathFlag("key.pem", "rsa_key_path", &rsaKeyPath)
}

func main() {
	setupFilePathFlags()
	flagutil.Parse()

	if err := run(); err != nil {
		glog.Errorln(err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

func loadRSA(cfg *config.Config) (*tnet.RSA, error) {
	path := rsaKeyPath
	if cfg.RSAKeyFile != "" {
		path = cfg.RSAKeyFile
	}
	r := tnet.NewRSA(nil)
	if path != "" {
		if err := r.LoadPEMFile(path); err != nil {
			return nil, err
		}
		return r, nil
	}
	glog.Warningln("no rsa key configured; using the well-known OpenTibia key")
	pk, err := secrets.OpenTibiaKey()
	if err != nil {
		return nil, errors.Wrap(err, "building the OpenTibia key")
	}
	r.SetKey(pk)
	return r, nil
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if *debugWebServer != "" {
		cfg.Debugging.ListenAddress = *debugWebServer
	}

	store, err := account.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.Debug)
	if err != nil {
		return err
	}
	defer store.Close()

	if *createAccount != "" {
		return addAccount(store, *createAccount)
	}

	if !*noBanner {
		printBanner(cfg)
	}

	rsaKey, err := loadRSA(cfg)
	if err != nil {
		return err
	}

	dispatcher := tasks.NewDispatcher()
	dispatcher.Start()
	scheduler := tasks.NewScheduler(dispatcher)
	defer func() {
		scheduler.Shutdown()
		dispatcher.Shutdown()
		dispatcher.Join()
	}()

	registry := connection.NewRegistry()
	manager := service.NewManager(registry, service.Options{
		ReusePort: cfg.ReusePort,
		Connection: connection.Options{
			ReadTimeout:         cfg.ReadTimeout,
			WriteTimeout:        cfg.WriteTimeout,
			MaxPacketsPerSecond: cfg.MaxPacketsPerSecond,
		},
	})
	manager.SetThrottle(service.NewThrottle())

	loginService, err := login.NewService(cfg, rsaKey, store, dispatcher, scheduler)
	if err != nil {
		return err
	}
	if err := manager.Add(cfg.LoginProtocolPort, loginService); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		glog.Infoln("starting otserv services")
		return manager.Run(gctx)
	})
	if addr := cfg.Debugging.ListenAddress; addr != "" {
		srv := &http.Server{
			Addr:    addr,
			Handler: web.NewRouter(web.NewHandler(registry, manager)),
		}
		g.Go(func() error {
			glog.Infof("debug server listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "debug server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	glog.Infoln("otserv stopped")
	return err
}
