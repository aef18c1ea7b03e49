package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poolrouter/poolrouter/internal/api"
	"github.com/poolrouter/poolrouter/internal/auth"
	"github.com/poolrouter/poolrouter/internal/backend"
	"github.com/poolrouter/poolrouter/internal/cache"
	"github.com/poolrouter/poolrouter/internal/config"
	"github.com/poolrouter/poolrouter/internal/health"
	"github.com/poolrouter/poolrouter/internal/lifecheck"
	"github.com/poolrouter/poolrouter/internal/metrics"
	"github.com/poolrouter/poolrouter/internal/parsetree"
	"github.com/poolrouter/poolrouter/internal/poolconn"
	"github.com/poolrouter/poolrouter/internal/proxy"
	"github.com/poolrouter/poolrouter/internal/relcache"
	"github.com/poolrouter/poolrouter/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/poolrouter.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("poolrouter starting...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d backends, mode %s)",
		*configPath, len(cfg.Cluster.Backends), cfg.Cluster.Mode)

	// Build the backend descriptor array
	slots := make([]*backend.Slot, len(cfg.Cluster.Backends))
	for i, bc := range cfg.Cluster.Backends {
		role := backend.RoleStandby
		if bc.Role == config.RolePrimary {
			role = backend.RolePrimary
		}
		slots[i] = &backend.Slot{Host: bc.Host, Port: bc.Port, Role: role, Weight: bc.Weight}
		slots[i].SetStatus(backend.StatusConnectWait)
	}
	mode := backend.ModeRaw
	if cfg.Cluster.Mode == config.ModeReplica {
		mode = backend.ModeReplica
	}
	cluster := backend.NewCluster(mode, slots)

	// Initialize components
	m := metrics.New()
	r := router.New(cluster, cfg.Routing)
	il := lifecheck.New(nil)
	pm := poolconn.NewManager(cluster, cfg.Cluster.Database, cfg.Cluster.User, cfg.Cluster.Password, cfg.Defaults)
	hc := health.NewChecker(cluster, m, cfg.Health)

	// Wire up pool exhaustion metric
	pm.SetOnPoolExhausted(func(backendIndex int) {
		s := cluster.Slot(backendIndex)
		m.PoolExhausted(s.Host)
	})

	// Start periodic pool stats reporting to Prometheus
	pm.StartStatsLoop(5*time.Second, func(s poolconn.Stats) {
		m.UpdatePoolStats(s.Backend, s.Active, s.Idle, s.Total, s.Waiting)
	})

	// Query cache
	var qcache *cache.Cache
	if cfg.Cache.Enabled {
		qcache, err = cache.New(nil, cfg.Cache)
		if err != nil {
			log.Fatalf("Failed to initialize query cache: %v", err)
		}
		log.Printf("Query cache enabled (%d blocks x %d bytes)", cfg.Cache.NumBlocks, cfg.Cache.BlockSize)
	}

	// Password store for client authentication
	var passwords *auth.PasswordStore
	if cfg.Auth.PasswordFile != "" {
		passwords = auth.NewPasswordStore(cfg.Auth.PasswordEncryptionKey)
		if err := passwords.LoadFile(cfg.Auth.PasswordFile); err != nil {
			log.Fatalf("Failed to load password file: %v", err)
		}
	}

	// Relation cache for table-OID resolution
	var resolve parsetree.OidResolver
	var dbOid func(string) (parsetree.Oid, bool)
	var rc *relcache.Cache
	if cfg.Auth.RelcacheDSN != "" {
		rc, err = relcache.New(cfg.Auth.RelcacheDSN, 5*time.Minute)
		if err != nil {
			log.Fatalf("Failed to initialize relcache: %v", err)
		}
		resolve = rc.Resolver()
		dbOid = func(name string) (parsetree.Oid, bool) {
			return rc.DatabaseOID(context.Background(), name)
		}
	}

	// Start health checker (it transitions slots to UP/DOWN)
	hc.Start()

	// Start proxy server
	proxyServer := proxy.NewServer(proxy.Options{
		Config:    cfg,
		Cluster:   cluster,
		Pools:     pm,
		Router:    r,
		Cache:     qcache,
		Lock:      il,
		Metrics:   m,
		Resolve:   resolve,
		Passwords: passwords,
		DBOid:     dbOid,
	})
	if err := proxyServer.Listen(cfg.Listen.PostgresPort); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	// Start REST API
	apiServer := api.NewServer(cluster, pm, hc, qcache, il, m, cfg)
	if err := apiServer.Start(cfg.Listen.APIBind, cfg.Listen.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// Set up config hot-reload (routing policy only; backend topology
	// changes need a restart)
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading routing configuration...")
		r.Reload(newCfg.Routing)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("poolrouter ready - PG:%d API:%d", cfg.Listen.PostgresPort, cfg.Listen.APIPort)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	// Graceful shutdown
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Shutdown(30 * time.Second)
	hc.Stop()
	pm.Close()
	if qcache != nil {
		qcache.Close()
	}
	if rc != nil {
		rc.Close()
	}

	log.Printf("poolrouter stopped")
}
