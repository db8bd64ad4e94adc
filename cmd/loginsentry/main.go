// loginsentry is an anti-abuse login policy daemon: it tracks login
// attempts in sliding-window stats databases, maintains deny/allow lists,
// runs a user-supplied Lua policy and replicates state to sibling
// instances.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loginsentry/loginsentry/internal/acl"
	"github.com/loginsentry/loginsentry/internal/api"
	"github.com/loginsentry/loginsentry/internal/config"
	"github.com/loginsentry/loginsentry/internal/control"
	"github.com/loginsentry/loginsentry/internal/lists"
	"github.com/loginsentry/loginsentry/internal/monitoring"
	"github.com/loginsentry/loginsentry/internal/policy"
	"github.com/loginsentry/loginsentry/internal/replication"
	"github.com/loginsentry/loginsentry/internal/sinks"
	"github.com/loginsentry/loginsentry/internal/stats"
	"github.com/loginsentry/loginsentry/internal/webhooks"
)

func main() {
	configPath := flag.String("config", "loginsentry.yml", "configuration file")
	genKey := flag.Bool("genkey", false, "print a fresh replication/control key and exit")
	flag.Parse()

	if *genKey {
		key, err := replication.GenerateKey()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Println(key)
		return
	}

	logger := log.New(log.Writer(), "[MAIN] ", log.LstdFlags)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("💥 FATAL: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("💥 FATAL: %v", err)
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	metrics := monitoring.NewMetrics()
	counters := monitoring.NewCounters()

	accessList := acl.New()
	if err := accessList.Set(cfg.HTTP.ACL); err != nil {
		return err
	}

	dbs, err := buildStatsDBs(cfg)
	if err != nil {
		return err
	}
	deny := lists.NewStore(lists.Deny)
	allow := lists.NewStore(lists.Allow)

	// Replication first: stats DBs and list stores hook into it.
	repl, err := buildReplication(cfg, dbs, deny, allow)
	if err != nil {
		return err
	}

	// Webhooks.
	registry := webhooks.NewRegistry()
	for _, wh := range cfg.Webhooks {
		events := make([]webhooks.EventType, 0, len(wh.Events))
		for _, e := range wh.Events {
			ev, err := webhooks.ParseEventType(e)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		if _, err := registry.Register("", events, wh.Config); err != nil {
			return err
		}
	}
	runner := webhooks.NewRunner(registry, webhooks.RunnerOpts{Metrics: metrics})
	changeHandler := func(ce lists.ChangeEvent) {
		metrics.Webhooks.WithLabelValues("queued").Inc()
		runner.Emit(webhooks.EventType(ce.Event), map[string]interface{}{
			"key":         ce.Key,
			"bl_type":     ce.BLType,
			"reason":      ce.Reason,
			"expire_secs": ce.ExpireSecs,
		})
	}
	deny.SetChangeHandler(changeHandler)
	allow.SetChangeHandler(changeHandler)

	// Persistence.
	if cfg.Redis.Addr != "" {
		for _, st := range []*lists.Store{deny, allow} {
			p, err := lists.NewPersister(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, st.Kind())
			if err != nil {
				return err
			}
			st.MakePersistent(p)
			st.SetPersistReplicated(cfg.Redis.PersistReplicated)
			if _, err := st.LoadPersistEntries(context.Background()); err != nil {
				return fmt.Errorf("load persisted %s entries: %w", st.Kind().Prefix(), err)
			}
		}
	}

	// Policy pool.
	dbByName := make(map[string]*stats.DB, len(dbs))
	for _, db := range dbs {
		dbByName[db.Name()] = db
	}
	pool, err := policy.NewPool(cfg.Policy.Script, cfg.Policy.NumStates, &policy.Bindings{
		StatsDB: func(name string) *stats.DB { return dbByName[name] },
		Deny:    deny,
		Allow:   allow,
		Logger:  log.New(log.Writer(), "[LUA] ", log.LstdFlags),
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	// Report sinks.
	sinkMgr := sinks.NewManager()
	for _, sc := range cfg.Sinks {
		for _, addr := range sc.Addrs {
			if err := sinkMgr.AddNamedSink(sc.Name, addr); err != nil {
				return err
			}
		}
	}

	// Expiry loops.
	for _, db := range dbs {
		db.StartExpireThread()
	}
	deny.StartExpireThread()
	allow.StartExpireThread()

	server := api.NewServer(api.Options{
		Password:   cfg.HTTP.Password,
		ACL:        accessList,
		DBs:        dbs,
		Deny:       deny,
		Allow:      allow,
		Policy:     pool,
		Hooks:      runner,
		Repl:       repl,
		Sinks:      sinkMgr,
		Counters:   counters,
		Metrics:    metrics,
		NumWorkers: cfg.HTTP.NumWorkers,
		QueueSize:  cfg.HTTP.QueueSize,
	})

	monitoring.RegisterGauge("loginsentry_denylist_size", "Denylist entries", func() float64 { return float64(deny.Size()) })
	monitoring.RegisterGauge("loginsentry_allowlist_size", "Allowlist entries", func() float64 { return float64(allow.Size()) })
	monitoring.RegisterGauge("loginsentry_worker_queue_depth", "API worker queue occupancy", func() float64 { return float64(server.QueueDepth()) })
	if repl != nil {
		monitoring.RegisterGauge("loginsentry_receive_queue_depth", "Replication receive queue occupancy", func() float64 { return float64(repl.ReceiveQueueDepth()) })
	}

	if repl != nil {
		repl.SetApplier(api.NewReplApplier(dbs, deny, allow))
		if cfg.Replication.Bind != "" {
			if err := repl.Start(); err != nil {
				return err
			}
			defer repl.Stop()
		}
		go exportSiblingMetrics(repl, metrics)
	}

	if err := server.Start(cfg.HTTP.Listen); err != nil {
		return err
	}
	defer server.Stop()

	if repl != nil && len(cfg.Replication.SyncHosts) > 0 {
		host, portStr, err := net.SplitHostPort(cfg.Replication.Bind)
		if err != nil {
			return fmt.Errorf("replication bind %q: %w", cfg.Replication.Bind, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("replication bind port %q: %w", portStr, err)
		}
		go server.WarmSync(api.WarmSyncConfig{
			SyncHosts:         cfg.Replication.SyncHosts,
			MinSyncHostUptime: cfg.Replication.MinSyncHostUptime,
			ReplicationHost:   host,
			ReplicationPort:   port,
			CallbackURL:       "http://" + cfg.HTTP.Listen + "/?command=syncDone",
		})
	}

	if cfg.Control.Key != "" {
		codec, err := replication.NewCodec(cfg.Control.Key)
		if err != nil {
			return fmt.Errorf("control key: %w", err)
		}
		console := control.NewServer(codec, accessList, pool)
		if err := console.Start(cfg.Control.Listen); err != nil {
			return err
		}
		defer console.Stop()
	}

	logger.Printf("✅ loginsentry up: %d stats dbs, %d webhooks, %d siblings",
		len(dbs), len(cfg.Webhooks), len(cfg.Replication.Siblings))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Printf("shutting down")

	for _, db := range dbs {
		db.Stop()
	}
	deny.Stop()
	allow.Stop()
	runner.Shutdown()
	// Give in-flight webhook deliveries a moment before the process exits.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// exportSiblingMetrics mirrors the siblings' atomic send/recv counters into
// the Prometheus gauges every few seconds.
func exportSiblingMetrics(repl *replication.Manager, metrics *monitoring.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for _, sib := range repl.Siblings() {
			metrics.SiblingSent.WithLabelValues(sib.Address, "ok").Set(float64(sib.SendOK.Load()))
			metrics.SiblingSent.WithLabelValues(sib.Address, "fail").Set(float64(sib.SendFail.Load()))
			metrics.SiblingRecv.WithLabelValues(sib.Address, "ok").Set(float64(sib.RecvOK.Load()))
			metrics.SiblingRecv.WithLabelValues(sib.Address, "fail").Set(float64(sib.RecvFail.Load()))
		}
	}
}

func buildStatsDBs(cfg *config.Config) ([]*stats.DB, error) {
	dbs := make([]*stats.DB, 0, len(cfg.StatsDBs))
	for _, dc := range cfg.StatsDBs {
		fields := make([]stats.FieldSpec, 0, len(dc.Fields))
		for _, fc := range dc.Fields {
			kind, err := stats.ParseKind(fc.Kind)
			if err != nil {
				return nil, fmt.Errorf("stats db %s: %w", dc.Name, err)
			}
			fields = append(fields, stats.FieldSpec{
				Name:    fc.Name,
				Kind:    kind,
				HLLBits: fc.Bits,
				Eps:     fc.Eps,
				Gamma:   fc.Gamma,
			})
		}
		db, err := stats.New(dc.Name, dc.WindowSize, dc.NumWindows, fields)
		if err != nil {
			return nil, err
		}
		db.SetMaxSize(dc.MaxSize)
		if dc.V4Prefix > 0 {
			db.SetV4Prefix(dc.V4Prefix)
		}
		if dc.V6Prefix > 0 {
			db.SetV6Prefix(dc.V6Prefix)
		}
		dbs = append(dbs, db)
	}
	return dbs, nil
}

// buildReplication wires the stores' mutation fan-out to the sibling set.
// Returns nil when no replication key is configured.
func buildReplication(cfg *config.Config, dbs []*stats.DB, deny, allow *lists.Store) (*replication.Manager, error) {
	if cfg.Replication.Key == "" {
		return nil, nil
	}
	codec, err := replication.NewCodec(cfg.Replication.Key)
	if err != nil {
		return nil, fmt.Errorf("replication key: %w", err)
	}
	repl := replication.NewManager(codec, cfg.Replication.Bind, cfg.Replication.QueueSize, cfg.Replication.NumThreads)

	specs := make([]replication.SiblingSpec, 0, len(cfg.Replication.Siblings))
	for _, sc := range cfg.Replication.Siblings {
		transport, err := replication.ParseTransport(sc.Transport)
		if err != nil {
			return nil, fmt.Errorf("sibling %s: %w", sc.Address, err)
		}
		var override *replication.Codec
		if sc.Key != "" {
			override, err = replication.NewCodec(sc.Key)
			if err != nil {
				return nil, fmt.Errorf("sibling %s key: %w", sc.Address, err)
			}
		}
		specs = append(specs, replication.SiblingSpec{
			Address:   sc.Address,
			Transport: transport,
			Codec:     override,
		})
	}
	if err := repl.SetSiblings(specs); err != nil {
		return nil, err
	}

	for _, db := range dbs {
		db.EnableReplication(true)
		db.SetUpdateHandler(func(u stats.Update) {
			repl.Propagate(replication.StatsUpdateMessage(u))
		})
	}
	deny.SetReplicator(func(m lists.Mutation) {
		repl.Propagate(replication.ListMessage(lists.Deny, m))
	})
	allow.SetReplicator(func(m lists.Mutation) {
		repl.Propagate(replication.ListMessage(lists.Allow, m))
	})
	return repl, nil
}
