// Command jobforge wires the background execution substrate together and
// starts its admin HTTP surface, mirroring the orchestration shape of the
// teacher's cli.Run: load config, construct every component, wire them to
// each other, then block serving traffic until signaled to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobforge/jobforge/internal/balancer"
	"github.com/jobforge/jobforge/internal/cache"
	"github.com/jobforge/jobforge/internal/compress"
	"github.com/jobforge/jobforge/internal/config"
	"github.com/jobforge/jobforge/internal/health"
	"github.com/jobforge/jobforge/internal/jobmanager"
	"github.com/jobforge/jobforge/internal/queue"
	"github.com/jobforge/jobforge/internal/resource"
	"github.com/jobforge/jobforge/internal/scheduler"
	"github.com/jobforge/jobforge/internal/types"
	"github.com/jobforge/jobforge/internal/workerpool"
	"github.com/jobforge/jobforge/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// cliArgs holds the flags jobforge accepts, named in the style of the
// teacher's CLIArgs.
type cliArgs struct {
	ConfigPath string
	QueueDB    string
}

func parseFlags() cliArgs {
	var a cliArgs
	pflag.StringVar(&a.ConfigPath, "config", "jobforge.json", "Path to the JSON config file")
	pflag.StringVar(&a.QueueDB, "queue-db", "queue.db", "Path to the durable queue store")
	pflag.Parse()
	return a
}

func main() {
	args := parseFlags()

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobforge: load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("jobforge")
	metrics := health.Get()

	app, err := build(cfg, args.QueueDB, log, metrics)
	if err != nil {
		log.Errorf("jobforge: build: %v", err)
		os.Exit(1)
	}
	defer app.stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("jobforge: listening on :%d", cfg.Metrics.Port)
	<-ctx.Done()
	log.Infof("jobforge: shutting down")
}

// application holds every wired-up component plus its admin HTTP server.
type application struct {
	log       *logrus.Logger
	q         *queue.Queue
	sup       *workerpool.Supervisor
	jm        *jobmanager.Manager
	schedMgr  *scheduler.Manager
	lb        *balancer.Balancer
	compress  *compress.Helper
	cache     *cache.Layered
	boltCache *cache.BoltBackend
	boltQueue *queue.BoltStore
	healthSrv *health.Server
	httpSrv   *http.Server
	resources map[string]*resource.Manager
}

func build(cfg *config.AppConfig, queueDBPath string, log *logrus.Logger, metrics *health.Metrics) (*application, error) {
	store, err := queue.NewBoltStore(queueDBPath)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	q, err := queue.New(store, log, metrics)
	if err != nil {
		return nil, fmt.Errorf("start queue: %w", err)
	}

	sup := workerpool.New(q, log, metrics)
	jm := jobmanager.New(q, sup, log, metrics)

	resources := make(map[string]*resource.Manager)
	for _, t := range cfg.Topics {
		topic := types.Topic{
			Name:               t.Name,
			Concurrency:        t.Concurrency,
			DefaultMaxAttempts: t.DefaultMaxAttempts,
			Backoff: types.BackoffPolicy{
				Kind: types.BackoffKind(t.BackoffKind),
				Base: t.BackoffBase,
				Cap:  t.BackoffCap,
			},
			RetainCompleted:   t.RetainCompleted,
			RetainFailed:      t.RetainFailed,
			VisibilityTimeout: t.VisibilityTimeout,
			MemoryRequirement: t.MemoryRequirement,
			CPUWeight:         t.CPUWeight,
		}
		jm.RegisterTopic(topic)

		var res *resource.Manager
		if rc, ok := cfg.Resources[t.Name]; ok {
			res = resource.New(resource.Config{
				MaxConcurrentJobs:      rc.MaxConcurrentJobs,
				MemoryBudgetBytes:      rc.MemoryBudgetBytes,
				CPUThreshold:           rc.CPUThreshold,
				AutoscaleInterval:      time.Duration(rc.AutoscaleIntervalMs) * time.Millisecond,
				Policy:                 types.ScalingPolicy(rc.Policy),
				AdmissionRatePerSecond: rc.AdmissionRatePerSecond,
			}, log)
			resources[t.Name] = res
		}

		// Handlers are registered by the embedding application, not here:
		// jobforge as a standalone binary has no built-in job semantics.
		// RegisterHandler is left to callers embedding this package, or to
		// a future plugin-loading mechanism outside this spec's scope.
	}

	schedMgr := scheduler.NewManager(scheduler.ManagerConfig{
		StorePath:     cfg.Scheduler.StorePath,
		SchedulerCfg:  scheduler.Config{CheckInterval: cfg.Scheduler.CheckInterval, LockTTL: cfg.Scheduler.LockTTL, RetainHistory: cfg.Scheduler.RetainHistory},
		ShutdownDelay: cfg.Scheduler.ShutdownDelay,
	}, jm, jm, log)

	memBackend := cache.NewMemoryBackend(cfg.Cache.MemoryMaxEntries, cfg.Cache.MemoryMaxBytes)
	boltBackend, err := cache.OpenBoltBackend(cfg.Cache.BoltPath)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	layeredCache := cache.NewLayered(memBackend, boltBackend)

	lb := balancer.New(balancer.Config{Algorithm: balancer.Algorithm(cfg.Balancer.Algorithm), ProbeInterval: cfg.Balancer.ProbeInterval}, nil, log)

	compressHelper := compress.New(compress.Config{Threshold: cfg.Compression.Threshold, Cache: conditionalCache(cfg.Compression.UseCache, memBackend)})

	healthSrv := health.NewServer(metrics, cfg.Metrics.Port)
	go func() {
		if err := healthSrv.Start(); err != nil {
			log.Errorf("jobforge: health server: %v", err)
		}
	}()

	jm.Start()

	app := &application{
		log:       log,
		q:         q,
		sup:       sup,
		jm:        jm,
		schedMgr:  schedMgr,
		lb:        lb,
		compress:  compressHelper,
		cache:     layeredCache,
		boltCache: boltBackend,
		boltQueue: store,
		healthSrv: healthSrv,
		resources: resources,
	}
	for name, res := range resources {
		app.watchResourceReleases(name, res)
	}
	app.httpSrv = app.buildAdminServer()
	go func() {
		if err := app.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("jobforge: admin server: %v", err)
		}
	}()
	return app, nil
}

func conditionalCache(use bool, backend *cache.MemoryBackend) *cache.MemoryBackend {
	if use {
		return backend
	}
	return nil
}

// buildAdminServer exposes submit/status/cancel over HTTP, modeled on the
// teacher's monitor/server.go JSON-over-HTTP admin surface.
func (a *application) buildAdminServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs/submit", a.handleSubmit)
	mux.HandleFunc("/jobs/status", a.handleStatus)
	mux.HandleFunc("/jobs/cancel", a.handleCancel)
	return &http.Server{Addr: ":8091", Handler: mux}
}

type submitRequest struct {
	Topic    string          `json:"topic"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	DelayMs  int             `json:"delay_ms"`
}

func (a *application) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := jobmanager.SubmitOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
	}

	if res, ok := a.resources[req.Topic]; ok {
		if err := res.TryAcquire(&types.Job{MemoryRequirement: opts.MemoryBytes}); err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
	}

	id, err := a.jm.Submit(req.Topic, req.Payload, opts)
	if err != nil {
		if res, ok := a.resources[req.Topic]; ok {
			res.Release(&types.Job{MemoryRequirement: opts.MemoryBytes})
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"job_id": id})
}

// watchResourceReleases releases a topic's admission reservation once its
// jobs reach a terminal state, so TryAcquire's budget reflects jobs that
// are actually still running rather than merely submitted.
func (a *application) watchResourceReleases(topic string, res *resource.Manager) {
	events, unsub, err := a.jm.Subscribe(topic)
	if err != nil {
		a.log.Errorf("jobforge: subscribe %s for admission release: %v", topic, err)
		return
	}
	go func() {
		defer unsub()
		for evt := range events {
			switch evt.Type {
			case jobmanager.EventCompleted, jobmanager.EventFailed:
				res.Release(&types.Job{})
			}
		}
	}()
}

func (a *application) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	snap, err := a.jm.Status(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(snap)
}

func (a *application) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	ok, err := a.jm.Cancel(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"cancelled": ok})
}

func (a *application) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.httpSrv.Shutdown(ctx)
	a.schedMgr.Stop()
	a.sup.Stop()
	a.q.Stop()
	_ = a.boltCache.Close()
	_ = a.boltQueue.Close()
	_ = a.healthSrv.Stop(ctx)
	a.lb.Stop()
}
