package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rahul/planrun/internal/gateway"
	"github.com/rahul/planrun/internal/governance"
	"github.com/rahul/planrun/internal/observability"
	"github.com/rahul/planrun/internal/queue"
	"github.com/rahul/planrun/internal/runtime"
	"github.com/rahul/planrun/internal/store"
	"github.com/rahul/planrun/internal/toolagent"
	"github.com/rahul/planrun/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg := config.LoadConfig(*configPath)
	observability.PrintBanner(cfg.App.Version, cfg.Queue.Backend, cfg.Policy.Engine)
	logger := observability.NewLogger()

	stateStore, err := store.NewStateStore(cfg.State.Path, cfg.State.Retention())
	if err != nil {
		log.Fatalf("state store: %v", err)
	}
	defer stateStore.Close()

	q, err := buildQueue(cfg)
	if err != nil {
		log.Fatalf("queue: %v", err)
	}
	defer q.Close()

	enforcer, err := buildEnforcer(cfg)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	agent, err := toolagent.NewClient(toolagent.Config{
		Target:        cfg.ToolAgent.Target,
		Insecure:      cfg.ToolAgent.Insecure,
		RootCAFile:    cfg.ToolAgent.RootCAFile,
		CertFile:      cfg.ToolAgent.CertFile,
		KeyFile:       cfg.ToolAgent.KeyFile,
		MaxAttempts:   cfg.ToolAgent.MaxAttempts,
		BaseDelay:     time.Duration(cfg.ToolAgent.BaseDelayMs) * time.Millisecond,
		CallTimeout:   time.Duration(cfg.ToolAgent.CallTimeoutMs) * time.Millisecond,
		RatePerSecond: cfg.ToolAgent.RatePerSecond,
	})
	if err != nil {
		log.Fatalf("tool agent client: %v", err)
	}
	defer agent.Close()

	rt := runtime.New(q, stateStore, enforcer, agent, nil, logger)
	if err := rt.Start(); err != nil {
		log.Fatalf("runtime: %v", err)
	}
	defer rt.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Steps left queued or running by a previous process resume here; the
	// idempotency keys make any resulting replays no-ops.
	if err := rt.ResumeActiveSteps(ctx); err != nil {
		log.Fatalf("resume active steps: %v", err)
	}

	gw := gateway.NewHTTPGateway(cfg.HTTP.Addr, rt, logger)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := rt.QueueDepth(runtime.CompletionsTopic)
				if err != nil {
					log.Printf("queue depth: %v", err)
					continue
				}
				logger.LogHeartbeat(map[string]int{runtime.CompletionsTopic: depth})
			}
		}
	}()

	go func() {
		log.Printf("%s listening on %s", cfg.App.Name, cfg.HTTP.Addr)
		if err := gw.Start(); err != nil {
			log.Printf("gateway error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Printf("gateway shutdown: %v", err)
	}
	log.Println("shutdown complete")
}

func buildQueue(cfg *config.Config) (queue.Queue, error) {
	if cfg.Queue.Backend == "nats" {
		return queue.NewNATSQueue(cfg.Queue.NATSURL)
	}
	return queue.NewMemoryQueue(), nil
}

func buildEnforcer(cfg *config.Config) (*governance.Enforcer, error) {
	profiles := governance.NewProfileRegistry()
	for _, p := range cfg.Policy.Profiles {
		profiles.Register(governance.Profile{
			Tool:         p.Tool,
			Capabilities: p.Capabilities,
			Description:  p.Description,
		})
	}

	var engine governance.DecisionEngine
	if cfg.Policy.Engine == "script" {
		scripted, err := governance.LoadScriptEngine(cfg.Policy.ScriptPath)
		if err != nil {
			return nil, err
		}
		engine = scripted
	} else {
		rules := governance.NewRuleEngine()
		for _, c := range cfg.Policy.DeniedCapabilities {
			rules.DenyCapability(c)
		}
		for _, pattern := range cfg.Policy.DeniedLabels {
			if err := rules.DenyLabels(pattern); err != nil {
				return nil, err
			}
		}
		engine = rules
	}
	if len(cfg.Policy.Bindings) > 0 {
		engine.SetBindings(cfg.Policy.Bindings)
	}

	var cache governance.DecisionCache
	switch cfg.Policy.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Policy.Cache.RedisAddr})
		cache = governance.NewRedisCache(client)
	case "none":
		cache = nil
	default:
		cache = governance.NewMemoryCache(cfg.Policy.Cache.MaxEntries)
	}

	return governance.NewEnforcer(profiles, engine, cache, cfg.Policy.Cache.TTL()), nil
}
