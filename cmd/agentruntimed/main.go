// Command agentruntimed wires the core runtime's components into a running
// process: it loads configuration, constructs the configured provider
// adapters, the personality pack manager, the memory manager, and the bus,
// then assembles the PlanExecutor, StepProcessor, and TurnManager on top and
// starts a single demonstration turn before waiting for a shutdown signal.
//
// There is no HTTP or gRPC surface here; driving turns over the network is
// left to a caller built on top of this package.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/corvid-ai/agentruntime/bus"
	runtimeconfig "github.com/corvid-ai/agentruntime/config"
	"github.com/corvid-ai/agentruntime/memory"
	"github.com/corvid-ai/agentruntime/memory/mongostore"
	"github.com/corvid-ai/agentruntime/memory/rediscache"
	"github.com/corvid-ai/agentruntime/personality"
	"github.com/corvid-ai/agentruntime/plan"
	"github.com/corvid-ai/agentruntime/providerapi"
	"github.com/corvid-ai/agentruntime/providers/anthropic"
	"github.com/corvid-ai/agentruntime/providers/bedrock"
	"github.com/corvid-ai/agentruntime/providers/groq"
	"github.com/corvid-ai/agentruntime/providers/middleware"
	"github.com/corvid-ai/agentruntime/providers/openai"
	"github.com/corvid-ai/agentruntime/providers/retry"
	"github.com/corvid-ai/agentruntime/runlog"
	"github.com/corvid-ai/agentruntime/step"
	"github.com/corvid-ai/agentruntime/telemetry"
	"github.com/corvid-ai/agentruntime/turn"
	"github.com/corvid-ai/agentruntime/turnstore"
)

func main() {
	configPathF := flag.String("config", "config.yaml", "path to the runtime's YAML config file")
	dbgF := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configPathF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := runtimeconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	set := telemetry.Set{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	personalities, err := personality.New(ctx, cfg.Personalities.Directory, set)
	if err != nil {
		return fmt.Errorf("load personality packs: %w", err)
	}

	memoryManager, cleanup, err := buildMemoryManager(ctx, cfg, set)
	if err != nil {
		return fmt.Errorf("build memory manager: %w", err)
	}
	defer cleanup()

	turns := turnstore.NewManager(memoryManager)
	b := bus.New(set)

	runlog.NewRecorder(b, runlog.NewInMemoryStore(), func(ctx context.Context, err error) {
		set.Logger.Warn(ctx, "runlog append failed", "error", err)
	})

	plan.New(b, turns, personalities, providers, set, plan.Options{
		MaxPlanGenerationRetries: cfg.CoreRuntime.MaxPlanGenerationRetries,
		MaxStepsPerPlan:          cfg.CoreRuntime.MaxStepsPerPlan,
	})
	retryPolicy := retry.DefaultPolicy()
	if cfg.CoreRuntime.MaxStepExecutionRetries > 0 {
		retryPolicy.MaxAttempts = cfg.CoreRuntime.MaxStepExecutionRetries + 1
	}
	step.New(b, turns, personalities, providers, set, step.Options{
		MaxStepExecutionRetries: cfg.CoreRuntime.MaxStepExecutionRetries,
		RetryPolicy:             retryPolicy,
	})
	turnManager := turn.New(b, turns, personalities, set, turn.Options{
		MaxTurnDuration: cfg.MaxTurnDuration(),
	})

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	turnID, traceID, err := turnManager.StartTurn(ctx,
		providerapi.Message{Role: providerapi.RoleUser, Content: "Say hi"},
		cfg.Personalities.DefaultPersonalityID,
		"startup-session",
		nil,
	)
	if err != nil {
		set.Logger.Error(ctx, "startup demo turn failed to start", "error", err)
	} else {
		set.Logger.Info(ctx, "started demo turn", "turn_id", turnID, "trace_id", traceID)
	}

	log.Printf(ctx, "agentruntimed running, waiting for shutdown signal (%v)", <-errc)
	return nil
}

// buildProviders constructs one providerapi.Client per entry in the
// config's provider table, dispatching on name to the concrete adapter that
// understands it, and wraps each in an adaptive rate limiter so a single
// noisy provider cannot starve the others' token budget.
func buildProviders(ctx context.Context, cfg *runtimeconfig.Config) (map[string]providerapi.Client, error) {
	prices := buildPriceTable(cfg)
	providers := make(map[string]providerapi.Client, len(cfg.Providers))
	for name, p := range cfg.Providers {
		client, err := buildProvider(ctx, name, p, prices)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		providers[name] = middleware.NewAdaptiveRateLimiter(60000, 240000).Wrap(client)
	}
	return providers, nil
}

// buildPriceTable converts the config's per-provider, per-model pricing
// entries into the providerapi.PriceTable shape every adapter's Options
// accepts, so CallMetrics.CostUSD reflects real configured prices rather
// than staying zero.
func buildPriceTable(cfg *runtimeconfig.Config) providerapi.PriceTable {
	prices := make(providerapi.PriceTable, len(cfg.Providers))
	for name, p := range cfg.Providers {
		models := make(map[string]providerapi.Price, len(p.Pricing))
		for model, pricing := range p.Pricing {
			models[model] = providerapi.Price{
				InPerToken:  pricing.InputPerToken,
				OutPerToken: pricing.OutputPerToken,
			}
		}
		prices[name] = models
	}
	return prices
}

func buildProvider(ctx context.Context, name string, p runtimeconfig.Provider, prices providerapi.PriceTable) (providerapi.Client, error) {
	switch name {
	case "anthropic":
		return anthropic.NewFromAPIKey(p.APIKey, anthropic.Options{DefaultModel: p.Model, Pricing: prices})
	case "openai":
		return openai.NewFromAPIKey(p.APIKey, openai.Options{DefaultModel: p.Model, Pricing: prices})
	case "groq":
		return groq.NewFromAPIKey(p.APIKey, groq.Options{DefaultModel: p.Model, Pricing: prices})
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		rt := bedrockruntime.NewFromConfig(awsCfg)
		return bedrock.New(rt, bedrock.Options{DefaultModelID: p.Model, Pricing: prices})
	default:
		return nil, fmt.Errorf("unknown provider adapter %q", name)
	}
}

// buildMemoryManager assembles the MemoryManager's cache tier (required, a
// Redis-backed Store) and its optional durable tier (a Mongo-backed Store,
// wired in only when the config enables vector/durable storage). The
// returned cleanup func closes whichever network clients were opened.
func buildMemoryManager(ctx context.Context, cfg *runtimeconfig.Config, set telemetry.Set) (*memory.Facade, func(), error) {
	if !cfg.Memory.RedisEnabled {
		return nil, nil, errors.New("memory: redis cache tier is required (memory.redis_enabled=false)")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	cache := rediscache.New(rdb, rediscache.Options{})

	cleanup := func() {
		if err := rdb.Close(); err != nil {
			set.Logger.Warn(ctx, "close redis client", "error", err)
		}
	}

	opts := []memory.Option{}
	if cfg.Memory.VectorStoreEnabled {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Memory.Mongo.URI))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		coll := client.Database(cfg.Memory.Mongo.Database).Collection(cfg.Memory.Mongo.Collection)
		opts = append(opts, memory.WithDurableBackend(mongostore.New(coll)))

		prevCleanup := cleanup
		cleanup = func() {
			prevCleanup()
			if err := client.Disconnect(ctx); err != nil {
				set.Logger.Warn(ctx, "disconnect mongo client", "error", err)
			}
		}
	}

	return memory.New(cache, set, opts...), cleanup, nil
}
