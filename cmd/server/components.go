package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketrouter/internal/breaker"
	vc "github.com/linnemanlabs/ticketrouter/internal/cfg"
	"github.com/linnemanlabs/ticketrouter/internal/classify"
	"github.com/linnemanlabs/ticketrouter/internal/embed"
	"github.com/linnemanlabs/ticketrouter/internal/kv"
	"github.com/linnemanlabs/ticketrouter/internal/kv/memstore"
	"github.com/linnemanlabs/ticketrouter/internal/kv/pgstore"
	"github.com/linnemanlabs/ticketrouter/internal/kv/redisstore"
	"github.com/linnemanlabs/ticketrouter/internal/llm/claude"
	"github.com/linnemanlabs/ticketrouter/internal/lock"
	"github.com/linnemanlabs/ticketrouter/internal/notify"
	"github.com/linnemanlabs/ticketrouter/internal/notify/discord"
	"github.com/linnemanlabs/ticketrouter/internal/notify/slack"
	"github.com/linnemanlabs/ticketrouter/internal/postgres"
	"github.com/linnemanlabs/ticketrouter/internal/router"
	"github.com/linnemanlabs/ticketrouter/internal/statestore"
	"github.com/linnemanlabs/ticketrouter/internal/storm"
	"github.com/linnemanlabs/ticketrouter/internal/triage"
)

// redisKeyPrefix namespaces every key when several apps share a Redis.
const redisKeyPrefix = "ticketrouter:"

// openStore connects the configured shared store. close releases its
// connections and is never nil.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (store kv.Store, closeFn func(), err error) {
	switch c.StoreBackend {
	case vc.BackendRedis:
		client, err := redisstore.Dial(ctx, c.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		L.Info(ctx, "using redis store")
		return redisstore.New(client, redisstore.WithPrefix(redisKeyPrefix)), func() { _ = client.Close() }, nil
	case vc.BackendPostgres:
		pool, err := postgres.NewPool(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		pg, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return pg, pool.Close, nil
	default:
		L.Info(ctx, "using in-memory store")
		return memstore.New(), func() {}, nil
	}
}

// componentState places a component's state in process memory or, in shared
// mode, in the store under state:<name>.
func componentState[T any](store kv.Store, mode, name string, init func() T, clone func(T) T) statestore.Store[T] {
	if mode == vc.StateShared {
		return statestore.NewShared(store, kv.StateKey(name), init)
	}
	return statestore.NewLocal(init(), clone)
}

// keywordClassifier restricts the built-in rule table to the configured
// categories.
func keywordClassifier(cats classify.Categories) *classify.Keyword {
	rules := slices.DeleteFunc(slices.Clone(classify.DefaultRules), func(r classify.Rule) bool {
		return !cats.Contains(r.Category)
	})
	fallback := cats[0]
	if cats.Contains(classify.Technical) {
		fallback = classify.Technical
	}
	return classify.NewKeyword(rules, fallback)
}

func newPrimary(c *vc.Config, cats classify.Categories, fallback *classify.Keyword) (breaker.Primary, string) {
	if c.ClaudeAPIKey == "" {
		return breaker.PrimaryFunc(fallback.ClassifyContext), "keyword"
	}
	return claude.New(c.ClaudeAPIKey, cats, claude.WithModel(c.ClaudeModel)), "claude"
}

func newEmbedder(c *vc.Config) embed.Embedder {
	if c.Embedder == vc.EmbedderOllama {
		return embed.NewOllama(
			embed.WithOllamaBaseURL(c.OllamaURL),
			embed.WithOllamaModel(c.OllamaModel),
			embed.WithOllamaDimensions(c.EmbedDim),
		)
	}
	return embed.NewHashing(c.EmbedDim)
}

func newNotifier(c *vc.Config, L log.Logger, hooks notify.Hooks) (*notify.Multi, error) {
	m := notify.NewMulti(L, hooks)
	if c.SlackWebhookURL != "" {
		m.Add("slack", notify.Protect("slack", slack.New(c.SlackWebhookURL), notify.BreakerConfig{}, L))
	}
	if c.DiscordWebhookURL != "" {
		d, err := discord.New(c.DiscordWebhookURL)
		if err != nil {
			return nil, err
		}
		m.Add("discord", notify.Protect("discord", d, notify.BreakerConfig{}, L))
	}
	return m, nil
}

func loadRoster(c *vc.Config) ([]router.Agent, error) {
	if c.AgentsFile == "" {
		return router.DefaultRosterFor(c.CategoryList()), nil
	}
	return router.LoadRoster(c.AgentsFile)
}

// pipeline is the assembled triage engine.
type pipeline struct {
	breaker *breaker.Breaker
	router  *router.Router
	service *triage.Service
}

func buildPipeline(ctx context.Context, c *vc.Config, store kv.Store, L log.Logger, m *triage.Metrics) (*pipeline, error) {
	cats := c.CategoryList()

	fallback := keywordClassifier(cats)
	primary, primaryName := newPrimary(c, cats, fallback)
	brk := breaker.New(primary, fallback,
		componentState(store, c.StateMode, "breaker", breaker.NewSnapshot, breaker.CloneSnapshot),
		breaker.Config{
			LatencyThreshold: vc.Millis(c.LatencyThresholdMs),
			FailureThreshold: c.FailureThreshold,
			RecoveryTimeout:  vc.Seconds(c.RecoveryTimeoutSeconds),
		},
		breaker.WithLogger(L),
		breaker.WithHooks(m.BreakerHooks()),
	)

	rt := router.New(cats,
		componentState(store, c.StateMode, "router", router.NewState, router.CloneState),
		router.WithLogger(L),
		router.WithHooks(m.RouterHooks()),
	)
	agents, err := loadRoster(c)
	if err != nil {
		return nil, fmt.Errorf("agent roster: %w", err)
	}
	added, err := rt.Seed(ctx, agents)
	if err != nil {
		return nil, fmt.Errorf("seed agents: %w", err)
	}

	det := storm.New(storm.NewSharedState(store, storm.DefaultRetention),
		storm.Config{
			Window:     vc.Seconds(c.StormWindowSeconds),
			Similarity: c.StormSimilarity,
			Threshold:  c.StormThreshold,
			MaxEntries: c.StormMaxEntries,
		},
		storm.WithLogger(L),
	)

	emb := newEmbedder(c)

	notifier, err := newNotifier(c, L, m.NotifyHooks())
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}

	svc := triage.NewService(triage.Deps{
		Store:    store,
		Guard:    lock.NewGuard(store, vc.Seconds(c.LockTTLSeconds)),
		Breaker:  brk,
		Urgency:  classify.Urgency{},
		Embedder: emb,
		Storm:    det,
		Router:   rt,
		Notifier: notifier,
	}, triage.Config{
		UrgencyThreshold: c.UrgencyThreshold,
		ResultTTL:        vc.Seconds(c.ResultTTLSeconds),
		MaxInflight:      int64(c.MaxInflight),
	},
		triage.WithLogger(L),
		triage.WithHooks(m.Hooks()),
	)

	L.Info(ctx, "triage pipeline ready",
		"categories", []string(cats),
		"primary_classifier", primaryName,
		"state_mode", c.StateMode,
		"embedder", emb.Name(),
		"embed_dim", emb.Dimensions(),
		"agents_seeded", added,
		"notifiers", notifier.Len(),
	)

	return &pipeline{breaker: brk, router: rt, service: svc}, nil
}
