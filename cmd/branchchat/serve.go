package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/branchchat/pkg/access"
	"github.com/go-go-golems/branchchat/pkg/agents"
	"github.com/go-go-golems/branchchat/pkg/branch"
	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/generation"
	"github.com/go-go-golems/branchchat/pkg/metrics"
	"github.com/go-go-golems/branchchat/pkg/query"
	"github.com/go-go-golems/branchchat/pkg/server"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation API and the generation pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, settings)
		},
	}
	cmd.Flags().String("addr", ":8080", "Address to listen on")
	cmd.Flags().String("store-driver", store.DriverSQLite, "Message store (sqlite, postgres, memory)")
	cmd.Flags().String("store-path", "branchchat.db", "SQLite database file")
	cmd.Flags().String("store-dsn", "", "Database DSN, overrides --store-path")
	cmd.Flags().String("agents-file", "", "YAML agent registry")
	cmd.Flags().String("provider", "echo", "Generation provider (echo, openai)")
	cmd.Flags().String("model", "", "Model used by the openai provider")
	bindFlag(cmd, "server.addr", "addr")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "store.dsn", "store-dsn")
	bindFlag(cmd, "agents.file", "agents-file")
	bindFlag(cmd, "generation.provider", "provider")
	bindFlag(cmd, "generation.model", "model")
	return cmd
}

func newAgentStore(settings *config.Settings) (agents.Store, error) {
	if settings.Agents.File != "" {
		return agents.NewYAMLFileAgentStore(settings.Agents.File)
	}
	a := agents.DefaultAgent()
	a.Slug = agents.AgentSlug(settings.Agents.Default)
	return agents.NewInMemoryAgentStore(a.Slug, a), nil
}

func newGenerator(settings *config.Settings) generation.Generator {
	if settings.Generation.Provider == "openai" {
		return generation.NewOpenAIGenerator(settings.Generation.APIKey, settings.Generation.BaseURL, settings.Generation.Model)
	}
	return &generation.EchoGenerator{}
}

func serve(ctx context.Context, settings *config.Settings) error {
	s, err := store.Open(settings.StoreConfig())
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("closing store")
		}
	}()

	agentStore, err := newAgentStore(settings)
	if err != nil {
		return errors.Wrap(err, "load agents")
	}
	resolver := agents.NewResolver(agentStore)
	m := metrics.New()

	bus, err := events.NewBus(events.WithLogger(events.NewWatermillLogger(log.Logger)))
	if err != nil {
		return err
	}
	defer func() {
		_ = bus.Close()
	}()

	runner := generation.NewRunner(s, bus, newGenerator(settings),
		generation.WithAgents(resolver),
		generation.WithMetrics(m),
		generation.WithFlushInterval(settings.Generation.FlushInterval),
	)
	accessResolver := access.NewStoreResolver(s, settings.AccessMode())
	service := branch.NewService(s, resolver, runner,
		branch.WithAccessResolver(accessResolver),
		branch.WithPublisher(bus),
		branch.WithMetrics(m),
	)
	engine := query.NewEngine(s,
		query.WithPolicy(settings.Policy()),
		query.WithMaxAncestors(settings.Query.MaxAncestors),
		query.WithAccessResolver(accessResolver),
	)
	srv := server.NewServer(settings.Server.Addr, engine, service, s, bus,
		server.WithMetrics(m),
		server.WithRateLimit(settings.Server.RateLimit),
		server.WithHeartbeat(settings.Server.Heartbeat),
	)

	log.Info().
		Str("store", settings.Store.Driver).
		Str("provider", settings.Generation.Provider).
		Str("policy", string(settings.Policy())).
		Msg("starting branchchat server")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return bus.Run(ctx)
	})
	eg.Go(func() error {
		select {
		case <-bus.Running():
		case <-ctx.Done():
			return nil
		}
		return srv.Run(ctx)
	})
	err = eg.Wait()

	// let in-flight generations write their final status before the store closes
	runner.Wait()
	return err
}
