package main

import (
	"log"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	flowdeckcli "github.com/flowdeck/flowdeck-realtime/flowdeck-cli"
	realtimeaccess "github.com/flowdeck/flowdeck-realtime/realtime-access"
	realtimeevents "github.com/flowdeck/flowdeck-realtime/realtime-events"
	realtimehierarchy "github.com/flowdeck/flowdeck-realtime/realtime-hierarchy"
	realtimenats "github.com/flowdeck/flowdeck-realtime/realtime-nats"
	realtimerest "github.com/flowdeck/flowdeck-realtime/realtime-rest"
	realtimestore "github.com/flowdeck/flowdeck-realtime/realtime-store"
	realtimews "github.com/flowdeck/flowdeck-realtime/realtime-ws"
)

var service = flowdeckcli.Service{
	Name:    "example-realtime",
	Version: flowdeckcli.CommitHash(),
}

func main() {
	app := flowdeckcli.App(
		service,
		action,
		append(
			flowdeckcli.CommonFlags,
			flowdeckcli.PortFlag(5002),
		)...,
	)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(c *cli.Context) error {
	logger := flowdeckcli.Logger(service)
	opts := flowdeckcli.CommonOpts

	var metrics flowdeckcli.Metrics
	if opts.Env != "local" {
		sess := session.Must(session.NewSession(aws.NewConfig()))
		metrics = flowdeckcli.NewMetrics(service, cloudwatch.New(sess))
	}

	var store realtimestore.Store
	if opts.DatabaseURL != "" {
		pg, err := realtimestore.NewPostgres(c.Context, opts.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn().Msg("no database configured, using in-memory store")
		store = realtimestore.NewMemory()
	}

	registry := realtimews.NewRegistry(logger,
		realtimews.WithHeartbeatInterval(opts.HeartbeatInterval),
		realtimews.WithRegistryMetrics(metrics),
	)
	access := realtimeaccess.New(store, logger,
		realtimeaccess.WithTTL(opts.AccessTTL),
		realtimeaccess.WithMetrics(metrics),
	)
	resolver := realtimehierarchy.New(store, logger,
		realtimehierarchy.WithTTL(opts.HierarchyTTL),
	)
	server := realtimews.NewServer(registry, access, store, []byte(opts.TokenSecret), logger, metrics)
	router := realtimeevents.NewRouter(resolver, access, server, logger, metrics)

	group, ctx := errgroup.WithContext(c.Context)
	group.Go(func() error {
		registry.Run(ctx)
		return nil
	})

	if opts.NatsURL != "" {
		bridge, err := realtimenats.New(opts.NatsURL, opts.NatsSubject, router, logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		router.AddRelay(bridge)
		group.Go(func() error {
			return bridge.Run(ctx)
		})
	}

	routes := realtimerest.Middlewares(service, chi.NewRouter())
	routes.Get("/health", realtimerest.Health(service, registry.Len))
	routes.Handle("/realtime", server)

	group.Go(func() error {
		defer server.Shutdown(ctx)
		return realtimerest.Webserver(ctx, service, routes)
	})

	return group.Wait()
}
