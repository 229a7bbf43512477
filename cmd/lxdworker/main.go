// Command lxdworker is the cluster-side worker: it reserves ports, renders
// templates, drives the container host, and serves create/operate
// requests off the message bus.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newellz2/lxrmq-go/internal/bus"
	"github.com/newellz2/lxrmq-go/internal/config"
	"github.com/newellz2/lxrmq-go/internal/hostdriver"
	"github.com/newellz2/lxrmq-go/internal/instance"
	"github.com/newellz2/lxrmq-go/internal/kvlock"
	"github.com/newellz2/lxrmq-go/internal/portalloc"
	"github.com/newellz2/lxrmq-go/internal/template"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg)
	log.Info().Strs("etcd_endpoints", cfg.EtcdEndpoints).Str("amqp_exchange", cfg.AMQPExchange).Msg("starting lxdworker")

	etcdClient, err := kvlock.NewEtcdClient(kvlock.EtcdConfig{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: time.Duration(cfg.EtcdDialTimeout) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to etcd")
	}
	defer etcdClient.Close()

	templates, err := template.Load(cfg.TemplateDir, cfg.TemplateSuffix)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load templates")
	}

	exec := hostdriver.NewLocalExecutor(cfg.DockerHost)
	driver := hostdriver.NewDockerCLI(exec, cfg.DockerSocket)

	ports := portalloc.New(portalloc.Config{
		KV:        etcdClient,
		LockName:  cfg.LockName,
		Start:     cfg.PortRange.Start,
		End:       cfg.PortRange.End,
		Instances: driver,
	})

	nodes := instance.NewStaticNodeLocator(cfg.Nodes)
	svc := instance.New(driver, ports, templates, nodes, cfg.AdminUsers)

	adapter := bus.New(bus.Config{
		URL:              cfg.AMQPURL,
		Exchange:         cfg.AMQPExchange,
		Queue:            cfg.AMQPQueue,
		RoutingKey:       cfg.AMQPRoutingKey,
		CreateRoutingKey: cfg.AMQPCreateRoutingKey,
	}, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down lxdworker")
		cancel()
	}()

	if err := adapter.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("bus adapter exited unexpectedly")
	}

	log.Info().Msg("lxdworker exited")
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
