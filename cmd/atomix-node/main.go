package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/thirstycrow/atomix/discovery"
	"github.com/thirstycrow/atomix/internal/telemetry"
	"github.com/thirstycrow/atomix/membership"
	"github.com/thirstycrow/atomix/transport"
)

var opts struct {
	ID            string   `long:"id" description:"unique member id" required:"true"`
	Bind          string   `long:"bind" description:"bind address for the request/response transport" default:"0.0.0.0:7946"`
	GossipBind    string   `long:"gossip-bind" description:"bind address for the gossip transport" default:"0.0.0.0:7947"`
	AdvertiseAddr string   `long:"advertise-addr" description:"address advertised to other members (defaults to the bind address)"`
	Zone          string   `long:"zone" description:"zone label attached to the member"`
	Rack          string   `long:"rack" description:"rack label attached to the member"`
	Seeds         []string `long:"seed" description:"seed member as id=host:port (repeatable)"`
	EtcdEndpoints string   `long:"etcd-endpoints" description:"comma-separated etcd endpoints for discovery (overrides seeds)"`
	EtcdPrefix    string   `long:"etcd-prefix" description:"etcd key prefix for member registration" default:"/atomix/members"`
	MetricsAddr   string   `long:"metrics-addr" description:"address of the metrics endpoint" default:"127.0.0.1:9090"`
	Verbose       bool     `short:"v" long:"verbose" description:"enable debug logging"`
}

func main() {
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); !ok || ferr.Type != flags.ErrHelp {
			fmt.Println("cli error:", err)
		}

		os.Exit(2)
	}

	logger := setupLogger()

	if err := run(logger); err != nil {
		level.Error(logger).Log("msg", "exited with error", "err", err)
		os.Exit(1)
	}
}

func setupLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "member", opts.ID)

	if opts.Verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}

	return level.NewFilter(logger, level.AllowInfo())
}

func run(logger kitlog.Logger) error {
	messaging, err := transport.ListenMessaging(opts.Bind, logger)
	if err != nil {
		return fmt.Errorf("start messaging transport: %w", err)
	}

	unicast, err := transport.ListenUnicast(opts.GossipBind, logger)
	if err != nil {
		return fmt.Errorf("start unicast transport: %w", err)
	}

	advertise := opts.AdvertiseAddr
	if advertise == "" {
		advertise = string(messaging.Addr())
	}

	disc, closeDisc, err := setupDiscovery(logger, advertise)
	if err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	host, _ := os.Hostname()

	conf := membership.DefaultConfig()
	conf.Logger = logger

	proto := membership.New(conf)

	proto.AddListener(func(e membership.Event) {
		level.Info(logger).Log(
			"msg", "membership event",
			"type", e.Type,
			"subject", e.Member.ID,
			"state", e.Member.State,
			"term", e.Member.Term,
		)
	})

	err = proto.Join(
		membership.Bootstrap{Messaging: messaging, Unicast: unicast},
		disc,
		membership.Member{
			ID:      membership.MemberID(opts.ID),
			Addr:    membership.Address(advertise),
			Zone:    opts.Zone,
			Rack:    opts.Rack,
			Host:    host,
			Version: "1",
		},
	)
	if err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsServer := &http.Server{
		Addr:    opts.MetricsAddr,
		Handler: telemetry.MetricsHandler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		level.Info(logger).Log("msg", "metrics endpoint started", "addr", opts.MetricsAddr)

		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		level.Info(logger).Log("msg", "shutting down")

		if err := proto.Leave(); err != nil {
			level.Error(logger).Log("msg", "failed to leave cluster", "err", err)
		}

		closeDisc()

		if err := messaging.Close(); err != nil {
			level.Error(logger).Log("msg", "failed to close messaging transport", "err", err)
		}

		if err := unicast.Close(); err != nil {
			level.Error(logger).Log("msg", "failed to close unicast transport", "err", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return metricsServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func setupDiscovery(logger kitlog.Logger, advertise string) (discovery.Provider, func(), error) {
	if opts.EtcdEndpoints != "" {
		etcd, err := discovery.NewEtcd(discovery.EtcdConfig{
			Endpoints: strings.Split(opts.EtcdEndpoints, ","),
			Prefix:    opts.EtcdPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := etcd.Register(ctx, discovery.Node{ID: opts.ID, Addr: advertise}); err != nil {
			return nil, nil, err
		}

		if err := etcd.Start(ctx); err != nil {
			return nil, nil, err
		}

		closeEtcd := func() {
			if err := etcd.Close(); err != nil {
				level.Warn(logger).Log("msg", "failed to close etcd discovery", "err", err)
			}
		}

		return etcd, closeEtcd, nil
	}

	seeds := make([]discovery.Node, 0, len(opts.Seeds))

	for _, seed := range opts.Seeds {
		id, addr, ok := strings.Cut(seed, "=")
		if !ok {
			return nil, nil, fmt.Errorf("malformed seed %q, want id=host:port", seed)
		}

		seeds = append(seeds, discovery.Node{ID: id, Addr: addr})
	}

	return discovery.NewBootstrap(seeds...), func() {}, nil
}
