package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cespare/xxhash"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/quorumdb/cluster/internal/adminserver"
	"github.com/quorumdb/cluster/internal/config"
	"github.com/quorumdb/cluster/internal/detector"
	"github.com/quorumdb/cluster/internal/events"
	"github.com/quorumdb/cluster/internal/gossip"
	"github.com/quorumdb/cluster/internal/metrics"
	"github.com/quorumdb/cluster/internal/models"
	"github.com/quorumdb/cluster/internal/snitch"
	boltrepo "github.com/quorumdb/cluster/internal/snitch/repository/bolt"
	"github.com/quorumdb/cluster/internal/strategy"
	"github.com/quorumdb/cluster/internal/topology"
	"github.com/quorumdb/cluster/internal/transport"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	}
	return zerolog.InfoLevel
}

// severityReporter publishes an operator-set severity as local state.
type severityReporter struct {
	gossiper *gossip.Gossiper
	factory  *models.ValueFactory
}

func (s *severityReporter) ReportSeverity(severity float64) {
	s.gossiper.ApplyLocalState(models.AppStateSeverity, s.factory.Severity(severity))
}

// placement glues the topology snapshot, the liveness view and the
// configured strategy into the replica-set query. Insertion order is kept:
// the first endpoint is the primary.
type placement struct {
	meta     *topology.Metadata
	gossiper *gossip.Gossiper
	strat    strategy.Strategy
}

func (p *placement) ReplicasFor(key string) []models.Endpoint {
	candidates := strategy.EndpointSet(p.gossiper.LiveMembers()...)
	return p.strat.CalculateReplicas(p.meta.Snapshot(), strategy.EndpointSet(), candidates, false)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := config.Config{}
	if err := envconfig.Init(&appCfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	if err := appCfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	local, _ := appCfg.Local()
	seeds, _ := appCfg.Seeds()

	log.Info().Msgf("starting cluster node %s (cluster %s, %s/%s)", local, appCfg.ClusterName, appCfg.Datacenter, appCfg.Rack)

	clock := models.NewSystemClock()
	versionGen := models.NewVersionGenerator()
	factory := models.NewValueFactory(versionGen)

	stats := metrics.Metrics(metrics.Nop{})
	if appCfg.StatsdAddr != "" {
		stats = metrics.NewStatsd(local.String(), appCfg.StatsdAddr)
	}

	tr := transport.NewTCP(local, clock)
	fd := detector.New(clock, detector.Config{
		InitialValueNanos:   appCfg.FdInitialValue().Nanoseconds(),
		MaxIntervalNanos:    appCfg.FdMaxInterval().Nanoseconds(),
		PhiConvictThreshold: appCfg.PhiConvictThreshold,
	})
	bus := events.NewBus()
	meta := topology.NewMetadata()

	gossiper := gossip.New(gossip.Config{
		ClusterName: appCfg.ClusterName,
		Local:       local,
		Seeds:       seeds,
		Interval:    appCfg.GossipInterval(),
		RingDelay:   appCfg.RingDelay(),
	}, clock, versionGen, factory, tr, fd, bus, meta, stats)
	fd.RegisterConvictListener(gossiper)
	bus.Register(topology.NewUpdater(meta, gossiper))

	static := snitch.NewStatic(local, appCfg.Datacenter, appCfg.Rack, gossiper)
	dynamic := snitch.NewDynamic(static, local, gossiper, clock, snitch.DynamicConfig{
		UpdateInterval:   appCfg.DynamicUpdateInterval(),
		ResetInterval:    appCfg.DynamicResetInterval(),
		BadnessThreshold: appCfg.DynamicBadnessThreshold,
	})
	tr.RegisterLatencySubscriber(dynamic)
	go dynamic.Run(ctx)

	repo, err := boltrepo.NewRepository(appCfg.PreferredAddrPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open preferred-address store")
	}
	defer repo.Close()
	preferred, err := repo.All()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load preferred addresses")
	}
	tr.SetPreferredAddresses(preferred)
	bus.Register(snitch.NewReconnectHelper(static, appCfg.Datacenter, appCfg.PreferLocal, tr, repo))

	options, _ := appCfg.StrategyOptions()
	strat, err := strategy.New(appCfg.ReplicationStrategy, local, options)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid replication strategy")
	}

	if err := tr.Listen(); err != nil {
		log.Fatal().Err(err).Msg("failed to start transport")
	}
	defer tr.Close()

	hostID := appCfg.NodeID
	if hostID == "" {
		hostID, err = uuid.GenerateUUID()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate host id")
		}
	}
	token := xxhash.Sum64([]byte(hostID))

	generation := int32(clock.UnixMillis() / 1000)
	gossiper.Start(generation, map[models.ApplicationState]models.VersionedValue{
		models.AppStateDC:         factory.Datacenter(appCfg.Datacenter),
		models.AppStateRack:       factory.Rack(appCfg.Rack),
		models.AppStateHostID:     factory.HostID(hostID),
		models.AppStateTokens:     factory.Tokens(token),
		models.AppStateNetVersion: factory.NetVersion(1),
		models.AppStateStatus:     factory.Normal(hostID),
	})
	if appCfg.PreferLocal {
		gossiper.ApplyLocalState(models.AppStateInternalIP, factory.InternalIP(local.Host))
	}

	admin := adminserver.NewServer(appCfg.AdminListenAddr, gossiper, fd, dynamic,
		&severityReporter{gossiper: gossiper, factory: factory},
		&placement{meta: meta, gossiper: gossiper, strat: strat})
	admin.Start()

	<-ctx.Done()
	log.Warn().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop admin server")
	}
	gossiper.Stop()
}
