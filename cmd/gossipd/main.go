package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcastellin/gossip-membership/internal/membership"
)

// dialTimeout bounds every outbound RPC dial the node makes (§5).
const dialTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile   string
		bindAddr     string
		featuresFile string
	)
	cfg := membership.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "gossipd",
		Short: "Run a cluster membership and liveness node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				fileCfg, err := membership.LoadConfigFile(configFile)
				if err != nil {
					return fmt.Errorf("loading config file: %w", err)
				}
				cfg = fileCfg
			}
			return run(cmd.Context(), cfg, bindAddr, featuresFile)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a YAML config file")
	flags.StringVar(&bindAddr, "bind", "localhost:9900", "address to bind the RPC surface to")
	flags.StringVar(&featuresFile, "features-file", "gossipd-features.json", "path to the persisted peer-features file")
	flags.StringVar(&cfg.ClusterName, "cluster-name", cfg.ClusterName, "cluster name; peers with a different name are ignored")
	flags.StringVar(&cfg.PartitionerName, "partitioner-name", cfg.PartitionerName, "partitioner name; empty disables the check")
	var seeds []string
	flags.StringSliceVar(&seeds, "seed", nil, "seed node address (repeatable)")
	flags.Int64Var(&cfg.RingDelayMS, "ring-delay-ms", cfg.RingDelayMS, "basis for quarantine_delay and administrative waits")
	flags.Int64Var(&cfg.FailureDetectorTimeoutMS, "failure-detector-timeout-ms", cfg.FailureDetectorTimeoutMS, "echo grace period")
	flags.Int64Var(&cfg.ShadowRoundMS, "shadow-round-ms", cfg.ShadowRoundMS, "hard cap for shadow-round convergence")
	flags.Int64Var(&cfg.ShutdownAnnounceMS, "shutdown-announce-ms", cfg.ShutdownAnnounceMS, "post-announce sleep before disabling")
	flags.IntVar(&cfg.SkipWaitForGossipToSettle, "skip-wait-for-gossip-to-settle", cfg.SkipWaitForGossipToSettle, "0 bypasses, positive caps the poll count, negative means default")
	var forceGeneration int32
	flags.Int32Var(&forceGeneration, "force-gossip-generation", 0, "override the startup generation (0 means unset)")
	flags.BoolVar(&cfg.AdvertiseMyself, "advertise-myself", cfg.AdvertiseMyself, "advertise this node and accept echoes")
	flags.IntVar(&cfg.Shards, "shards", cfg.Shards, "number of additional read-mostly replica shards")
	flags.Int64Var(&cfg.ApplyStateConcurrency, "apply-state-concurrency", cfg.ApplyStateConcurrency, "bound on parallel apply_state_locally execution")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		for _, s := range seeds {
			cfg.Seeds = append(cfg.Seeds, membership.Addr(s))
		}
		cfg.ForceGossipGeneration = forceGeneration
		return nil
	}

	return cmd
}

func run(parentCtx context.Context, cfg membership.Config, bindAddr, featuresFile string) error {
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := membership.NewLogger("gossipd", true)
	self := membership.Addr(bindAddr)

	store := membership.NewStore(cfg.Shards, cfg.Seeds, log)
	gen := membership.NewGenerationSource(cfg.ForceGossipGeneration, time.Now())
	notifier := membership.NewNotifier(log)

	features := membership.NewFeatureManager(featuresFile, log)
	if err := features.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted peer features")
	}
	notifier.Register(features)

	client := membership.NewClient(dialTimeout)
	gate := membership.NewGate()

	engine := membership.NewEngine(cfg, self, store, gen, notifier, client, gate, log)

	server, err := membership.NewServer(bindAddr, self, gate, engine, log)
	if err != nil {
		return fmt.Errorf("starting rpc server: %w", err)
	}

	fdCores := 1
	fd := membership.NewFailureDetector(cfg, self, store, client, gen, engine, fdCores, log)

	member := membership.NewMembership(cfg, self, store, gen, notifier, engine, client, log)
	engine.SetFatClientChecker(member)

	pinger := membership.NewFDPinger(self, client, log)
	engine.SetGenerationHook(pinger.SetGeneration)

	lifecycle := membership.NewLifecycle(cfg, self, store, gen, engine, fd, member, client, server, log)

	contacts := make([]membership.Addr, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		if s != self {
			contacts = append(contacts, s)
		}
	}
	if err := lifecycle.DoShadowRound(ctx, contacts); err != nil {
		server.Close()
		return fmt.Errorf("shadow round: %w", err)
	}

	preload := membership.AppState{membership.StatusKey: {Value: membership.StatusNormal, Version: 1}}
	if err := lifecycle.StartGossiping(ctx, gen.Generation(), preload, cfg.AdvertiseMyself); err != nil {
		server.Close()
		return fmt.Errorf("start gossiping: %w", err)
	}

	log.Info().Str("bind", bindAddr).Msg("gossipd running")
	<-ctx.Done()

	log.Info().Msg("gossipd stopping")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownAnnounceDelay()*4)
	defer cancel()
	lifecycle.DoStopGossiping(stopCtx)

	server.Close()
	if err := features.Save(); err != nil {
		log.Warn().Err(err).Msg("failed to persist peer features")
	}
	return nil
}
