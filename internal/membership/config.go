package membership

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every option recognized by §6.
type Config struct {
	ClusterName     string `yaml:"cluster_name"`
	PartitionerName string `yaml:"partitioner_name"`
	Seeds           []Addr `yaml:"seeds"`

	RingDelayMS                 int64 `yaml:"ring_delay_ms"`
	FailureDetectorTimeoutMS    int64 `yaml:"failure_detector_timeout_in_ms"`
	ShadowRoundMS                int64 `yaml:"shadow_round_ms"`
	ShutdownAnnounceMS          int64 `yaml:"shutdown_announce_ms"`
	SkipWaitForGossipToSettle   int   `yaml:"skip_wait_for_gossip_to_settle"`
	ForceGossipGeneration       int32 `yaml:"force_gossip_generation"`
	AdvertiseMyself             bool  `yaml:"advertise_myself"`

	// ApplyStateConcurrency bounds apply_state_locally parallelism (§4.3,
	// §9). Defaults to 1, matching the original.
	ApplyStateConcurrency int64 `yaml:"apply_state_concurrency"`

	// Shards is the number of additional read-mostly cores the coordinator
	// replicates to (§4.1, §5). 0 is a valid single-core configuration.
	Shards int `yaml:"shards"`
}

// DefaultConfig returns the constants of §6 with AdvertiseMyself on by
// default, as specified.
func DefaultConfig() Config {
	return Config{
		PartitionerName:           "",
		RingDelayMS:               30_000,
		FailureDetectorTimeoutMS:  30_000,
		ShadowRoundMS:             300_000,
		ShutdownAnnounceMS:        2_000,
		SkipWaitForGossipToSettle: -1,
		AdvertiseMyself:           true,
		ApplyStateConcurrency:     1,
		Shards:                    0,
	}
}

// LoadConfigFile reads and merges a YAML config file over DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// QuarantineDelay computes quarantine_delay = 2*max(30_000ms, ring_delay_ms)
// per §3 invariant 3.
func (c Config) QuarantineDelay() time.Duration {
	ringDelay := time.Duration(c.RingDelayMS) * time.Millisecond
	floor := 30_000 * time.Millisecond
	if ringDelay > floor {
		return 2 * ringDelay
	}
	return 2 * floor
}

// FatClientTimeout is fat_client_timeout = quarantine_delay/2 (§4.3 step 7).
func (c Config) FatClientTimeout() time.Duration {
	return c.QuarantineDelay() / 2
}

// FailureDetectorTimeout returns the configured echo grace period.
func (c Config) FailureDetectorTimeout() time.Duration {
	return time.Duration(c.FailureDetectorTimeoutMS) * time.Millisecond
}

// ShadowRoundTimeout returns the hard cap on shadow-round convergence.
func (c Config) ShadowRoundTimeout() time.Duration {
	return time.Duration(c.ShadowRoundMS) * time.Millisecond
}

// ShutdownAnnounceDelay returns the post-announce sleep before disabling.
func (c Config) ShutdownAnnounceDelay() time.Duration {
	return time.Duration(c.ShutdownAnnounceMS) * time.Millisecond
}

// RingDelay returns ring_delay_ms as a Duration.
func (c Config) RingDelay() time.Duration {
	return time.Duration(c.RingDelayMS) * time.Millisecond
}
