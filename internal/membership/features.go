package membership

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// persistedFeatures is the on-disk shape of §6's "persisted state": only
// the peer-features mapping is durable, never application payloads (§1
// Non-goals).
type persistedFeatures struct {
	Peers map[Addr]string `json:"peers"`
}

// FeatureManager supplements the distilled spec with the small
// "persisted state" hook §6 names but no component owns explicitly: it
// tracks each peer's last-known SUPPORTED_FEATURES value, persists it
// through a plain JSON file (the "small key/value hook" the spec
// describes — no pack example ships an embeddable KV client library
// suited to this; ppriyankuu-godkv is itself a server, not something this
// process would embed, so the stdlib file I/O the teacher already favors
// for its own small persistence needs is kept here too, per DESIGN.md),
// and computes the cluster-common feature set on request (CommonFeatures).
type FeatureManager struct {
	NoopListener

	log  zerolog.Logger
	path string

	mu           sync.Mutex
	peerFeatures map[Addr]string
}

func NewFeatureManager(path string, log zerolog.Logger) *FeatureManager {
	return &FeatureManager{
		log:          log.With().Str("component", "features").Logger(),
		path:         path,
		peerFeatures: make(map[Addr]string),
	}
}

// Load reads the persisted peer-features map, tolerating a missing file
// (fresh node).
func (f *FeatureManager) Load() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var p persistedFeatures
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Peers != nil {
		f.peerFeatures = p.Peers
	}
	return nil
}

// Save persists the current peer-features map and logs a stable fingerprint
// of the snapshot (repurposing the teacher's hashing.go helper) so the
// write is auditable without logging every feature string.
func (f *FeatureManager) Save() error {
	f.mu.Lock()
	snapshot := make(map[Addr]string, len(f.peerFeatures))
	for addr, features := range f.peerFeatures {
		snapshot[addr] = features
	}
	f.mu.Unlock()

	if fingerprint, err := hash(snapshot); err == nil {
		f.log.Info().Str("fingerprint", fingerprint).Int("peers", len(snapshot)).Msg("persisting peer features")
	}

	data, err := json.MarshalIndent(persistedFeatures{Peers: snapshot}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o644)
}

func (f *FeatureManager) capture(addr Addr, state EndpointState) {
	v, ok := state.Apps[SupportedFeaturesKey]
	if !ok {
		return
	}
	f.mu.Lock()
	f.peerFeatures[addr] = v.Value
	f.mu.Unlock()
}

func (f *FeatureManager) OnJoin(addr Addr, state EndpointState)  { f.capture(addr, state) }
func (f *FeatureManager) OnAlive(addr Addr, state EndpointState) { f.capture(addr, state) }

func (f *FeatureManager) OnChange(addr Addr, state EndpointState, key ApplicationStateKey) {
	if key == SupportedFeaturesKey {
		f.capture(addr, state)
	}
}

func (f *FeatureManager) OnRemove(addr Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peerFeatures, addr)
}

// CommonFeatures returns the sorted intersection of every known peer's
// comma-separated SUPPORTED_FEATURES list. Lifecycle.WaitForGossipToSettle
// does not call it; the result is computed only when this method is invoked.
func (f *FeatureManager) CommonFeatures() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peerFeatures) == 0 {
		return nil
	}

	var sets []map[string]bool
	for _, csv := range f.peerFeatures {
		set := make(map[string]bool)
		for _, feat := range strings.Split(csv, ",") {
			feat = strings.TrimSpace(feat)
			if feat != "" {
				set[feat] = true
			}
		}
		sets = append(sets, set)
	}

	common := sets[0]
	for _, s := range sets[1:] {
		for feat := range common {
			if !s[feat] {
				delete(common, feat)
			}
		}
	}

	out := make([]string, 0, len(common))
	for feat := range common {
		out = append(out, feat)
	}
	sort.Strings(out)
	return out
}
