package offlinegateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/always-cache/offline-gateway/pkg/generation"
	"github.com/always-cache/offline-gateway/pkg/notify"
)

// State names where the gateway stands in the generation takeover flow.
type State string

const (
	// StateWaiting means a previous version's generation pair is still
	// serving and the configured version waits for attached instances to
	// drain before taking over.
	StateWaiting State = "waiting"
	// StateActive means the configured version's generation pair is serving.
	StateActive State = "active"
)

const (
	shellPrefix   = "shell-"
	runtimePrefix = "runtime-"
)

func shellName(version string) string {
	return shellPrefix + version
}

func runtimeName(version string) string {
	return runtimePrefix + version
}

// expectedPair is the generation pair belonging to the configured version.
func (g *Gateway) expectedPair() genPair {
	return genPair{shell: shellName(g.version), runtime: runtimeName(g.version)}
}

// snapshot returns the pair to dispatch against. Taken under the read side
// of the takeover barrier, so a request started before an activation keeps
// its pair for the whole dispatch.
func (g *Gateway) snapshot() genPair {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// Status is a point-in-time lifecycle snapshot for the control surface.
type Status struct {
	Version   string `json:"version"`
	State     State  `json:"state"`
	Shell     string `json:"shell"`
	Runtime   string `json:"runtime"`
	Instances int    `json:"instances"`
}

// Status reports the serving generation pair, the takeover state and the
// number of attached instances.
func (g *Gateway) Status() Status {
	g.mu.RLock()
	s := Status{
		Version: g.version,
		State:   g.state,
		Shell:   g.active.shell,
		Runtime: g.active.runtime,
	}
	g.mu.RUnlock()
	if g.hub != nil {
		s.Instances = g.hub.Instances()
	}
	return s
}

// Start runs the install and takeover flow: adopt a previous version's
// generation pair if one is still stored, populate the configured version's
// shell, then activate unless attached instances are still consuming the
// previous pair. An incomplete population is logged but does not block the
// flow; any other install error does.
func (g *Gateway) Start(ctx context.Context) error {
	if g.hub != nil {
		g.hub.OnEmpty(g.takeover)
	}

	prev, waiting := g.previousPair(ctx)
	if waiting {
		g.mu.Lock()
		g.active = prev
		g.state = StateWaiting
		g.mu.Unlock()
		g.log.Info().
			Str("shell", prev.shell).
			Str("runtime", prev.runtime).
			Msg("Found previous generations, serving them until instances drain")
	}

	if err := g.Install(ctx); err != nil {
		var perr *generation.PopulationError
		if !errors.As(err, &perr) {
			return err
		}
		g.log.Warn().Err(err).Msg("Shell population incomplete")
	}

	if waiting && g.hub != nil && g.hub.Instances() > 0 {
		g.log.Info().
			Int("instances", g.hub.Instances()).
			Msg("Waiting for instances before takeover")
		return nil
	}
	return g.Activate(ctx)
}

// Install populates the configured version's shell generation from the
// shell manifest. Population is best-effort per path; when some paths fail
// the returned error is a *generation.PopulationError listing them.
func (g *Gateway) Install(ctx context.Context) error {
	g.log.Info().Int("paths", len(g.manifest)).Msg("Installing shell")
	return g.populate(ctx, shellName(g.version))
}

// RefreshShell re-populates the serving shell generation from the manifest.
// Paths that cannot be refreshed keep their previously stored entry.
func (g *Gateway) RefreshShell(ctx context.Context) error {
	return g.populate(ctx, g.snapshot().shell)
}

func (g *Gateway) populate(ctx context.Context, name string) error {
	err := g.gens.PopulateShell(ctx, name, g.manifest)
	var perr *generation.PopulationError
	if errors.As(err, &perr) {
		g.metrics.ObservePopulation(perr.Total-len(perr.Failures), len(perr.Failures))
	} else if err == nil {
		g.metrics.ObservePopulation(len(g.manifest), 0)
	}
	return err
}

// Activate moves the configured version's generation pair into service.
// The whole sweep happens under the write side of the takeover barrier:
// requests that snapshotted the old pair complete against it, requests
// after the swap see only the new pair, and nothing is dispatched against
// a generation mid-reclaim. Idempotent, safe to call when already active.
func (g *Gateway) Activate(ctx context.Context) error {
	expected := g.expectedPair()

	g.mu.Lock()
	defer g.mu.Unlock()

	reclaimed, err := g.gens.ReclaimStale(ctx, map[string]bool{
		expected.shell:   true,
		expected.runtime: true,
	})
	if err != nil {
		return fmt.Errorf("reclaim stale generations: %w", err)
	}
	g.metrics.ObserveReclaim(len(reclaimed))

	// Open both up front so the first request does not pay for creation.
	if _, err := g.gens.Open(ctx, expected.shell); err != nil {
		return err
	}
	if _, err := g.gens.Open(ctx, expected.runtime); err != nil {
		return err
	}

	g.active = expected
	g.state = StateActive
	g.log.Info().
		Str("shell", expected.shell).
		Str("runtime", expected.runtime).
		Msg("Generation pair active")
	return nil
}

// ForceActivateNow expedites takeover without waiting for attached
// instances to drain.
func (g *Gateway) ForceActivateNow() {
	g.log.Info().Msg("Forced activation requested")
	if err := g.Activate(context.Background()); err != nil {
		g.log.Error().Err(err).Msg("Forced activation failed")
	}
}

// BroadcastSync pushes a SYNC_NOW notification to every attached instance
// and reports how many received it.
func (g *Gateway) BroadcastSync() int {
	if g.hub == nil {
		return 0
	}
	return g.hub.Broadcast(notify.SyncNow)
}

// takeover fires when the last attached instance detaches.
func (g *Gateway) takeover() {
	g.mu.RLock()
	waiting := g.state == StateWaiting
	g.mu.RUnlock()
	if !waiting {
		return
	}
	g.log.Info().Msg("Last instance detached, taking over")
	if err := g.Activate(context.Background()); err != nil {
		g.log.Error().Err(err).Msg("Takeover activation failed")
	}
}

// previousPair looks for a complete generation pair stored by another
// version. When several exist the lexically greatest wins.
func (g *Gateway) previousPair(ctx context.Context) (genPair, bool) {
	names, err := g.cache.Names(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("Could not list generations")
		return genPair{}, false
	}
	shells := make(map[string]bool)
	runtimes := make(map[string]bool)
	for _, name := range names {
		if v, ok := strings.CutPrefix(name, shellPrefix); ok {
			shells[v] = true
		} else if v, ok := strings.CutPrefix(name, runtimePrefix); ok {
			runtimes[v] = true
		}
	}
	found := ""
	for v := range shells {
		if v != g.version && runtimes[v] && v > found {
			found = v
		}
	}
	if found == "" {
		return genPair{}, false
	}
	return genPair{shell: shellName(found), runtime: runtimeName(found)}, true
}
