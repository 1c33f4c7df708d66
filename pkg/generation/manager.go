// Package generation owns the lifecycle of cache generations: creation,
// shell population and reclaiming. Nothing else creates or deletes
// generations.
package generation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-gateway/cache"
	cachekey "github.com/always-cache/offline-gateway/pkg/cache-key"
	"github.com/always-cache/offline-gateway/pkg/origin"
	serializer "github.com/always-cache/offline-gateway/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// PathFailure is one manifest path that could not be populated.
type PathFailure struct {
	Path string
	Err  error
}

// PopulationError reports the manifest paths that ended up with no stored
// entry after a population run. Population is best-effort per entry, so
// the generation still holds every path that did succeed.
type PopulationError struct {
	Generation string
	Total      int
	Failures   []PathFailure
}

func (e *PopulationError) Error() string {
	return fmt.Sprintf("population of %s incomplete: %d of %d entries failed",
		e.Generation, len(e.Failures), e.Total)
}

type Manager struct {
	store   cache.Provider
	fetcher origin.Fetcher
	keyer   cachekey.Keyer
	log     zerolog.Logger
}

func NewManager(store cache.Provider, fetcher origin.Fetcher, keyer cachekey.Keyer, logger *zerolog.Logger) *Manager {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Manager{
		store:   store,
		fetcher: fetcher,
		keyer:   keyer,
		log:     log,
	}
}

// Open returns a handle to the named generation, creating it if needed.
func (m *Manager) Open(ctx context.Context, name string) (cache.Generation, error) {
	return m.store.Open(ctx, name)
}

// PopulateShell fetches every manifest path and stores the response in the
// named generation. A path that cannot be fetched does not block the
// remaining paths; a failed path that already has a stored entry keeps the
// previous entry and is not reported. If any path ends up without an
// entry, the returned error is a *PopulationError listing them.
func (m *Manager) PopulateShell(ctx context.Context, name string, manifest []string) error {
	gen, err := m.store.Open(ctx, name)
	if err != nil {
		return err
	}
	failures := make([]PathFailure, 0)
	for _, path := range manifest {
		if err := m.populateEntry(ctx, gen, path); err != nil {
			m.log.Error().Err(err).Str("path", path).Str("generation", name).
				Msg("Could not populate entry")
			failures = append(failures, PathFailure{Path: path, Err: err})
		}
	}
	if len(failures) > 0 {
		return &PopulationError{Generation: name, Total: len(manifest), Failures: failures}
	}
	return nil
}

func (m *Manager) populateEntry(ctx context.Context, gen cache.Generation, path string) error {
	req, err := m.keyer.RequestForPath(path)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	key := m.keyer.Key(req)

	res, err := m.fetcher.Fetch(req)
	if err == nil && !origin.Success(res) {
		res.Body.Close()
		err = fmt.Errorf("origin responded %s", res.Status)
	}
	if err != nil {
		if gen.Has(ctx, key) {
			m.log.Warn().Err(err).Str("path", path).
				Msg("Keeping previously stored entry")
			return nil
		}
		return err
	}

	entry, err := Capture(key, res)
	if err != nil {
		return err
	}
	if err := gen.Put(ctx, entry); err != nil {
		return err
	}
	m.log.Debug().Str("path", path).Str("key", key).Str("generation", gen.Name()).
		Msg("Entry stored")
	return nil
}

// ReclaimStale deletes every generation whose name is not in the expected
// set. It is idempotent: once only expected names remain, further calls do
// nothing. Returns the names that were deleted.
func (m *Manager) ReclaimStale(ctx context.Context, expected map[string]bool) ([]string, error) {
	names, err := m.store.Names(ctx)
	if err != nil {
		return nil, err
	}
	reclaimed := make([]string, 0)
	for _, name := range names {
		if expected[name] {
			continue
		}
		if err := m.store.Drop(ctx, name); err != nil {
			return reclaimed, err
		}
		m.log.Info().Str("generation", name).Msg("Reclaimed stale generation")
		reclaimed = append(reclaimed, name)
	}
	return reclaimed, nil
}

// Capture converts a live response into a storable entry, leaving the
// response readable.
func Capture(key string, res *http.Response) (cache.Entry, error) {
	now := time.Now()
	bts, err := serializer.ToBytes(serializer.StoredResponse{Response: res, FetchedAt: now})
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{Key: key, StoredAt: now, Bytes: bts}, nil
}
