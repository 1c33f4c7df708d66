package offlinegateway

import (
	"net/http"

	"github.com/always-cache/offline-gateway/pkg/origin"
	"github.com/always-cache/offline-gateway/pkg/policy"
	servestatus "github.com/always-cache/offline-gateway/pkg/serve-status"
)

// dispatch runs the strategy selected by the request's policy tag against
// the given generation pair. It returns the response to send along with its
// serve status, or an error when every tier came up empty.
//
// Pass-through requests never reach this point.
func (g *Gateway) dispatch(r *http.Request, tag policy.Tag, gens genPair) (*http.Response, servestatus.Status, error) {
	switch tag {
	case policy.ShellResource:
		return g.networkFirst(r, gens)
	case policy.StaticAsset:
		return g.cacheFirst(r, gens)
	default:
		return g.networkWithFallback(r, gens)
	}
}

// networkFirst serves shell resources. The network wins whenever it answers,
// so the shell is never staler than the last successful fetch; the stored
// entry only covers an unreachable origin.
func (g *Gateway) networkFirst(r *http.Request, gens genPair) (*http.Response, servestatus.Status, error) {
	return g.refreshOrFallback(r, gens.shell, gens)
}

// networkWithFallback serves dynamic resources the same way, except that
// both the fresh copy and the fallback live in the runtime generation.
func (g *Gateway) networkWithFallback(r *http.Request, gens genPair) (*http.Response, servestatus.Status, error) {
	return g.refreshOrFallback(r, gens.runtime, gens)
}

// refreshOrFallback tries the origin first and stores a successful response
// into genName. When the origin is unreachable or answers badly, it walks
// the fallback tiers: the stored entry for the key, then the offline
// document from the shell generation. A non-2xx origin response is only
// relayed once both tiers have come up empty.
func (g *Gateway) refreshOrFallback(r *http.Request, genName string, gens genPair) (*http.Response, servestatus.Status, error) {
	cs := servestatus.Status{}
	key := g.keyer.Key(r)

	res, err := g.fetch(r)
	if err == nil && origin.Success(res) {
		cs.Forward(servestatus.FwdReasonRequest)
		cs.Stored = g.store(r, genName, key, res)
		return res, cs, nil
	}
	if err != nil {
		g.log.Warn().Err(err).Str("key", key).Msg("Origin unreachable, falling back to stored tiers")
	}

	if stored, ok := g.lookup(r, genName, key); ok {
		discard(res)
		cs.Hit()
		cs.Detail(servestatus.DetailFallback)
		return stored, cs, nil
	}
	if doc, ok := g.offlineDoc(r, gens.shell); ok {
		discard(res)
		cs.Hit()
		cs.Detail(servestatus.DetailOffline)
		return doc, cs, nil
	}
	// The origin did answer, just not with a success. With nothing stored
	// to serve instead, what it said is still better than a blind error.
	if res != nil {
		cs.Forward(servestatus.FwdReasonRequest)
		return res, cs, nil
	}
	cs.Forward(servestatus.FwdReasonMiss)
	cs.Detail(servestatus.DetailExhausted)
	return nil, cs, ErrFailed
}

// cacheFirst serves static assets. A stored entry is treated as immutable
// for the lifetime of its generation, so a hit never touches the network.
// There is no offline tier here: past what is cached, a missing image or
// font has no meaningful substitute.
func (g *Gateway) cacheFirst(r *http.Request, gens genPair) (*http.Response, servestatus.Status, error) {
	cs := servestatus.Status{}
	key := g.keyer.Key(r)

	if stored, ok := g.lookup(r, gens.runtime, key); ok {
		cs.Hit()
		return stored, cs, nil
	}

	res, err := g.fetch(r)
	if err == nil && origin.Success(res) {
		cs.Forward(servestatus.FwdReasonUriMiss)
		cs.Stored = g.store(r, gens.runtime, key, res)
		return res, cs, nil
	}
	if res != nil {
		cs.Forward(servestatus.FwdReasonUriMiss)
		return res, cs, nil
	}
	g.log.Warn().Err(err).Str("key", key).Msg("Origin unreachable on cache miss")
	cs.Forward(servestatus.FwdReasonMiss)
	cs.Detail(servestatus.DetailExhausted)
	return nil, cs, ErrFailed
}

// discard closes the body of an abandoned origin response so the transport
// connection can be reused.
func discard(res *http.Response) {
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
}
