// Package servestatus renders the Cache-Status response header defined in
// RFC 9211 for responses handled by the gateway.
// Every handled response gets exactly one entry in the header list, with
// "Offline-Gateway" as the cache identifier, e.g.
//
//	Cache-Status: Offline-Gateway; hit; detail=fallback
//	Cache-Status: Offline-Gateway; fwd=uri-miss; stored
package servestatus

import "fmt"

// HeaderName is the response header the gateway appends its entry to.
const HeaderName = "Cache-Status"

const identifier = "Offline-Gateway"

type StatusValue string

const (
	StatusHit StatusValue = "hit"
	StatusFwd StatusValue = "fwd"
)

type FwdReason string

const (
	// The gateway was configured to pass requests for this origin through
	// untouched.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be forwarded.
	FwdReasonMethod FwdReason = "method"

	// No stored response matched the request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The policy for this resource demands a network attempt before any
	// stored response is considered.
	FwdReasonRequest FwdReason = "request"

	// Nothing stored could be used to satisfy this request.
	FwdReasonMiss FwdReason = "miss"
)

// Details used by the gateway in addition to the fwd reasons above.
const (
	// A stored response was served because the network attempt failed.
	DetailFallback = "fallback"
	// The offline document was served in place of the requested resource.
	DetailOffline = "offline"
	// Neither the network nor any stored tier produced a response.
	DetailExhausted = "exhausted"
)

type Status struct {
	Status    StatusValue
	FwdReason FwdReason
	Stored    bool
	detail    string
}

// Hit marks the response as served from storage.
func (s *Status) Hit() {
	s.Status = StatusHit
	s.FwdReason = ""
}

// Forward marks the response as forwarded to the network for the given
// reason.
func (s *Status) Forward(reason FwdReason) {
	s.Status = StatusFwd
	s.FwdReason = reason
}

func (s *Status) Detail(detail string) {
	s.detail = detail
}

// Source names where the response body came from, for logs and metrics.
func (s *Status) Source() string {
	switch {
	case s.Status == StatusHit && s.detail == DetailOffline:
		return "offline"
	case s.Status == StatusHit:
		return "cache"
	case s.detail == DetailExhausted:
		return "none"
	default:
		return "network"
	}
}

func (s *Status) String() string {
	status := fmt.Sprintf("%s; %s", identifier, s.Status)
	if s.Status == StatusFwd && s.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, s.FwdReason)
	}
	if s.Stored {
		status = status + "; stored"
	}
	if s.detail != "" {
		status = status + "; detail=" + s.detail
	}
	return status
}
