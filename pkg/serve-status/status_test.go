package servestatus

import "testing"

func TestHitHeaderValue(t *testing.T) {
	cs := Status{}
	cs.Hit()
	if cs.String() != "Offline-Gateway; hit" {
		t.Fatalf("Header value is %q", cs.String())
	}
}

func TestForwardWithStored(t *testing.T) {
	cs := Status{}
	cs.Forward(FwdReasonUriMiss)
	cs.Stored = true
	if cs.String() != "Offline-Gateway; fwd=uri-miss; stored" {
		t.Fatalf("Header value is %q", cs.String())
	}
}

func TestDetailAppended(t *testing.T) {
	cs := Status{}
	cs.Hit()
	cs.Detail(DetailFallback)
	if cs.String() != "Offline-Gateway; hit; detail=fallback" {
		t.Fatalf("Header value is %q", cs.String())
	}
}

func TestSource(t *testing.T) {
	fallback := Status{}
	fallback.Hit()
	fallback.Detail(DetailFallback)
	if fallback.Source() != "cache" {
		t.Fatalf("Source is %s", fallback.Source())
	}

	offline := Status{}
	offline.Hit()
	offline.Detail(DetailOffline)
	if offline.Source() != "offline" {
		t.Fatalf("Source is %s", offline.Source())
	}

	fresh := Status{}
	fresh.Forward(FwdReasonRequest)
	if fresh.Source() != "network" {
		t.Fatalf("Source is %s", fresh.Source())
	}

	failed := Status{}
	failed.Forward(FwdReasonMiss)
	failed.Detail(DetailExhausted)
	if failed.Source() != "none" {
		t.Fatalf("Source is %s", failed.Source())
	}
}
