// Package cachestatus formats the Cache-Status response header
// (RFC 9211) the gateway attaches so the rendering layer can see how a
// fetch was satisfied.
package cachestatus

import "fmt"

const agentName = "Glint-Fetch"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The pipeline was asked to bypass cache lookup.
	FwdBypass FwdReason = "bypass"

	// No stored response matched the request.
	FwdMiss FwdReason = "miss"

	// A stored response matched but was stale and had to be
	// revalidated or refetched.
	FwdStale FwdReason = "stale"
)

// CacheStatus accumulates the parameters of one Cache-Status entry.
type CacheStatus struct {
	status    Status
	fwdReason FwdReason
	stored    bool
	collapsed bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.status = StatusHit
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = StatusFwd
	cs.fwdReason = reason
}

// Stored records that the forwarded response was written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

// Collapsed records that the request coalesced onto an in-flight fetch.
func (cs *CacheStatus) Collapsed() {
	cs.collapsed = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", agentName, cs.status)
	if cs.status == StatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status += "; stored"
	}
	if cs.collapsed {
		status += "; collapsed"
	}
	if cs.detail != "" {
		status += "; detail=" + cs.detail
	}
	return status
}
