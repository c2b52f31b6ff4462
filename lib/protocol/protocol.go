package protocol

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/calmh/cachewire/lib/protoerr"
)

// Builder constructs and populates the message-type registry for one
// negotiated version of a protocol.
type Builder func(version int32) (*Factory, error)

// Protocol declares a supported/current version range and lazily builds a
// MessageFactory for any version within it. Factories are memoized for the
// process lifetime of the Protocol: a long-lived client may renegotiate
// against many distinct cluster members over time, each potentially
// settling on a different common version, so the memoization cache is an
// LRU rather than an unbounded map even though eviction is rare in
// practice.
type Protocol struct {
	Name             string
	SupportedVersion int32
	CurrentVersion   int32

	build Builder

	mu    sync.Mutex
	cache *lru.Cache[int32, *Factory]
}

// NewProtocol creates a Protocol that builds factories on demand via build.
func NewProtocol(name string, supported, current int32, build Builder) (*Protocol, error) {
	if supported > current {
		return nil, fmt.Errorf("protocol %s: supportedVersion %d > currentVersion %d", name, supported, current)
	}
	cache, err := lru.New[int32, *Factory](int(current-supported) + 1)
	if err != nil {
		return nil, err
	}
	return &Protocol{
		Name:             name,
		SupportedVersion: supported,
		CurrentVersion:   current,
		build:            build,
		cache:            cache,
	}, nil
}

// FactoryForVersion returns the memoized MessageFactory for v, building it
// on first use. v must fall within [SupportedVersion, CurrentVersion].
func (p *Protocol) FactoryForVersion(v int32) (*Factory, error) {
	if v < p.SupportedVersion || v > p.CurrentVersion {
		return nil, fmt.Errorf("protocol %s: %w: version %d outside [%d,%d]",
			p.Name, protoerr.ErrProtocolVersionMismatch, v, p.SupportedVersion, p.CurrentVersion)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.cache.Get(v); ok {
		return f, nil
	}
	f, err := p.build(v)
	if err != nil {
		return nil, err
	}
	p.cache.Add(v, f)
	return f, nil
}

// Negotiate picks the highest version both peers can speak: the highest
// value not exceeding either side's current version and not below either
// side's supported version. It fails with ErrProtocolVersionMismatch if the
// two supported/current intervals are disjoint.
func (p *Protocol) Negotiate(peerSupported, peerCurrent int32) (int32, error) {
	lo := p.SupportedVersion
	if peerSupported > lo {
		lo = peerSupported
	}
	hi := p.CurrentVersion
	if peerCurrent < hi {
		hi = peerCurrent
	}
	if lo > hi {
		return 0, fmt.Errorf("protocol %s: %w: local [%d,%d] vs peer [%d,%d]",
			p.Name, protoerr.ErrProtocolVersionMismatch, p.SupportedVersion, p.CurrentVersion, peerSupported, peerCurrent)
	}
	return hi, nil
}
