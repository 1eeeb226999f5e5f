// ABOUTME: Classifies GET requests into one of the three caching strategies.
// ABOUTME: Selection is by path: static manifest, audio namespace, API namespace, rest.

package strategy

import (
	"net/url"
	"strings"
)

// Kind identifies one of the three caching strategies.
type Kind int

const (
	// KindCacheFirst returns the stored snapshot when present and only
	// touches the network on a miss.
	KindCacheFirst Kind = iota
	// KindNetworkFirst prefers a fresh network response and falls back to
	// the stored snapshot when the network is unreachable.
	KindNetworkFirst
	// KindStaleWhileRevalidate returns the stored snapshot immediately and
	// refreshes it from the network in the background.
	KindStaleWhileRevalidate
)

// String returns the strategy name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindCacheFirst:
		return "cache-first"
	case KindNetworkFirst:
		return "network-first"
	case KindStaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "unknown"
	}
}

// Partitions holds the versioned partition names for one build.
type Partitions struct {
	Static  string
	Dynamic string
	Audio   string
}

// Classification is the outcome of routing one GET request: which strategy
// runs and against which partition.
type Classification struct {
	Kind      Kind
	Partition string
}

// Classifier routes GET requests to a strategy by path. Only GET requests
// reach the classifier; the write path handles everything else.
type Classifier struct {
	staticPaths map[string]bool
	audioPrefix string
	apiPrefix   string
	partitions  Partitions
}

// NewClassifier builds a classifier over the static asset manifest and the
// audio/API namespace prefixes.
func NewClassifier(staticAssets []string, audioPrefix, apiPrefix string, partitions Partitions) *Classifier {
	paths := make(map[string]bool, len(staticAssets))
	for _, p := range staticAssets {
		paths[p] = true
	}
	return &Classifier{
		staticPaths: paths,
		audioPrefix: audioPrefix,
		apiPrefix:   apiPrefix,
		partitions:  partitions,
	}
}

// Classify selects exactly one strategy for a request URL, in precedence
// order: static asset, audio namespace, API namespace, everything else.
func (c *Classifier) Classify(rawURL string) Classification {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}

	switch {
	case c.staticPaths[path]:
		return Classification{Kind: KindCacheFirst, Partition: c.partitions.Static}
	case strings.HasPrefix(path, c.audioPrefix):
		return Classification{Kind: KindCacheFirst, Partition: c.partitions.Audio}
	case strings.HasPrefix(path, c.apiPrefix):
		return Classification{Kind: KindNetworkFirst, Partition: c.partitions.Dynamic}
	default:
		return Classification{Kind: KindStaleWhileRevalidate, Partition: c.partitions.Dynamic}
	}
}

// IsAPIPath reports whether a request URL falls under the API namespace.
// The write path uses this to decide outbox eligibility.
func (c *Classifier) IsAPIPath(rawURL string) bool {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	return strings.HasPrefix(path, c.apiPrefix)
}
