// Package strategy implements the request classifier and the three caching
// strategies (cache-first, network-first, stale-while-revalidate) that
// resolve GET requests against cache partitions and the network.
package strategy
