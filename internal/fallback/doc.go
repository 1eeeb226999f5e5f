// Package fallback synthesizes last-resort responses when a request can be
// answered by neither the cache nor the network.
package fallback
