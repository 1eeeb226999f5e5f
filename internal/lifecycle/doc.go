// Package lifecycle sequences the engine through install, waiting and
// activation, and garbage-collects partitions from older builds.
package lifecycle
