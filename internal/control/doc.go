// Package control implements the command channel between the foreground
// application and the engine: a closed set of fire-and-forget commands
// dispatched by type.
package control
