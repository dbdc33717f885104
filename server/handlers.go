// Package server exposes the HTTP API handlers.
package server

// Handlers holds the dependencies shared across all Submission API handlers.
type Handlers struct {
	deps Deps
}
