// Package events implements a small in-memory pub/sub broker used to feed
// the dashboard SSE channel: build and worker lifecycle transitions are
// published here and fanned out to subscribers non-blockingly, so a slow
// or absent dashboard client never backs up the dispatch or liveness path.
package events
