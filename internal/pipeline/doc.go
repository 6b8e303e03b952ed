// Package pipeline defines the streaming contract between the request
// orchestrator and the text+speech generation backend, including the
// discriminated result fragment relayed to the transport adapter.
package pipeline
