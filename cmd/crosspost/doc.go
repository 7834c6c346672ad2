// Package main hosts the crosspost CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into queue
// maintenance operations, identity pool administration, manual enqueueing,
// environment checks, and configuration scaffolding, and runs the pipeline
// daemon in the foreground. It centralizes configuration resolution and
// store access in commandContext so subcommands can focus on user
// experience instead of wiring.
package main
