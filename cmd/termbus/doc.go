// Package main hosts the termbus CLI entrypoint and command graph.
//
// The Cobra command tree runs the hidden relay process, hosts window shells,
// binds sessions to their shell and exposes one-shot request, send and
// discovery commands for scripting. Configuration, address resolution and
// bus client construction live in commandContext so subcommands only deal
// with their own flags and output.
package main
