// Package logging builds the slog loggers shared by the relay and its
// clients.
//
// Two handlers are provided: a console renderer for interactive use and a
// JSON renderer for relay log files. Field keys for frames, owners and
// connections are defined here so every component tags records the same way.
package logging
