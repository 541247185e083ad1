// Package terminal hosts the shells of a window in pseudo-terminals and
// answers which pids the window owns.
//
// Shells are started with the relay address exported, so a session launched
// from one finds both the relay and its own identity (the shell pid is the
// session's parent pid).
package terminal
