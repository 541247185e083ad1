// Package relayctl locates, spawns and connects to the relay.
//
// The relay address is derived from the owning window's host identifier.
// Clients never coordinate who starts the relay: whoever finds no listener
// spawns one, and the relay's exclusive bind decides the winner.
package relayctl
