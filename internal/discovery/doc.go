// Package discovery builds and tears down window registries with three
// frame kinds layered on the bus.
//
// A Watcher runs in each window. Every time its client (re)connects it
// clears the registry and broadcasts an announce-query; sessions answer with
// announce-reply frames carrying their owner pid, and announce-retract frames
// remove them again. An Announcer runs in each session: it replies to every
// query, announces itself on connect and retracts on clean shutdown.
//
// Discovery frames never carry routing information beyond the owner field,
// so the relay needs no state to support them.
package discovery
