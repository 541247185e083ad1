// Package window is the editor-window side of termbus.
//
// Every window on a relay receives every frame. A Window keeps only the
// addressed frames whose owner is a shell it hosts, runs the matching
// handler and, for requests, always answers with a response frame carrying
// the request id. Frames for other owners are dropped without a reply so the
// owning window's answer is the only one the session ever sees.
package window
