// Package animhead drives a multi-servo animatronic head: self
// calibration of each servo's mechanical travel, a line-oriented command
// protocol over unreliable serial links, and mapping of symbolic emotions
// and gaze targets onto calibrated servo ranges.
//
// Three devices share the protocol. The controller owns the servo bus and
// is the sole authority on safe ranges; the bridge relays between links
// and gates motion on link health; the host mirrors reported state and
// renders intent into commands. Every motion target is clamped by the
// receiver against its own calibrated range, never the sender's.
package animhead
