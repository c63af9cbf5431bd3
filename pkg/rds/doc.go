// Package rds drives the runtime control channel of an RDS encoder.
//
// The encoder reads newline-terminated commands from a named pipe:
//
//	PS <station name, at most 8 chars of [0-9A-Za-z ]>
//	RT <running text, at most 64 chars>
//
// Delivery is at-most-once with no acknowledgement. Each message carries the
// current display state, so a lost write is repaired by the next change.
package rds
