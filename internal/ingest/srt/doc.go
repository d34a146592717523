// Package srt implements SRT (Secure Reliable Transport) ingest for the
// decoder: a listener (Server) that accepts publish connections and a caller
// (Caller) that pulls from remote listeners. Both push the received
// transport stream into an ingest.Stream buffer.
package srt
