// Package srt receives live MPEG-TS over SRT for playback. Server accepts
// publishers in listener mode; Caller pulls from a remote listener. Both
// copy the received payloads into an ingest stream.
package srt
