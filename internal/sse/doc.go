// Package sse implements the server-sent-events framing shared by the
// upstream provider, the relay and the client.
//
// Decoding keeps a carry-over buffer so that lines split across arbitrary
// read boundaries are reassembled before classification. A trailing line
// with no newline terminator at end of input is dropped.
package sse
