// Package wire is the dump format written by cmd/avdemux: a sequence of
// frames, each [message_type (varint)] [payload_length (varint)] [payload],
// carrying port announcements, packets and serialized demuxer events.
// Varints use the QUIC encoding.
package wire
