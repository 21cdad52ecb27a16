// Package srt moves MPEG-TS over SRT. Listener accepts publishers and
// Puller dials remote listeners, both feeding an ingest.Registry; Push
// publishes a file to a remote listener at its real-time rate.
package srt
