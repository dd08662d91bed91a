// Package audio provides the audio chunk types and the [StreamChannel]
// fan-out used to distribute synthesized speech from the active TTS output
// provider to multiple subscribers (avatar lip-sync, remote streamer, …).
//
// Chunks are by-value: every subscriber receives its own copy of the chunk
// struct, never a shared mutable buffer. This package lives under pkg/
// because external output providers and extensions publish to and subscribe
// from the channel.
package audio

import "time"

// Chunk is one slice of int16 PCM audio inside an utterance.
type Chunk struct {
	// Data holds little-endian int16 PCM samples.
	Data []byte

	// SampleRate in Hz (e.g., 24000 for most TTS backends, 48000 for stream mixes).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Sequence increases monotonically per utterance, starting at 1. Gaps
	// appear on the subscriber side when chunks are dropped by backpressure.
	Sequence int64

	// Timestamp marks when the chunk was produced.
	Timestamp time.Time
}

// Metadata accompanies the start and end boundaries of one utterance.
type Metadata struct {
	// Text is the utterance being spoken.
	Text string

	// SampleRate and Channels describe the PCM format of the following chunks.
	SampleRate int
	Channels   int

	// Timestamp marks the boundary time.
	Timestamp time.Time
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a subscriber does not need the
// remainder of a stream.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
