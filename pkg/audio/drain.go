package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent a capture backend from blocking on a full Frames
// channel after the consumer has stopped reading.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
