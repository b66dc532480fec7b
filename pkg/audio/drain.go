package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer goroutine when the remaining values of a
// stream (e.g. the events of an abandoned model connection) are not needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
