package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it on event or frame channels whose producer must not block while it
// shuts down (e.g., a channel handle closed during an aborted connect).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
