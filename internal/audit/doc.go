// Package audit buffers security events and relays them to a Sink on a
// single goroutine.
//
// Sinks: [NoOpSink], [ChannelSink], [JSONWriterSink] and [SlogSink]. The
// [Dispatcher] either drops events when its buffer is full (counted by
// Dropped) or blocks the caller. Which events to emit is decided by the
// engine; this package never filters.
package audit
