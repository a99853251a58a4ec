package broadcast

import "errors"

// ErrSlowSubscriber is returned when a subscriber's buffer is full
var ErrSlowSubscriber = errors.New("subscriber buffer full")

// Frame is one encoded event waiting to be written
type Frame struct {
	Event string
	Data  []byte
}

// ChannelSink hands frames to the goroutine that owns the connection. Send
// never blocks; a full buffer marks the subscriber dead.
type ChannelSink struct {
	frames chan Frame
}

// NewChannelSink creates a sink buffering up to size frames
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{frames: make(chan Frame, size)}
}

// Send queues a frame
func (s *ChannelSink) Send(event string, data []byte) error {
	select {
	case s.frames <- Frame{Event: event, Data: data}:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// Frames is drained by the connection writer
func (s *ChannelSink) Frames() <-chan Frame {
	return s.frames
}
