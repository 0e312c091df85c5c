package core

// Frame is one encoded bus or relay message.
type Frame []byte

// SignalConnection is a member's outbound message queue on either channel.
// The adapter that created it owns Close.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
