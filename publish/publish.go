// Package publish pushes captured media to a live publishing endpoint
// while the capture is being written to disk. The sink is a best-effort
// collaborator: it must never block or fail the capture path, so frames
// are queued and dropped under pressure.
package publish

// Sink receives every captured RTP packet alongside the disk writer.
// Push must not block; slot distinguishes parallel layers of the same
// medium. Close is best-effort.
type Sink interface {
	Push(buf []byte, video bool, slot int)
	Close() error
}

// Discard is a Sink that drops everything, used when no publishing
// endpoint is configured.
type Discard struct{}

func (Discard) Push([]byte, bool, int) {}

func (Discard) Close() error { return nil }
