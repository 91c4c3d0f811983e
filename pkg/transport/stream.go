// Package transport provides the duplex frame streams sessions run over: a
// gorilla websocket adapter for network peers and an in-memory pipe.
package transport

import (
	"context"
	"sync"
)

// Stream is a duplex message transport. Each Read returns one complete
// frame and each Write sends one.
//
// Read must return when Close is called. Implementations must allow one
// concurrent reader and one concurrent writer.
type Stream interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// pipeBuffer is the number of frames a Pipe end buffers before Write blocks.
const pipeBuffer = 64

// PipeStream is one end of an in-memory Stream pair.
type PipeStream struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory streams. Frames written to one are
// read from the other. Closing either end closes both.
func Pipe() (*PipeStream, *PipeStream) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &PipeStream{in: ba, out: ab, done: done, once: once},
		&PipeStream{in: ab, out: ba, done: done, once: once}
}

// Read returns the next frame written by the other end. Frames buffered
// before Close are still returned.
func (p *PipeStream) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends a copy of data to the other end.
func (p *PipeStream) Write(ctx context.Context, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes both ends.
func (p *PipeStream) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Done returns a channel that is closed when the pipe is closed.
func (p *PipeStream) Done() <-chan struct{} {
	return p.done
}
