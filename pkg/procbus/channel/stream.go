package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
)

// Stream is a Channel over a byte stream. Each envelope is written as a
// 4-byte big-endian length followed by the encoded envelope.
type Stream struct {
	*endpoint

	r        io.Reader
	w        io.Writer
	maxFrame int

	writeMu sync.Mutex
	closers []io.Closer
	readErr error
	readEnd chan struct{}
}

// NewStream starts reading frames from r and returns the endpoint. Frames
// are written to w. If r or w implement io.Closer they are closed with the
// stream. When r reaches EOF the stream delivers what it already read and
// then closes itself.
func NewStream(r io.Reader, w io.Writer, codec envelope.Codec, opts ...Option) *Stream {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stream{
		endpoint: newEndpoint(codec, o),
		r:        r,
		w:        w,
		maxFrame: o.maxFrameSize,
		readEnd:  make(chan struct{}),
	}
	if c, ok := w.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	if c, ok := r.(io.Closer); ok && any(r) != any(w) {
		s.closers = append(s.closers, c)
	}
	s.onClose = s.closeIO

	go s.readLoop()
	return s
}

// Send writes env as one frame. Concurrent sends are serialized.
func (s *Stream) Send(ctx context.Context, env *envelope.Envelope) error {
	frame, err := s.encode(ctx, env)
	if err != nil {
		return err
	}
	if len(frame) > s.maxFrame {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit of %d", perr.ErrInvalidParams, len(frame), s.maxFrame)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed() {
		return perr.ErrChannelClosed
	}
	if _, err := s.w.Write(header[:]); err != nil {
		return s.writeFailed(err)
	}
	if _, err := s.w.Write(frame); err != nil {
		return s.writeFailed(err)
	}
	return nil
}

func (s *Stream) writeFailed(err error) error {
	if s.closed() || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", perr.ErrChannelClosed, err)
	}
	return fmt.Errorf("write frame: %w", err)
}

// Close stops reading and closes the underlying reader and writer.
func (s *Stream) Close() error {
	s.shutdown()
	return nil
}

// Err returns the error that ended the read loop, or nil for a clean EOF.
// Only meaningful after Done is closed.
func (s *Stream) Err() error {
	select {
	case <-s.readEnd:
		return s.readErr
	default:
		return nil
	}
}

func (s *Stream) closeIO() {
	for _, c := range s.closers {
		_ = c.Close()
	}
}

func (s *Stream) readLoop() {
	defer close(s.readEnd)
	defer s.endInput()

	var header [4]byte
	for {
		if _, err := io.ReadFull(s.r, header[:]); err != nil {
			s.readStopped(err)
			return
		}
		n := binary.BigEndian.Uint32(header[:])
		if int64(n) > int64(s.maxFrame) {
			s.readErr = &perr.ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit of %d", n, s.maxFrame)}
			s.logger.Error("closing stream", slog.String("error", s.readErr.Error()))
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(s.r, frame); err != nil {
			s.readStopped(err)
			return
		}
		if !s.push(frame) {
			return
		}
	}
}

func (s *Stream) readStopped(err error) {
	if errors.Is(err, io.EOF) || s.closed() {
		return
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		s.logger.Debug("stream ended mid-frame", slog.String("error", err.Error()))
		return
	}
	s.readErr = err
	s.logger.Error("stream read failed", slog.String("error", err.Error()))
}
