package generator

import (
	"bufio"
	"fmt"
	"io"

	"github.com/filemill/filemill/internal/domain"
)

// Generator turns a byte stream positioned at a file's resume offset into a
// sequence of events with consecutive sequence numbers. emit is called
// synchronously per event so the caller can hand each one to the sink before
// the next is framed; no more than one event is held in memory.
//
// GenerateEvents returns the next unused sequence number and the number of
// bytes consumed from r. The caller adds the file's begin offset to
// bytesConsumed to obtain the new resume point. Framing is deterministic:
// the same bytes and starting sequence number always yield the same events.
type Generator interface {
	GenerateEvents(r io.Reader, firstSequenceNumber int64, emit func(domain.Event) error) (nextSequenceNumber, bytesConsumed int64, err error)
}

// LineGenerator frames newline-delimited records. The trailing newline is not
// part of the payload but counts toward the consumed offset. A final
// unterminated line is emitted as its own event.
type LineGenerator struct {
	RoutingKey string
}

// GenerateEvents reads r line by line until EOF
func (g *LineGenerator) GenerateEvents(r io.Reader, firstSequenceNumber int64, emit func(domain.Event) error) (int64, int64, error) {
	br := bufio.NewReader(r)
	seq := firstSequenceNumber
	var consumed int64

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			consumed += int64(len(line))

			payload := line
			if payload[len(payload)-1] == '\n' {
				payload = payload[:len(payload)-1]
			}

			if emitErr := emit(domain.Event{
				RoutingKey:     g.RoutingKey,
				Payload:        payload,
				SequenceNumber: seq,
			}); emitErr != nil {
				return seq, consumed, emitErr
			}
			seq++
		}
		if err == io.EOF {
			return seq, consumed, nil
		}
		if err != nil {
			return seq, consumed, fmt.Errorf("failed to read input: %w", err)
		}
	}
}

// ChunkGenerator frames fixed-size chunks of the raw byte stream. The final
// chunk may be shorter. Zero-byte files produce no events.
type ChunkGenerator struct {
	RoutingKey string
	ChunkSize  int
}

// GenerateEvents reads r chunk by chunk until EOF
func (g *ChunkGenerator) GenerateEvents(r io.Reader, firstSequenceNumber int64, emit func(domain.Event) error) (int64, int64, error) {
	if g.ChunkSize <= 0 {
		return firstSequenceNumber, 0, fmt.Errorf("chunk size must be positive, got %d", g.ChunkSize)
	}

	seq := firstSequenceNumber
	var consumed int64

	for {
		chunk := make([]byte, g.ChunkSize)
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			consumed += int64(n)
			if emitErr := emit(domain.Event{
				RoutingKey:     g.RoutingKey,
				Payload:        chunk[:n],
				SequenceNumber: seq,
			}); emitErr != nil {
				return seq, consumed, emitErr
			}
			seq++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return seq, consumed, nil
		}
		if err != nil {
			return seq, consumed, fmt.Errorf("failed to read input: %w", err)
		}
	}
}
