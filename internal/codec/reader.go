package codec

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxLineSize bounds a single line of an event stream.
const MaxLineSize = 1 << 20

// ErrLineTooLong is returned when a line exceeds MaxLineSize. It is not
// sticky: the line and the message it belongs to are discarded, and the next
// call resumes with the following message.
var ErrLineTooLong = errors.New("codec: line too long")

// Message is one dispatched event-stream message.
type Message struct {
	// Event is the optional "event:" name that preceded the data.
	Event string
	Data  []byte
}

// Reader demultiplexes an event stream into messages. Partial chunks are
// buffered until a newline arrives, so the split points of the underlying
// reader never affect the result.
//
// Next returns ErrDone for the [DONE] sentinel, io.EOF when the stream ends
// on a line boundary and io.ErrUnexpectedEOF when it ends mid-line.
type Reader struct {
	br       *bufio.Reader
	lineMode bool

	event   string
	data    []byte
	hasData bool
	// skipping drops the rest of a message whose line was too long.
	skipping bool
	err      error
}

// NewReader returns a Reader that dispatches a message on each blank line,
// joining multiple data fields with "\n".
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, MaxLineSize)}
}

// NewLineReader returns a Reader that dispatches every data line as its own
// message, for producers that put one payload per line.
func NewLineReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, MaxLineSize), lineMode: true}
}

// Next returns the next message.
func (r *Reader) Next() (Message, error) {
	if r.err != nil {
		return Message{}, r.err
	}
	for {
		line, err := r.readLine()
		if errors.Is(err, ErrLineTooLong) {
			r.reset()
			r.skipping = !r.lineMode
			return Message{}, err
		}
		if err != nil {
			if errors.Is(err, io.EOF) && r.hasData && !r.skipping {
				r.err = io.EOF
				return r.dispatch()
			}
			r.err = err
			return Message{}, err
		}

		if len(line) == 0 {
			if r.hasData && !r.skipping {
				return r.dispatch()
			}
			r.reset()
			continue
		}
		if line[0] == ':' || r.skipping {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "data":
			if r.lineMode {
				r.data = append(r.data[:0], value...)
				r.hasData = true
				return r.dispatch()
			}
			if r.hasData {
				r.data = append(r.data, '\n')
			}
			r.data = append(r.data, value...)
			r.hasData = true
		case "event":
			r.event = string(value)
		}
	}
}

func (r *Reader) dispatch() (Message, error) {
	msg := Message{Event: r.event, Data: bytes.Clone(r.data)}
	r.reset()
	if string(msg.Data) == DonePayload {
		r.err = ErrDone
		return Message{}, ErrDone
	}
	return msg, nil
}

func (r *Reader) reset() {
	r.event = ""
	r.data = r.data[:0]
	r.hasData = false
	r.skipping = false
}

func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, r.discardLine()
	case errors.Is(err, io.EOF):
		if len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, io.EOF
	case err != nil:
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r")), nil
}

// discardLine consumes the remainder of an oversized line.
func (r *Reader) discardLine() error {
	for {
		_, err := r.br.ReadSlice('\n')
		switch {
		case err == nil:
			return ErrLineTooLong
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return io.ErrUnexpectedEOF
		default:
			return err
		}
	}
}
