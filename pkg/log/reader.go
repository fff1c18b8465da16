package log

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrTruncated is returned when an event file ends inside a record, as
// happens when the server is killed mid-write.
var ErrTruncated = errors.New("event log ends in a partial record")

// Filter selects events. Zero-valued fields select everything.
type Filter struct {
	ConnectionID string
	Category     *Category

	// Remote is either a full peer address ("[::1]:50001") or a bare host,
	// which then matches every port of that host.
	Remote string

	// Since and Until bound the timestamp to [Since, Until).
	Since time.Time
	Until time.Time
}

// Matches reports whether event passes every criterion of f.
func (f Filter) Matches(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID:
		return false
	case f.Category != nil && event.Category != *f.Category:
		return false
	case f.Remote != "" && !remoteMatches(f.Remote, event.RemoteAddr):
		return false
	case !f.Since.IsZero() && event.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && !event.Timestamp.Before(f.Until):
		return false
	}
	return true
}

func remoteMatches(want, addr string) bool {
	if want == addr {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	return err == nil && host == want
}

// Reader streams events out of an event file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
	records int
}

// NewReader opens path and returns every event in it.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens path and returns only the events matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:    f,
		decoder: newEventDecoder(bufio.NewReader(f)),
		filter:  filter,
	}, nil
}

// Next returns the next matching event, io.EOF at the end of the file, or
// an error wrapping ErrTruncated if the last record is incomplete.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		err := r.decoder.Decode(&event)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return Event{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Event{}, fmt.Errorf("%w: after %d records", ErrTruncated, r.records)
		default:
			return Event{}, fmt.Errorf("record %d: %w", r.records, err)
		}

		r.records++
		if r.filter.Matches(event) {
			return event, nil
		}
	}
}

// All yields the remaining matching events. Iteration stops after the first
// error, which is yielded with a zero Event; io.EOF is not yielded.
func (r *Reader) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			event, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(event, err) || err != nil {
				return
			}
		}
	}
}

// Records returns how many records have been decoded so far, matching or not.
func (r *Reader) Records() int {
	return r.records
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}
