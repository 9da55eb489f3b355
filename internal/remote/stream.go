package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
)

// ChangeStream decodes the missingFromClient array of a changes response one commit at a time.
type ChangeStream struct {
	body     io.ReadCloser
	decoder  *json.Decoder
	buffered []crdt.Commit
	streamed bool
	done     bool
	current  crdt.Commit
	err      error
}

var _ crdt.CommitSource = (*ChangeStream)(nil)

// openChangeStream reads the response up to the start of the commit array. When the server
// wrote the commits before its sync state, they are buffered instead.
func openChangeStream(body io.ReadCloser) (*ChangeStream, crdt.SyncState, error) {
	stream := &ChangeStream{body: body, decoder: json.NewDecoder(body)}
	if err := expectDelim(stream.decoder, '{'); err != nil {
		return nil, nil, err
	}

	var (
		state     crdt.SyncState
		haveState bool
	)
	for {
		token, err := stream.decoder.Token()
		if err != nil {
			return nil, nil, malformed(err)
		}
		if delim, ok := token.(json.Delim); ok && delim == '}' {
			break
		}
		key, ok := token.(string)
		if !ok {
			return nil, nil, malformed(fmt.Errorf("unexpected token %v", token))
		}
		switch key {
		case fieldServerSyncState:
			if err := stream.decoder.Decode(&state); err != nil {
				return nil, nil, malformed(err)
			}
			haveState = true
		case fieldMissingFromClient:
			if haveState {
				if err := expectDelim(stream.decoder, '['); err != nil {
					return nil, nil, err
				}
				stream.streamed = true
				return stream, state, nil
			}
			if err := stream.decoder.Decode(&stream.buffered); err != nil {
				return nil, nil, malformed(err)
			}
		default:
			var skipped json.RawMessage
			if err := stream.decoder.Decode(&skipped); err != nil {
				return nil, nil, malformed(err)
			}
		}
	}
	if !haveState {
		return nil, nil, malformed(fmt.Errorf("missing %s", fieldServerSyncState))
	}
	return stream, state, nil
}

func (s *ChangeStream) Next(ctx context.Context) bool {
	if s.done || s.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if !s.streamed {
		if len(s.buffered) == 0 {
			s.done = true
			return false
		}
		s.current = s.buffered[0]
		s.buffered = s.buffered[1:]
		return true
	}
	if !s.decoder.More() {
		s.done = true
		if err := expectDelim(s.decoder, ']'); err != nil {
			s.err = err
		}
		return false
	}
	var commit crdt.Commit
	if err := s.decoder.Decode(&commit); err != nil {
		s.err = malformed(err)
		return false
	}
	s.current = commit
	return true
}

func (s *ChangeStream) Commit() crdt.Commit {
	return s.current
}

func (s *ChangeStream) Err() error {
	return s.err
}

func (s *ChangeStream) Close() error {
	return s.body.Close()
}

func expectDelim(decoder *json.Decoder, want json.Delim) error {
	token, err := decoder.Token()
	if err != nil {
		return malformed(err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != want {
		return malformed(fmt.Errorf("expected %q, got %v", want, token))
	}
	return nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
}
