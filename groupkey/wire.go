package groupkey

import (
	"context"
	"fmt"

	"github.com/jimmyyip-crypto/chain/shared"
)

const (
	msgJoinRequest uint8 = iota + 1
	msgJoinResponse
	msgRotateProposal
	msgRotateAck
)

// message is the canonical-CBOR envelope for all group-management traffic.
// Every message travels inside an attested channel; the envelope itself
// carries no authentication.
type message struct {
	Type   uint8    `cbor:"1,keyasint"`
	Epoch  *Epoch   `cbor:"2,keyasint,omitempty"`
	Epochs []*Epoch `cbor:"3,keyasint,omitempty"`
	Number uint64   `cbor:"4,keyasint,omitempty"`
}

func sendMessage(link PeerLink, m *message) error {
	data, err := shared.MarshalCanonical(m)
	if err != nil {
		return fmt.Errorf("failed to encode group message: %w", err)
	}
	return link.Send(data)
}

type linkFrame struct {
	data []byte
	err  error
}

// linkReader owns the single receive loop over one link. A wait that times
// out leaves the frame queued for the next exchange on the same link instead
// of losing it to an abandoned goroutine.
type linkReader struct {
	frames chan linkFrame
}

func newLinkReader(link PeerLink) *linkReader {
	r := &linkReader{frames: make(chan linkFrame, 8)}
	go func() {
		for {
			data, err := link.Recv()
			r.frames <- linkFrame{data: data, err: err}
			if err != nil {
				return
			}
		}
	}()
	return r
}

// recv returns the next message, honoring context cancellation even though
// PeerLink.Recv itself blocks.
func (r *linkReader) recv(ctx context.Context) (*message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-r.frames:
		if f.err != nil {
			return nil, f.err
		}
		var m message
		if err := shared.Unmarshal(f.data, &m); err != nil {
			return nil, fmt.Errorf("failed to decode group message: %w", err)
		}
		return &m, nil
	}
}

// readerFor returns the reader owning link's receive loop, creating it on
// first use. All receives on a link must go through its reader.
func (s *Store) readerFor(link PeerLink) *linkReader {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	r, ok := s.readers[link]
	if !ok {
		r = newLinkReader(link)
		s.readers[link] = r
	}
	return r
}

func (s *Store) dropReader(link PeerLink) {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	delete(s.readers, link)
}

// ServeLink answers group-management requests from one peer until the link
// fails or ctx is canceled. Rotation proposals are applied and acknowledged;
// join requests get the retained epoch history.
func (s *Store) ServeLink(ctx context.Context, link PeerLink) error {
	reader := s.readerFor(link)
	defer s.dropReader(link)

	for {
		m, err := reader.recv(ctx)
		if err != nil {
			return err
		}
		switch m.Type {
		case msgJoinRequest:
			if _, attested := link.PeerMeasurement(); !attested {
				s.logger.Security("join from unattested peer rejected")
				return ErrUnauthorizedJoin
			}
			s.mu.RLock()
			history := make([]*Epoch, len(s.epochs))
			copy(history, s.epochs)
			s.mu.RUnlock()
			if len(history) == 0 {
				return ErrNotSynced
			}
			if err := sendMessage(link, &message{Type: msgJoinResponse, Epochs: history}); err != nil {
				return err
			}
		case msgRotateProposal:
			if err := s.ApplyRotation(m.Epoch); err != nil {
				return err
			}
			if err := sendMessage(link, &message{Type: msgRotateAck, Number: m.Epoch.Number}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected group message type %d", m.Type)
		}
	}
}
