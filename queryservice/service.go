package queryservice

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jimmyyip-crypto/chain/metrics"
	"github.com/jimmyyip-crypto/chain/shared"
	"github.com/jimmyyip-crypto/chain/txvalidator"
	"github.com/jimmyyip-crypto/chain/viewfilter"
)

// Request types, wallet to service.
const (
	ReqGetFilter uint8 = iota + 1
	ReqQuery
	ReqProve
)

// Response types, service to wallet.
const (
	RespFilter uint8 = iota + 1
	RespNotFound
	RespChallenge
	RespOutputs
	RespUnauthorized
)

// Request is one wallet message inside the attested channel.
type Request struct {
	Type   uint8           `cbor:"1,keyasint"`
	Height uint64          `cbor:"2,keyasint,omitempty"`
	Tag    []byte          `cbor:"3,keyasint,omitempty"`
	Proof  *OwnershipProof `cbor:"4,keyasint,omitempty"`
}

// Response answers one Request.
type Response struct {
	Type      uint8          `cbor:"1,keyasint"`
	Filter    []byte         `cbor:"2,keyasint,omitempty"`
	Challenge []byte         `cbor:"3,keyasint,omitempty"`
	Outputs   []OutputReveal `cbor:"4,keyasint,omitempty"`
}

// OutputReveal is one decrypted output released to a proven view-key owner.
// Sibling outputs of the same transaction addressed to other parties are
// never included.
type OutputReveal struct {
	TxID   [32]byte                     `cbor:"1,keyasint"`
	Amount [txvalidator.AmountSize]byte `cbor:"2,keyasint"`
}

// ChannelIO is the slice of a secure channel the service needs.
// *channel.Channel satisfies it.
type ChannelIO interface {
	ID() string
	Send(plaintext []byte) error
	Recv() ([]byte, error)
}

// Service answers wallet queries. Plaintext leaves only through the
// attested channel of a session whose ownership proof verified.
type Service struct {
	filters      *viewfilter.Index
	outputs      *txvalidator.OutputStore
	sessions     *SessionManager
	queryTimeout time.Duration // challenges unanswered past this expire; zero disables
	logger       *shared.Logger
	metrics      *metrics.NodeMetrics // nil disables instrumentation
}

// NewService creates a query service over the filter index and output store.
func NewService(filters *viewfilter.Index, outputs *txvalidator.OutputStore, sessions *SessionManager, queryTimeout time.Duration, logger *shared.Logger, m *metrics.NodeMetrics) (*Service, error) {
	if filters == nil || outputs == nil || sessions == nil {
		return nil, fmt.Errorf("filters, outputs and sessions are required")
	}
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Service{
		filters:      filters,
		outputs:      outputs,
		sessions:     sessions,
		queryTimeout: queryTimeout,
		logger:       logger,
		metrics:      m,
	}, nil
}

// ServeChannel answers requests on one channel until it fails or closes.
func (s *Service) ServeChannel(ch ChannelIO) error {
	session, err := s.sessions.CreateSession(ch.ID())
	if err != nil {
		return err
	}
	defer s.sessions.CloseSession(ch.ID())

	for {
		data, err := ch.Recv()
		if err != nil {
			return err
		}
		var req Request
		if err := shared.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("malformed query request: %w", err)
		}

		resp, err := s.handle(session, ch.ID(), &req)
		if err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.Queries(requestName(req.Type), responseName(resp.Type)).Inc()
		}
		encoded, err := shared.MarshalCanonical(resp)
		if err != nil {
			return fmt.Errorf("failed to encode query response: %w", err)
		}
		if err := ch.Send(encoded); err != nil {
			return err
		}
	}
}

func (s *Service) handle(session *Session, channelID string, req *Request) (*Response, error) {
	if _, err := s.sessions.GetSession(channelID); err != nil {
		return nil, err
	}

	switch req.Type {
	case ReqGetFilter:
		return s.handleGetFilter(req)
	case ReqQuery:
		return s.handleQuery(session, req)
	case ReqProve:
		return s.handleProve(session, channelID, req)
	default:
		return nil, fmt.Errorf("unexpected query request type %d", req.Type)
	}
}

func (s *Service) handleGetFilter(req *Request) (*Response, error) {
	filter, ok := s.filters.AtHeight(req.Height)
	if !ok {
		return &Response{Type: RespNotFound}, nil
	}
	encoded, err := filter.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode block filter: %w", err)
	}
	return &Response{Type: RespFilter, Filter: encoded}, nil
}

// handleQuery runs the cheap public step: a filter membership test. Only a
// positive result costs the service anything further, and that further step
// demands an ownership proof first.
func (s *Service) handleQuery(session *Session, req *Request) (*Response, error) {
	if len(req.Tag) != viewfilter.TagSize {
		return nil, fmt.Errorf("bad tag length %d", len(req.Tag))
	}

	filter, ok := s.filters.AtHeight(req.Height)
	if !ok {
		return &Response{Type: RespNotFound}, nil
	}
	var tag viewfilter.ViewTag
	copy(tag[:], req.Tag)
	if !filter.Test(tag) {
		return &Response{Type: RespNotFound}, nil
	}

	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	session.challenge = challenge
	session.tag = req.Tag
	session.challengeAt = time.Now()
	return &Response{Type: RespChallenge, Challenge: challenge}, nil
}

func (s *Service) handleProve(session *Session, channelID string, req *Request) (*Response, error) {
	if session.challenge == nil || req.Proof == nil {
		return &Response{Type: RespUnauthorized}, nil
	}

	// One attempt per challenge; a failed proof forces a fresh query.
	challenge := session.challenge
	tagBytes := session.tag
	issued := session.challengeAt
	session.challenge = nil
	session.tag = nil

	if s.queryTimeout > 0 && time.Since(issued) > s.queryTimeout {
		s.logger.DebugIf("ownership challenge expired",
			zap.String("session_id", session.ID))
		return &Response{Type: RespUnauthorized}, nil
	}

	if err := req.Proof.Verify(channelID, challenge); err != nil {
		s.logger.Security("ownership proof rejected",
			zap.String("session_id", session.ID))
		return &Response{Type: RespUnauthorized}, nil
	}

	var tag viewfilter.ViewTag
	copy(tag[:], tagBytes)

	var reveals []OutputReveal
	for _, out := range s.outputs.ByTag(tag) {
		// The proof must be for the view key the tag belongs to, not
		// just any well-signed key.
		if !bytes.Equal(out.ViewPubKey, req.Proof.ViewPubKey) {
			continue
		}
		reveals = append(reveals, OutputReveal{TxID: out.TxID, Amount: out.Amount})
	}
	if len(reveals) == 0 {
		// Filter false positive, or a proof for an unrelated key.
		return &Response{Type: RespNotFound}, nil
	}
	return &Response{Type: RespOutputs, Outputs: reveals}, nil
}

func requestName(t uint8) string {
	switch t {
	case ReqGetFilter:
		return "get_filter"
	case ReqQuery:
		return "query"
	case ReqProve:
		return "prove"
	default:
		return "unknown"
	}
}

func responseName(t uint8) string {
	switch t {
	case RespFilter:
		return "filter"
	case RespNotFound:
		return "not_found"
	case RespChallenge:
		return "challenge"
	case RespOutputs:
		return "outputs"
	case RespUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}
