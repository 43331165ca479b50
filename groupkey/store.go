package groupkey

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jimmyyip-crypto/chain/metrics"
	"github.com/jimmyyip-crypto/chain/shared"
)

// State of a store instance. A store starts Uninitialized and becomes Synced
// on bootstrap or after a successful join; it stays Synced through every
// later rotation until process shutdown.
type State int

const (
	StateUninitialized State = iota
	StateSynced
)

var (
	// ErrUnknownEpoch is returned for epoch numbers outside the retained
	// history.
	ErrUnknownEpoch = errors.New("unknown epoch")

	// ErrUnauthorizedJoin rejects join attempts from peers whose
	// attestation did not match the allow-list.
	ErrUnauthorizedJoin = errors.New("unauthorized join")

	// ErrNotSynced is returned when the store has no epoch history yet.
	ErrNotSynced = errors.New("group key store not synced")

	errAckMismatch = errors.New("rotation acknowledgment mismatch")
)

// PeerLink is the slice of a secure channel the store needs to exchange
// key-update messages with a peer enclave. *channel.Channel satisfies it.
type PeerLink interface {
	PeerMeasurement() ([shared.MeasurementSize]byte, bool)
	Send([]byte) error
	Recv() ([]byte, error)
}

// Store is the per-enclave group key state machine over the epoch history.
// The history is an append-only log indexed by epoch number; reads of older
// epochs never block on an in-progress rotation.
type Store struct {
	logger  *shared.Logger
	persist *SealedStore         // nil when running without durable sealing
	metrics *metrics.NodeMetrics // nil disables instrumentation

	mu     sync.RWMutex
	epochs []*Epoch // epochs[i].Number == base+i
	base   uint64

	// rotateMu serializes rotations; at most one is in flight.
	rotateMu sync.Mutex

	// readers hold the single receive loop per link; see readerFor.
	readersMu sync.Mutex
	readers   map[PeerLink]*linkReader

	ackTimeout time.Duration
	retry      *shared.RetryConfig
}

// NewStore creates a store, reloading any sealed epoch history from persist.
func NewStore(logger *shared.Logger, persist *SealedStore, ackTimeout time.Duration, retry *shared.RetryConfig, m *metrics.NodeMetrics) (*Store, error) {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	s := &Store{
		logger:     logger,
		persist:    persist,
		metrics:    m,
		readers:    make(map[PeerLink]*linkReader),
		ackTimeout: ackTimeout,
		retry:      retry,
	}
	if persist != nil {
		epochs, err := persist.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load sealed epoch history: %w", err)
		}
		if len(epochs) > 0 {
			if err := validateContinuity(epochs); err != nil {
				return nil, fmt.Errorf("sealed epoch history corrupt: %w", err)
			}
			s.epochs = epochs
			s.base = epochs[0].Number
			logger.InfoIf("restored sealed epoch history",
				zap.Uint64("base", s.base),
				zap.Uint64("current", epochs[len(epochs)-1].Number))
		}
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.epochs) == 0 {
		return StateUninitialized
	}
	return StateSynced
}

// Bootstrap creates the genesis epoch for a brand-new group. Only valid on
// an uninitialized store.
func (s *Store) Bootstrap(members []Member) (*Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.epochs) != 0 {
		return nil, errors.New("store already synced, cannot bootstrap")
	}
	if len(members) == 0 {
		return nil, errors.New("cannot bootstrap an empty group")
	}

	genesis := &Epoch{Number: 1, Members: normalizeMembers(members)}
	if _, err := rand.Read(genesis.Key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate genesis key: %w", err)
	}

	if err := s.appendLocked(genesis); err != nil {
		return nil, err
	}
	return genesis, nil
}

// Current returns the newest committed epoch.
func (s *Store) Current() (*Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.epochs) == 0 {
		return nil, ErrNotSynced
	}
	return s.epochs[len(s.epochs)-1], nil
}

// KeyForEpoch looks up the unsealing key for epoch n. It fails with
// ErrUnknownEpoch when n predates the retained history or postdates the
// current epoch.
func (s *Store) KeyForEpoch(n uint64) ([KeySize]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.epochs) == 0 || n < s.base || n > s.epochs[len(s.epochs)-1].Number {
		return [KeySize]byte{}, fmt.Errorf("epoch %d: %w", n, ErrUnknownEpoch)
	}
	return s.epochs[n-s.base].Key, nil
}

// Rotate derives epoch N+1 from the current epoch and the new member set,
// distributes it to every reachable current member over its attested link,
// and commits. Acknowledgment failures are retried with backoff; after the
// retry budget the rotation still commits rather than rolling back - members
// that missed it catch up through Join on next contact.
func (s *Store) Rotate(ctx context.Context, newMembers []Member, links []PeerLink) (*Epoch, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	current, err := s.Current()
	if err != nil {
		return nil, err
	}

	var injection [KeySize]byte
	if _, err := rand.Read(injection[:]); err != nil {
		return nil, fmt.Errorf("failed to generate rotation injection: %w", err)
	}

	members := normalizeMembers(newMembers)
	next := &Epoch{Number: current.Number + 1, Members: members}
	next.Key, err = nextEpochKey(current.Key, injection, members, next.Number)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var unacked []PeerLink
	for _, link := range links {
		if err := s.authorizeLink(link, current); err != nil {
			s.logger.Security("rotation link rejected", zap.Error(err))
			continue
		}
		if err := s.proposeWithRetry(ctx, link, next); err != nil {
			unacked = append(unacked, link)
			s.logger.Error("rotation acknowledgment failed",
				zap.Uint64("epoch", next.Number),
				zap.Error(err))
		}
	}

	s.mu.Lock()
	if err := s.appendLocked(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RotationLatencies().Observe(time.Since(started).Seconds())
	}
	s.logger.InfoIf("epoch rotated",
		zap.Uint64("epoch", next.Number),
		zap.Int("members", len(members)),
		zap.Int("unacked", len(unacked)),
		zap.Duration("took", time.Since(started)))
	return next, nil
}

// authorizeLink requires the link peer to be attested and a member of the
// epoch whose rotation it is acknowledging.
func (s *Store) authorizeLink(link PeerLink, current *Epoch) error {
	measurement, attested := link.PeerMeasurement()
	if !attested {
		return ErrUnauthorizedJoin
	}
	if !current.HasMember(Member(measurement)) {
		return fmt.Errorf("peer %x is not a member of epoch %d", measurement[:4], current.Number)
	}
	return nil
}

func (s *Store) proposeWithRetry(ctx context.Context, link PeerLink, next *Epoch) error {
	ctx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	defer cancel()

	reader := s.readerFor(link)
	return shared.RetryWithBackoff(ctx, s.retry, func() error {
		if err := sendMessage(link, &message{Type: msgRotateProposal, Epoch: next}); err != nil {
			s.dropReader(link)
			return err
		}
		for {
			reply, err := reader.recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.dropReader(link)
				}
				return err
			}
			// A late ack from an earlier round may still be queued on the
			// link; skip past it to the ack for this epoch.
			if reply.Type == msgRotateAck && reply.Number < next.Number {
				continue
			}
			if reply.Type != msgRotateAck || reply.Number != next.Number {
				return shared.Permanent{Err: errAckMismatch}
			}
			return nil
		}
	})
}

// ApplyRotation installs an epoch proposed by a rotation leader. Called by
// the message loop of a non-leader member; returns the ack to send back.
func (s *Store) ApplyRotation(next *Epoch) error {
	if next == nil {
		return errors.New("nil epoch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.epochs) == 0 {
		return ErrNotSynced
	}
	head := s.epochs[len(s.epochs)-1]
	if next.Number == head.Number {
		// Redelivery of the epoch we already hold; acknowledge idempotently.
		if next.Key == head.Key {
			return nil
		}
		return fmt.Errorf("conflicting epoch %d", next.Number)
	}
	if next.Number != head.Number+1 {
		return fmt.Errorf("epoch gap: have %d, proposed %d: %w", head.Number, next.Number, ErrUnknownEpoch)
	}
	return s.appendLocked(next)
}

// Join synchronizes an empty or stale store from an existing member over an
// attested link. The received history must be continuous and consistent
// with anything already held; locally retained epochs older than the peer's
// retention window survive the resync.
func (s *Store) Join(ctx context.Context, link PeerLink) error {
	if _, attested := link.PeerMeasurement(); !attested {
		return ErrUnauthorizedJoin
	}

	if err := sendMessage(link, &message{Type: msgJoinRequest}); err != nil {
		return err
	}
	reply, err := s.readerFor(link).recv(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.dropReader(link)
		}
		return err
	}
	if reply.Type != msgJoinResponse || len(reply.Epochs) == 0 {
		return errors.New("malformed join response")
	}
	if err := validateContinuity(reply.Epochs); err != nil {
		return fmt.Errorf("join history invalid: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Overlapping epochs must agree with local history before replacing it.
	for _, local := range s.epochs {
		idx := int64(local.Number) - int64(reply.Epochs[0].Number)
		if idx < 0 || idx >= int64(len(reply.Epochs)) {
			continue
		}
		if reply.Epochs[idx].Key != local.Key {
			return fmt.Errorf("join history conflicts at epoch %d", local.Number)
		}
	}
	if len(s.epochs) > 0 && s.epochs[len(s.epochs)-1].Number >= reply.Epochs[len(reply.Epochs)-1].Number {
		// Nothing newer; stay as we are.
		return nil
	}

	// The serving peer may have pruned epochs this member still holds and
	// needs for unsealing old transactions. Keep the local epochs below the
	// received base; the history stays contiguous because the overlap was
	// checked above.
	merged := reply.Epochs
	if len(s.epochs) > 0 && s.base < reply.Epochs[0].Number {
		if s.epochs[len(s.epochs)-1].Number+1 < reply.Epochs[0].Number {
			// The histories do not touch; the local tail cannot bridge the
			// pruned gap, so only the newer history survives.
			s.logger.Security("join history gap drops retained epochs",
				zap.Uint64("local_head", s.epochs[len(s.epochs)-1].Number),
				zap.Uint64("received_base", reply.Epochs[0].Number))
		} else {
			older := s.epochs[:reply.Epochs[0].Number-s.base]
			merged = make([]*Epoch, 0, len(older)+len(reply.Epochs))
			merged = append(merged, older...)
			merged = append(merged, reply.Epochs...)
		}
	}

	s.epochs = merged
	s.base = merged[0].Number
	if s.persist != nil {
		for _, e := range reply.Epochs {
			if err := s.persist.Put(e); err != nil {
				return fmt.Errorf("failed to seal joined epoch %d: %w", e.Number, err)
			}
		}
	}
	s.logger.InfoIf("joined group",
		zap.Uint64("base", s.base),
		zap.Uint64("current", s.epochs[len(s.epochs)-1].Number))
	return nil
}

// Prune drops retained epochs older than before. KeyForEpoch fails for
// pruned epochs afterwards.
func (s *Store) Prune(before uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.epochs) == 0 || before <= s.base {
		return nil
	}
	head := s.epochs[len(s.epochs)-1].Number
	if before > head {
		return fmt.Errorf("cannot prune current epoch %d", head)
	}

	drop := before - s.base
	s.epochs = append([]*Epoch(nil), s.epochs[drop:]...)
	s.base = before
	if s.persist != nil {
		return s.persist.Prune(before)
	}
	return nil
}

// appendLocked commits an epoch to the log and the sealed store. Callers
// hold s.mu.
func (s *Store) appendLocked(e *Epoch) error {
	if len(s.epochs) == 0 {
		s.base = e.Number
	} else if e.Number != s.epochs[len(s.epochs)-1].Number+1 {
		return fmt.Errorf("non-contiguous epoch %d", e.Number)
	}
	if s.persist != nil {
		if err := s.persist.Put(e); err != nil {
			return fmt.Errorf("failed to seal epoch %d: %w", e.Number, err)
		}
	}
	s.epochs = append(s.epochs, e)
	return nil
}

func validateContinuity(epochs []*Epoch) error {
	for i := 1; i < len(epochs); i++ {
		if epochs[i].Number != epochs[i-1].Number+1 {
			return fmt.Errorf("gap between epoch %d and %d", epochs[i-1].Number, epochs[i].Number)
		}
	}
	return nil
}
