// Package client is the wallet-side driver for the transaction query
// service: it dials the enclave, verifies its attestation during the
// channel handshake, and walks the filter / challenge / proof flow.
package client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	"github.com/jimmyyip-crypto/chain/attestation"
	"github.com/jimmyyip-crypto/chain/channel"
	"github.com/jimmyyip-crypto/chain/queryservice"
	"github.com/jimmyyip-crypto/chain/shared"
	"github.com/jimmyyip-crypto/chain/txvalidator"
	"github.com/jimmyyip-crypto/chain/viewfilter"
)

var (
	// ErrUnauthorized is returned when the service rejects an ownership
	// proof.
	ErrUnauthorized = errors.New("ownership proof rejected")

	// ErrNotFound is returned when a block or tag has no match.
	ErrNotFound = errors.New("not found")
)

// Output is one decrypted output released to this wallet.
type Output struct {
	TxID   [32]byte
	Amount [txvalidator.AmountSize]byte
}

// Client drives queries over one attested channel. Not safe for concurrent
// use; the protocol is strictly request/response per channel.
type Client struct {
	ch queryservice.ChannelIO
}

// Dial connects to an enclave's websocket endpoint and establishes the
// secure channel. The wallet does not attest; the verifier checks the
// enclave's quote against the allow-list.
func Dial(ctx context.Context, url string, verifier *attestation.Verifier, logger *shared.Logger) (*Client, *channel.Channel, error) {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	conn := shared.NewWSConn(wsConn)

	ch, err := channel.Establish(ctx, conn, channel.Config{
		Role:     channel.RoleInitiator,
		Verifier: verifier,
		Logger:   logger,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return New(ch), ch, nil
}

// New wraps an already-established channel.
func New(ch queryservice.ChannelIO) *Client {
	return &Client{ch: ch}
}

// BlockFilter fetches and decodes the view-tag filter for a block height, so
// the wallet can test its candidate tags locally.
func (c *Client) BlockFilter(height uint64) (*viewfilter.BlockFilter, error) {
	resp, err := c.roundTrip(&queryservice.Request{Type: queryservice.ReqGetFilter, Height: height})
	if err != nil {
		return nil, err
	}
	switch resp.Type {
	case queryservice.RespFilter:
		return viewfilter.UnmarshalFilter(resp.Filter)
	case queryservice.RespNotFound:
		return nil, fmt.Errorf("block %d: %w", height, ErrNotFound)
	default:
		return nil, fmt.Errorf("unexpected response type %d", resp.Type)
	}
}

// Query tests a tag on the service side and returns the ownership challenge
// on a positive filter hit.
func (c *Client) Query(height uint64, tag viewfilter.ViewTag) ([]byte, error) {
	resp, err := c.roundTrip(&queryservice.Request{Type: queryservice.ReqQuery, Height: height, Tag: tag[:]})
	if err != nil {
		return nil, err
	}
	switch resp.Type {
	case queryservice.RespChallenge:
		return resp.Challenge, nil
	case queryservice.RespNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("unexpected response type %d", resp.Type)
	}
}

// Prove answers a challenge with the view key and returns the decrypted
// outputs belonging to it.
func (c *Client) Prove(viewKey *ecdsa.PrivateKey, challenge []byte) ([]Output, error) {
	pub := crypto.CompressPubkey(&viewKey.PublicKey)
	digest := queryservice.OwnershipDigest(c.ch.ID(), challenge, pub)
	sig, err := crypto.Sign(digest[:], viewKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign challenge: %w", err)
	}

	resp, err := c.roundTrip(&queryservice.Request{
		Type:  queryservice.ReqProve,
		Proof: &queryservice.OwnershipProof{ViewPubKey: pub, Signature: sig[:64]},
	})
	if err != nil {
		return nil, err
	}
	switch resp.Type {
	case queryservice.RespOutputs:
		outputs := make([]Output, len(resp.Outputs))
		for i, out := range resp.Outputs {
			outputs[i] = Output{TxID: out.TxID, Amount: out.Amount}
		}
		return outputs, nil
	case queryservice.RespUnauthorized:
		return nil, ErrUnauthorized
	case queryservice.RespNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("unexpected response type %d", resp.Type)
	}
}

// FindOutputs runs the whole flow for one candidate tag: local filter test,
// service-side query, ownership proof.
func (c *Client) FindOutputs(height uint64, viewKey *ecdsa.PrivateKey, tag viewfilter.ViewTag) ([]Output, error) {
	filter, err := c.BlockFilter(height)
	if err != nil {
		return nil, err
	}
	if !filter.Test(tag) {
		return nil, ErrNotFound
	}
	challenge, err := c.Query(height, tag)
	if err != nil {
		return nil, err
	}
	return c.Prove(viewKey, challenge)
}

func (c *Client) roundTrip(req *queryservice.Request) (*queryservice.Response, error) {
	data, err := shared.MarshalCanonical(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := c.ch.Send(data); err != nil {
		return nil, err
	}
	raw, err := c.ch.Recv()
	if err != nil {
		return nil, err
	}
	var resp queryservice.Response
	if err := shared.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}
