package p2p

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fedbtc/fedbtcd/internal/config"
)

// Peer is an outbound connection to one federator endpoint. It performs the
// challenge-response handshake lazily and caches the session token.
type Peer struct {
	endpoint   string // host:port
	key        *ecdsa.PrivateKey
	lookup     FederatorLookup
	httpClient *http.Client

	nodeID       string // learned during handshake
	sessionToken string
}

// NewPeer creates an outbound peer handle.
func NewPeer(endpoint string, key *ecdsa.PrivateKey, lookup FederatorLookup) *Peer {
	return &Peer{
		endpoint:   endpoint,
		key:        key,
		lookup:     lookup,
		httpClient: &http.Client{Timeout: config.PeerRequestTimeout},
	}
}

// NodeID returns the peer's federator address, or "" before the first
// successful handshake.
func (p *Peer) NodeID() string {
	return p.nodeID
}

// Send delivers an envelope, handshaking first if no session is cached. A
// rejected session is retried once with a fresh handshake.
func (p *Peer) Send(ctx context.Context, env Envelope) error {
	if p.sessionToken == "" {
		if err := p.handshake(ctx); err != nil {
			return err
		}
	}

	status, err := p.postMessage(ctx, env)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		// Session expired server-side; handshake again.
		p.sessionToken = ""
		if err := p.handshake(ctx); err != nil {
			return err
		}
		status, err = p.postMessage(ctx, env)
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return fmt.Errorf("%w: %s returned HTTP %d", config.ErrPeerUnavailable, p.endpoint, status)
	}
	return nil
}

func (p *Peer) postMessage(ctx context.Context, env Envelope) (int, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+p.endpoint+"/fed/v1/message", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.sessionToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", config.ErrPeerUnavailable, p.endpoint, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// handshake runs the mutual EIP-191 challenge-response exchange and stores
// the resulting session token.
func (p *Peer) handshake(ctx context.Context) error {
	clientChallenge, err := newChallenge()
	if err != nil {
		return err
	}
	clientSecurity, err := newChallenge()
	if err != nil {
		return err
	}

	var initResp handshakeInitResponse
	if err := p.postJSON(ctx, "/fed/v1/handshake/init", handshakeInitRequest{
		Version:         config.HandshakeVersion,
		ClientChallenge: clientChallenge,
		ClientSecurity:  clientSecurity,
	}, &initResp); err != nil {
		return err
	}

	// The server proves it controls a federator key over our challenge.
	serverAddr, err := verifyHandshake(ctx, clientChallenge, clientSecurity, initResp.ServerSignature, p.lookup)
	if err != nil {
		return err
	}

	// We prove ourselves over the server's challenge.
	clientSignature, err := signHandshake(initResp.ServerChallenge, initResp.ServerSecurity, p.key)
	if err != nil {
		return err
	}

	var completeResp handshakeCompleteResponse
	if err := p.postJSON(ctx, "/fed/v1/handshake/complete", handshakeCompleteRequest{
		ClientChallenge: clientChallenge,
		ClientSignature: clientSignature,
	}, &completeResp); err != nil {
		return err
	}

	p.nodeID = serverAddr
	p.sessionToken = completeResp.SessionToken
	return nil
}

func (p *Peer) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+p.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", config.ErrPeerUnavailable, p.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s %s returned HTTP %d",
			config.ErrHandshakeFailed, p.endpoint, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
