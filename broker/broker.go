// Package broker implements the HTTP client for the authorization broker:
// a single POST per lifecycle event (start, stop) carrying a JSON body, with
// the start response's payload encrypted under a KEM-derived key only this
// process can decapsulate.
package broker

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openuds/tunnelbroker/internal/logger"
	"github.com/openuds/tunnelbroker/internal/metrics"
	"github.com/openuds/tunnelbroker/pqkem"
	"github.com/openuds/tunnelbroker/ticket"
	"github.com/openuds/tunnelbroker/tunnelkey"
)

// userAgent is stamped on every broker request for operational
// traceability against broker-side logs.
const userAgent = "UDSTunnel/5.0.0"

// Remote is one backend endpoint returned by a successful start call.
type Remote struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TicketResponse is the decrypted payload of a successful start call.
type TicketResponse struct {
	Remotes      []Remote `json:"remotes"`
	Notify       string   `json:"notify"`
	SharedSecret string   `json:"shared_secret"`
}

// Validate enforces SPEC_FULL §4.5: at least one remote, each with a
// non-empty host and non-zero port, and a 64-hex-char shared secret.
func (r TicketResponse) Validate() error {
	if len(r.Remotes) == 0 {
		return fmt.Errorf("broker: ticket response has no remotes")
	}
	for _, remote := range r.Remotes {
		if remote.Host == "" || remote.Port == 0 {
			return fmt.Errorf("broker: invalid remote %+v in ticket response", remote)
		}
	}
	if len(r.SharedSecret) != 64 {
		return fmt.Errorf("broker: shared secret must be 64 hex chars, got %d", len(r.SharedSecret))
	}
	if _, err := hex.DecodeString(r.SharedSecret); err != nil {
		return fmt.Errorf("broker: shared secret is not valid hex: %w", err)
	}
	return nil
}

// SharedSecretBytes decodes the hex-encoded shared secret.
func (r TicketResponse) SharedSecretBytes() ([]byte, error) {
	return hex.DecodeString(r.SharedSecret)
}

type ticketRequest struct {
	Token       string `json:"token"`
	Ticket      string `json:"ticket"`
	Command     string `json:"command"`
	IP          string `json:"ip"`
	Sent        *uint64 `json:"sent,omitempty"`
	Recv        *uint64 `json:"recv,omitempty"`
	KemKyberKey string `json:"kem_kyber_key,omitempty"`
}

type encryptedTicketResponse struct {
	Algorithm  string `json:"algorithm"`
	Ciphertext string `json:"ciphertext"`
	Data       string `json:"data"`
}

// Client POSTs start/stop lifecycle events to a configured authorization
// broker and decrypts its start response.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
	sf         singleflight.Group
}

// New builds a broker client against baseURL, authenticating every request
// with authToken. httpClient may be nil, in which case a client with a
// reasonable timeout is constructed.
func New(baseURL, authToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, authToken: authToken}
}

// Start requests authorization to open a tunnel for tk from remoteIP.
// Concurrent Start calls for the same ticket are coalesced: only one HTTP
// request is issued, and every caller observes its result.
func (c *Client) Start(ctx context.Context, tk ticket.Ticket, remoteIP net.IP) (TicketResponse, error) {
	key := "start:" + tk.String()
	v, err, shared := c.sf.Do(key, func() (interface{}, error) {
		return c.start(ctx, tk, remoteIP)
	})
	if shared {
		metrics.BrokerCoalescedRequests.Inc()
	}
	if err != nil {
		return TicketResponse{}, err
	}
	return v.(TicketResponse), nil
}

func (c *Client) start(ctx context.Context, tk ticket.Ticket, remoteIP net.IP) (TicketResponse, error) {
	started := time.Now()

	kp, err := pqkem.CommsKeyPair()
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("start", "failure").Inc()
		return TicketResponse{}, fmt.Errorf("broker: obtain comms keypair: %w", err)
	}
	pubKeyBytes, err := kp.PublicKeyBytes()
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("start", "failure").Inc()
		return TicketResponse{}, fmt.Errorf("broker: marshal public key: %w", err)
	}

	req := ticketRequest{
		Token:       c.authToken,
		Ticket:      tk.String(),
		Command:     "start",
		IP:          remoteIP.String(),
		KemKyberKey: base64.StdEncoding.EncodeToString(pubKeyBytes),
	}

	var encResp encryptedTicketResponse
	if err := c.post(ctx, req, &encResp); err != nil {
		metrics.BrokerRequests.WithLabelValues("start", "failure").Inc()
		metrics.BrokerRequestDuration.WithLabelValues("start").Observe(time.Since(started).Seconds())
		return TicketResponse{}, err
	}

	resp, err := decryptTicketResponse(encResp, kp, tk)
	metrics.BrokerRequestDuration.WithLabelValues("start").Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("start", "failure").Inc()
		return TicketResponse{}, err
	}
	if err := resp.Validate(); err != nil {
		metrics.BrokerRequests.WithLabelValues("start", "failure").Inc()
		return TicketResponse{}, err
	}

	metrics.BrokerRequests.WithLabelValues("start", "success").Inc()
	return resp, nil
}

// Stop notifies the broker that a tunnel has closed, reporting byte
// counters. Best effort: the broker's response, if any, is discarded.
func (c *Client) Stop(ctx context.Context, tk ticket.Ticket, sent, recv uint64) {
	started := time.Now()
	req := ticketRequest{
		Token:   c.authToken,
		Ticket:  tk.String(),
		Command: "stop",
		Sent:    &sent,
		Recv:    &recv,
	}
	err := c.post(ctx, req, nil)
	metrics.BrokerRequestDuration.WithLabelValues("stop").Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("stop", "failure").Inc()
		logger.Warn("broker stop notification failed", logger.Error(err), logger.String("ticket", tk.String()))
		return
	}
	metrics.BrokerRequests.WithLabelValues("stop", "success").Inc()
}

func (c *Client) post(ctx context.Context, body ticketRequest, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("broker: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("broker: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("broker: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("broker: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("broker: decode response: %w", err)
	}
	return nil
}

// decryptTicketResponse recovers the JSON TicketResponse carried inside an
// encrypted broker response: KEM-decapsulate the ciphertext, derive the
// payload key/nonce from the resulting shared secret and the ticket, then
// AES-256-GCM-decrypt the data field.
func decryptTicketResponse(enc encryptedTicketResponse, kp *pqkem.KeyPair, tk ticket.Ticket) (TicketResponse, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return TicketResponse{}, fmt.Errorf("broker: decode ciphertext: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(enc.Data)
	if err != nil {
		return TicketResponse{}, fmt.Errorf("broker: decode data: %w", err)
	}

	sharedSecret, err := kp.Decapsulate(ciphertext)
	if err != nil {
		return TicketResponse{}, fmt.Errorf("broker: decapsulate: %w", err)
	}

	material, err := tunnelkey.DeriveTunnelMaterial(sharedSecret, tk.Bytes())
	if err != nil {
		return TicketResponse{}, fmt.Errorf("broker: derive payload key material: %w", err)
	}

	plaintext, err := decryptPayload(material.KeyPayload[:], material.NonceSend[:], data)
	if err != nil {
		return TicketResponse{}, fmt.Errorf("broker: decrypt payload: %w", err)
	}

	var resp TicketResponse
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		return TicketResponse{}, fmt.Errorf("broker: parse ticket response: %w", err)
	}
	return resp, nil
}

// decryptPayload opens a single AES-256-GCM-sealed blob under a fixed
// nonce. Unlike record.Crypt, the broker's payload encryption is one-shot:
// key and nonce are both derived once per ticket, never reused, so there
// is no sequence number to track.
func decryptPayload(key, nonce, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("AEAD open failed: %w", err)
	}
	return plaintext, nil
}
