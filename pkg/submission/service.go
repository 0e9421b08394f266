// Copyright 2025 Civica Ledger Contributors
//
// Package submission implements the Signing & Consensus Protocol (C4):
// collecting a quorum of validator co-signatures for a freshly authored
// record before it is durably appended. Grounded directly on the
// parallel peer-gossip/collect pattern of the teacher's
// pkg/attestation/service.go (RequestAttestations/requestFromPeer/
// HandleAttestationRequest), generalized from "N attestations over a
// merkle root" to "N co-signatures of Canon(record) from the active
// validator set".
package submission

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
	"github.com/civica-ledger/hal/pkg/ledgercrypto"
	"github.com/civica-ledger/hal/pkg/ledgerstore"
	"github.com/civica-ledger/hal/pkg/metrics"
	"github.com/civica-ledger/hal/pkg/registry"
)

// DefaultPropTimeout is T_prop, the deadline a proposal has to gather
// quorum before the submission fails (spec §4.3). Overridable via
// LEDGER_PROP_TIMEOUT_MS (pkg/config).
const DefaultPropTimeout = 60 * time.Second

// Config configures a Service.
type Config struct {
	ValidatorID string
	KeyManager  *ledgercrypto.KeyManager
	Peers       []string
	PropTimeout time.Duration
	Logger      *log.Logger
}

func (c *Config) setDefaults() {
	if c.PropTimeout == 0 {
		c.PropTimeout = DefaultPropTimeout
	}
	if c.Logger == nil {
		c.Logger = log.New(log.Writer(), "[Submission] ", log.LstdFlags)
	}
}

// Service drives proposal, peer co-signing and finalization for records
// authored by this node, and answers co-sign requests from peers driving
// their own proposals.
type Service struct {
	mu sync.Mutex

	store    *ledgerstore.Store
	registry *registry.Registry
	key      *ledgercrypto.KeyManager

	validatorID string
	peers       []string
	propTimeout time.Duration
	httpClient  *http.Client
	logger      *log.Logger

	proposals map[ledger.ID]*proposal

	// lastSeen tracks the most recent prev->id link proposed per author,
	// so a second, conflicting proposal from the same author at the same
	// chain position can be recognized as equivocation (spec §4.6).
	lastSeen map[string]ledger.ID
}

type proposal struct {
	mu      sync.Mutex
	record  *ledger.Record
	sigs    map[string]ledger.QuorumSig
	created time.Time
}

// New creates a submission Service bound to store and registry.
func New(store *ledgerstore.Store, reg *registry.Registry, cfg Config) *Service {
	cfg.setDefaults()
	return &Service{
		store:       store,
		registry:    reg,
		key:         cfg.KeyManager,
		validatorID: cfg.ValidatorID,
		peers:       cfg.Peers,
		propTimeout: cfg.PropTimeout,
		httpClient:  &http.Client{Timeout: cfg.PropTimeout},
		logger:      cfg.Logger,
		proposals:   make(map[ledger.ID]*proposal),
		lastSeen:    make(map[string]ledger.ID),
	}
}

// CoSignRequest is what a proposing node sends its peers.
type CoSignRequest struct {
	Record *ledger.Record `json:"record"`
}

// CoSignResponse is a peer's answer: either a signature, or a refusal
// with a reason.
type CoSignResponse struct {
	ValidatorID string `json:"validator_id"`
	Signature   []byte `json:"signature,omitempty"`
	Refused     bool   `json:"refused,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Propose drives one record through the full submission protocol: it
// co-signs locally (if this node is an active validator), gossips a
// CoSignRequest to every configured peer in parallel, and blocks until
// enough weight has been gathered to satisfy the active quorum rule,
// every peer has answered, or propTimeout elapses. On success the finalized, quorum-signed
// record has already been durably appended and its id is returned.
func (s *Service) Propose(ctx context.Context, rec *ledger.Record) (ledger.ID, error) {
	start := time.Now()
	defer func() { metrics.QuorumGatherSeconds.Observe(time.Since(start).Seconds()) }()

	if err := s.checkEquivocation(rec); err != nil {
		return ledger.ID{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.propTimeout)
	defer cancel()

	p := &proposal{record: rec, sigs: make(map[string]ledger.QuorumSig), created: time.Now()}
	s.mu.Lock()
	s.proposals[rec.ID] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.proposals, rec.ID)
		s.mu.Unlock()
	}()

	canon := ledgercrypto.Canon(rec)

	if s.key != nil && s.validatorID != "" {
		if sig, err := s.key.Sign(canon); err == nil {
			p.mu.Lock()
			p.sigs[s.validatorID] = ledger.QuorumSig{ValidatorID: s.validatorID, Signature: sig}
			p.mu.Unlock()
		} else {
			s.logger.Printf("local co-sign failed: %v", err)
		}
	}

	threshold := s.registry.QuorumWeight(rec.CreatedAt)
	active := s.registry.ActiveSet(rec.CreatedAt)

	if s.weightOf(p, active) < threshold {
		s.gossip(ctx, rec, p)
	}

	if s.weightOf(p, active) < threshold {
		return ledger.ID{}, fmt.Errorf("submission: quorum not reached for %x within %s: %w",
			rec.ID[:8], s.propTimeout, ledger.ErrInsufficientQuorum)
	}

	p.mu.Lock()
	rec.QuorumSigs = make([]ledger.QuorumSig, 0, len(p.sigs))
	for _, qs := range p.sigs {
		rec.QuorumSigs = append(rec.QuorumSigs, qs)
	}
	p.mu.Unlock()

	s.mu.Lock()
	s.lastSeen[rec.Author] = rec.ID
	s.mu.Unlock()

	return s.store.Append(rec)
}

func (s *Service) weightOf(p *proposal, active map[string]ledger.Validator) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var w uint64
	for id := range p.sigs {
		if v, ok := active[id]; ok {
			w += v.Weight
		}
	}
	return w
}

func (s *Service) gossip(ctx context.Context, rec *ledger.Record, p *proposal) {
	var wg sync.WaitGroup
	responses := make(chan *CoSignResponse, len(s.peers))

	for _, peer := range s.peers {
		wg.Add(1)
		go func(peerURL string) {
			defer wg.Done()
			resp, err := s.requestCoSign(ctx, peerURL, rec)
			if err != nil {
				s.logger.Printf("co-sign request to %s failed: %v", peerURL, err)
				return
			}
			responses <- resp
		}(peer)
	}

	go func() {
		wg.Wait()
		close(responses)
	}()

	active := s.registry.ActiveSet(rec.CreatedAt)
	threshold := s.registry.QuorumWeight(rec.CreatedAt)
	canon := ledgercrypto.Canon(rec)

	for resp := range responses {
		if resp.Refused || resp.Signature == nil {
			continue
		}
		v, ok := active[resp.ValidatorID]
		if !ok || v.Status != ledger.ValidatorActive {
			continue
		}
		if !ledgercrypto.Verify(v.PublicKey, canon, resp.Signature) {
			s.logger.Printf("rejected bad co-signature from %s", resp.ValidatorID)
			continue
		}
		p.mu.Lock()
		p.sigs[resp.ValidatorID] = ledger.QuorumSig{ValidatorID: resp.ValidatorID, Signature: resp.Signature}
		p.mu.Unlock()

		if s.weightOf(p, active) >= threshold {
			return
		}
	}
}

func (s *Service) requestCoSign(ctx context.Context, peerURL string, rec *ledger.Record) (*CoSignResponse, error) {
	body, err := json.Marshal(CoSignRequest{Record: rec})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := peerURL + "/v1/cosign"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Validator-ID", s.validatorID)
	if s.key != nil {
		sig, err := s.key.Sign(body)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		httpReq.Header.Set("X-Validator-Signature", hex.EncodeToString(sig))
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out CoSignResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}

// HandleCoSignRequest is the peer side of Propose: it validates a record
// a peer is proposing and, if this node is an active validator and
// agrees with it, returns a co-signature.
func (s *Service) HandleCoSignRequest(req *CoSignRequest) *CoSignResponse {
	rec := req.Record
	resp := &CoSignResponse{ValidatorID: s.validatorID}

	if got := ledgercrypto.ComputeID(rec); got != rec.ID {
		resp.Refused = true
		resp.Reason = "record does not canonicalize to its id"
		return resp
	}
	if err := ledger.ValidatePayload(rec.Kind, rec.Payload); err != nil {
		resp.Refused = true
		resp.Reason = err.Error()
		return resp
	}

	active := s.registry.ActiveSet(rec.CreatedAt)
	if _, ok := active[s.validatorID]; !ok {
		resp.Refused = true
		resp.Reason = "not an active validator at record's created_at"
		return resp
	}

	if s.key == nil {
		resp.Refused = true
		resp.Reason = "no signing key configured"
		return resp
	}
	sig, err := s.key.Sign(ledgercrypto.Canon(rec))
	if err != nil {
		resp.Refused = true
		resp.Reason = fmt.Sprintf("co-sign failed: %v", err)
		return resp
	}
	resp.Signature = sig
	return resp
}

// checkEquivocation reports ErrAuthorEquivocation (via a non-nil, typed
// error) when rec's author has already been seen proposing a different
// record at the same prev pointer — two records claiming the same slot
// in that author's hash chain.
func (s *Service) checkEquivocation(rec *ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.lastSeen[rec.Author]
	if !ok {
		return nil
	}
	priorRecord, err := s.store.Get(prior)
	if err != nil {
		return nil
	}
	samePrev := (priorRecord.Prev == nil) == (rec.Prev == nil)
	if samePrev && rec.Prev != nil && priorRecord.Prev != nil {
		samePrev = *priorRecord.Prev == *rec.Prev
	}
	if samePrev && priorRecord.ID != rec.ID {
		return fmt.Errorf("submission: author %s already proposed %x at this chain position: %w",
			rec.Author, priorRecord.ID[:8], ErrAuthorEquivocation)
	}
	return nil
}
