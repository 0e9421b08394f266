package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civica-ledger/hal/pkg/ledger"
	"github.com/civica-ledger/hal/pkg/ledgerstore"
	"github.com/civica-ledger/hal/pkg/metrics"
	"github.com/civica-ledger/hal/pkg/submission"
)

// inboxCapacity bounds how many SubmitProposal requests may wait for a
// free worker before the server starts rejecting with backpressure,
// matching the no-silent-drops rule the rest of this package follows.
const inboxCapacity = 256

// inboxWorkers is how many proposals this server co-signs concurrently.
const inboxWorkers = 4

type proposalJob struct {
	ctx       context.Context
	requestID uuid.UUID
	rec       *ledger.Record
	done      chan proposalResult
}

type proposalResult struct {
	id  ledger.ID
	err error
}

// HeadResponse answers the Head RPC: the caller's current tip height,
// used by a syncing peer to decide whether it needs to pull anything.
type HeadResponse struct {
	Height uint64 `json:"height"`
}

// GetRangeRequest asks for every record with created_at in [Since, Until).
type GetRangeRequest struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
	Kind  string    `json:"kind,omitempty"`
}

// GetRangeResponse carries the records satisfying a GetRangeRequest.
type GetRangeResponse struct {
	Records []*ledger.Record `json:"records"`
}

// GetByIDResponse answers the GetById RPC.
type GetByIDResponse struct {
	Record *ledger.Record `json:"record"`
}

// SubmitProposalRequest forwards a locally-authored, not-yet-quorum-signed
// record to a peer for co-signing via that peer's submission.Service.
type SubmitProposalRequest struct {
	Record *ledger.Record `json:"record"`
}

// HealthResponse answers the Health RPC with this node's own view of its
// peers, mirroring the shape of a peer_health_report record.
type HealthResponse struct {
	Height uint64            `json:"height"`
	Peers  []ledger.PeerLink `json:"peers"`
}

// Server exposes the five replication RPCs over an http.ServeMux: Head,
// GetRange, GetById, SubmitProposal, Health. Routing mirrors the flat
// mux.HandleFunc style of the teacher's main.go.
type Server struct {
	store      *ledgerstore.Store
	sub        *submission.Service
	peers      *PeerRegistry
	validators ledgerstore.ValidatorResolver
	logger     *log.Logger

	inbox    *Queue[*proposalJob]
	stopOnce sync.Once
	stop     chan struct{}
}

// NewServer wires a replication Server and starts its co-signing worker
// pool, which drains inbox so a burst of inbound SubmitProposal RPCs
// cannot starve each other behind a single mutex-held proposal.
// validators authenticates the peer RPCs that write (SubmitProposal,
// CoSign): spec §4.6 requires every write be accompanied by a challenge
// signed with the caller's validator key, checked against the active
// set validators resolves.
func NewServer(store *ledgerstore.Store, sub *submission.Service, peers *PeerRegistry, validators ledgerstore.ValidatorResolver) *Server {
	s := &Server{
		store:      store,
		sub:        sub,
		peers:      peers,
		validators: validators,
		logger:     log.New(log.Writer(), "[Replication] ", log.LstdFlags),
		inbox:      NewQueue[*proposalJob](inboxCapacity),
		stop:       make(chan struct{}),
	}
	for i := 0; i < inboxWorkers; i++ {
		go s.worker()
	}
	return s
}

// Close stops the co-signing worker pool.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Server) worker() {
	for {
		job, ok := s.inbox.Dequeue(s.stop)
		if !ok {
			return
		}
		metrics.ReplicationQueueDepth.Set(float64(s.inbox.Len()))
		id, err := s.sub.Propose(job.ctx, job.rec)
		if err != nil {
			s.logger.Printf("request %s: propose failed: %v", job.requestID, err)
		}
		job.done <- proposalResult{id: id, err: err}
	}
}

// Register attaches the five RPC handlers to mux under /v1/replication/*,
// plus the co-sign handler at /v1/cosign.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/replication/head", s.handleHead)
	mux.HandleFunc("/v1/replication/range", s.handleGetRange)
	mux.HandleFunc("/v1/replication/by-id", s.handleGetByID)
	mux.HandleFunc("/v1/replication/submit", s.handleSubmitProposal)
	mux.HandleFunc("/v1/replication/health", s.handleHealth)
	mux.HandleFunc("/v1/cosign", s.handleCoSign)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	height, err := s.store.Height()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, HeadResponse{Height: height})
}

func (s *Server) handleGetRange(w http.ResponseWriter, r *http.Request) {
	var req GetRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}

	var (
		records []*ledger.Record
		err     error
	)
	if req.Kind != "" {
		records, err = s.store.ScanKind(ledger.Kind(req.Kind), req.Since, req.Until)
	} else {
		records, err = s.scanAllKinds(req.Since, req.Until)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, GetRangeResponse{Records: records})
}

// scanAllKinds serves a kindless range by concatenating one ScanTier call
// per tier: the result is ordered by tier first and by (created_at, id)
// within each tier, not by created_at across the whole log.
func (s *Server) scanAllKinds(since, until time.Time) ([]*ledger.Record, error) {
	var out []*ledger.Record
	for _, tier := range []ledger.Tier{ledger.TierGenesis, ledger.TierPage, ledger.TierChapter, ledger.TierBook, ledger.TierPart, ledger.TierSeries} {
		recs, err := s.store.ScanTier(tier, since, until)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (s *Server) handleGetByID(w http.ResponseWriter, r *http.Request) {
	idHex := r.URL.Query().Get("id")
	id, err := parseID(idHex)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.store.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, GetByIDResponse{Record: rec})
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read request: %v", err), http.StatusBadRequest)
		return
	}
	if _, err := authenticateValidator(s.validators, r, body); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req SubmitProposalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	requestID := uuid.New()
	w.Header().Set("X-Request-Id", requestID.String())
	job := &proposalJob{ctx: r.Context(), requestID: requestID, rec: req.Record, done: make(chan proposalResult, 1)}
	if err := s.inbox.Enqueue(job); err != nil {
		metrics.ReplicationBackpressureTotal.Inc()
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	metrics.ReplicationQueueDepth.Set(float64(s.inbox.Len()))

	select {
	case res := <-job.done:
		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, GetByIDResponse{Record: &ledger.Record{ID: res.id}})
	case <-r.Context().Done():
		http.Error(w, r.Context().Err().Error(), http.StatusGatewayTimeout)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	height, err := s.store.Height()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, HealthResponse{Height: height, Peers: s.peers.Snapshot()})
}

func (s *Server) handleCoSign(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read request: %v", err), http.StatusBadRequest)
		return
	}
	if _, err := authenticateValidator(s.validators, r, body); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req submission.CoSignRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	requestID := uuid.New()
	w.Header().Set("X-Request-Id", requestID.String())
	resp := s.sub.HandleCoSignRequest(&req)
	if resp.Refused {
		s.logger.Printf("request %s: co-sign refused: %s", requestID, resp.Reason)
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
