package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/civica-ledger/hal/pkg/ledger"
	"github.com/civica-ledger/hal/pkg/ledgerstore"
)

// DefaultSyncInterval is T_sync, how often the syncer pulls from peers
// (spec §4.6).
const DefaultSyncInterval = 30 * time.Second

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	SyncInterval time.Duration
	Logger       *log.Logger
}

func (c *SyncerConfig) setDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.Logger == nil {
		c.Logger = log.New(log.Writer(), "[Syncer] ", log.LstdFlags)
	}
}

// Syncer periodically pulls any records a peer has that this node's store
// is missing. On repeated failure it backs off by widening the interval
// (the spec's "sync pulls slow by increasing T_sync" backpressure
// response), and reports the peer to the PeerRegistry for quarantine.
type Syncer struct {
	mu       sync.Mutex
	store    *ledgerstore.Store
	peers    *PeerRegistry
	client   *http.Client
	interval time.Duration
	cfg      SyncerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncer wires a Syncer against store, pulling from the peers in reg.
func NewSyncer(store *ledgerstore.Store, reg *PeerRegistry, cfg SyncerConfig) *Syncer {
	cfg.setDefaults()
	return &Syncer{
		store:    store,
		peers:    reg,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: cfg.SyncInterval,
		cfg:      cfg,
	}
}

// Start begins the periodic pull loop in a background goroutine.
func (s *Syncer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the sync loop and waits for it to exit.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()

	s.syncOnce(ctx)
	for {
		s.mu.Lock()
		interval := s.interval
		s.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.syncOnce(ctx)
		}
	}
}

// syncOnce asks every known peer for its head height and, if ahead of
// this node, pulls the missing range and appends what it gets back.
func (s *Syncer) syncOnce(ctx context.Context) {
	height, err := s.store.Height()
	if err != nil {
		s.cfg.Logger.Printf("read local height: %v", err)
		return
	}

	anyFailure := false
	for peerID, addr := range s.peers.Addresses() {
		if err := s.pullFrom(ctx, peerID, addr, height); err != nil {
			s.cfg.Logger.Printf("sync from %s failed: %v", peerID, err)
			anyFailure = true
			if quarantined := s.peers.RecordFailure(peerID); quarantined {
				s.cfg.Logger.Printf("peer %s quarantined after repeated failures", peerID)
			}
			continue
		}
	}

	s.mu.Lock()
	if anyFailure {
		s.interval = minDuration(s.interval*2, 10*s.cfg.SyncInterval)
	} else {
		s.interval = s.cfg.SyncInterval
	}
	s.mu.Unlock()
}

func (s *Syncer) pullFrom(ctx context.Context, peerID, addr string, localHeight uint64) error {
	head, err := s.fetchHead(ctx, addr)
	if err != nil {
		return err
	}
	if head.Height <= localHeight {
		s.peers.RecordSuccess(peerID, head.Height)
		return nil
	}

	// Pull everything since the last hour; a node that has been offline
	// longer than that relies on a manual `ledger dump`-fed catch-up
	// rather than an unbounded GetRange here.
	since := time.Now().Add(-time.Hour)
	recs, err := s.fetchRange(ctx, addr, since, time.Time{}, "")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		// Append is idempotent: re-appending an id already on disk just
		// returns it, so no duplicate check is needed here.
		if _, err := s.store.Append(rec); err != nil {
			s.cfg.Logger.Printf("append pulled record %x: %v", rec.ID[:8], err)
		}
	}

	s.peers.RecordSuccess(peerID, head.Height)
	return nil
}

func (s *Syncer) fetchHead(ctx context.Context, addr string) (*HeadResponse, error) {
	var out HeadResponse
	if err := s.getJSON(ctx, addr+"/v1/replication/head", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Syncer) fetchRange(ctx context.Context, addr string, since, until time.Time, kind string) ([]*ledger.Record, error) {
	body, err := json.Marshal(GetRangeRequest{Since: since, Until: until, Kind: kind})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/v1/replication/range", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out GetRangeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (s *Syncer) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("peer returned status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
