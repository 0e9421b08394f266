// Copyright 2025 Civica Ledger Contributors
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/civica-ledger/hal/pkg/config"
	"github.com/civica-ledger/hal/pkg/ledger"
	"github.com/civica-ledger/hal/pkg/ledgerapi"
	"github.com/civica-ledger/hal/pkg/ledgercrypto"
	"github.com/civica-ledger/hal/pkg/ledgerstore"
	"github.com/civica-ledger/hal/pkg/ledgerstore/pgindex"
	"github.com/civica-ledger/hal/pkg/metrics"
	"github.com/civica-ledger/hal/pkg/registry"
	"github.com/civica-ledger/hal/pkg/replication"
	"github.com/civica-ledger/hal/pkg/rollup"
	"github.com/civica-ledger/hal/pkg/submission"
)

// Exit codes. 0 is success; everything else tells a calling script what
// category of failure it hit without needing to scrape log text.
const (
	exitOK        = 0
	exitInvariant = 1
	exitIO        = 2
	exitConfig    = 3
	exitNetwork   = 4
	exitUsage     = 64
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "verify":
		err = cmdVerify(os.Args[2:])
	case "dump":
		err = cmdDump(os.Args[2:])
	case "proof":
		err = cmdProof(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "ledger: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(exitUsage)
	}

	if err == nil {
		return
	}
	log.Printf("ledger %s: %v", os.Args[1], err)
	os.Exit(exitCodeFor(err))
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errInvariant):
		return exitInvariant
	case errors.Is(err, errConfig):
		return exitConfig
	case errors.Is(err, errNetwork):
		return exitNetwork
	default:
		return exitIO
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: ledger <command> [flags]

commands:
  init    --genesis FILE --key-path PATH --data-dir DIR --validator-id ID   bootstrap a fresh ledger directory
  run     [--peers FILE]                                  run a node using LEDGER_* environment config
  verify                                                   recompute every record's id (author chains and signatures are not checked)
  dump    --from TIME --to TIME [--kind KIND]              print every record in [from, to) as JSON
  proof   --id HEX                                         print the Merkle inclusion proof for a record id`)
}

// sentinel categories; exitCodeFor maps these to process exit codes.
var (
	errInvariant = fmt.Errorf("invariant check failed")
	errConfig    = fmt.Errorf("configuration error")
	errNetwork   = fmt.Errorf("network error")
)

// genesisSpec is the shape of the --genesis file cmdInit reads: the
// founding validator set and quorum mode, the same fields GenesisPayload
// carries on-ledger.
type genesisSpec struct {
	ChainID            string            `json:"chain_id"`
	QuorumMode         string            `json:"quorum_mode"`
	FoundingValidators []ledger.Validator `json:"founding_validators"`
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	genesisPath := fs.String("genesis", "", "path to a genesis spec JSON file")
	keyPath := fs.String("key-path", "./data/ed25519_key.hex", "where to write this validator's signing key")
	dataDir := fs.String("data-dir", "./data", "ledger data directory to create")
	validatorID := fs.String("validator-id", "", "this node's validator id, must appear in the genesis spec")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *genesisPath == "" || *validatorID == "" {
		fs.Usage()
		return errConfig
	}

	raw, err := os.ReadFile(*genesisPath)
	if err != nil {
		return fmt.Errorf("read genesis spec: %w", err)
	}
	var spec genesisSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("parse genesis spec: %w", err)
	}

	key := ledgercrypto.NewKeyManager(*keyPath)
	if err := key.LoadOrGenerate(); err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	payload, err := json.Marshal(ledger.GenesisPayload{
		ChainID:            spec.ChainID,
		QuorumMode:         spec.QuorumMode,
		FoundingValidators: spec.FoundingValidators,
	})
	if err != nil {
		return fmt.Errorf("encode genesis payload: %w", err)
	}

	genesisRec := &ledger.Record{
		Kind:      ledger.KindGenesis,
		Author:    "genesis",
		Tier:      ledger.TierGenesis,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
	genesisRec.ID = ledgercrypto.ComputeID(genesisRec)

	reg := registry.New()
	if err := reg.Apply(genesisRec); err != nil {
		return fmt.Errorf("apply genesis record: %w", err)
	}

	store, err := ledgerstore.Open(*dataDir,
		ledgerstore.WithPrincipalResolver(reg),
		ledgerstore.WithValidatorResolver(reg))
	if err != nil {
		return fmt.Errorf("open ledger directory: %w", err)
	}
	defer store.Close()

	if _, err := store.Append(genesisRec); err != nil {
		return fmt.Errorf("append genesis record: %w", err)
	}

	log.Printf("initialized ledger at %s with genesis id %x, validator id %s, key at %s",
		*dataDir, genesisRec.ID[:8], *validatorID, *keyPath)
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	peersFile := fs.String("peers", "", "path to a peers.list YAML file (overrides LEDGER_PEERS_FILE)")
	dev := fs.Bool("dev", false, "relax config validation for local development")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	if *peersFile != "" {
		cfg.PeersFile = *peersFile
	}
	if *dev {
		err = cfg.ValidateForDevelopment()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	key := ledgercrypto.NewKeyManager(cfg.KeyPath)
	if err := key.LoadOrGenerate(); err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	checkpoints, err := registry.OpenStore(cfg.RegistryCheckpointDir)
	if err != nil {
		return fmt.Errorf("open registry checkpoint db: %w", err)
	}
	defer checkpoints.Close()

	reg, height, err := checkpoints.Load()
	if err != nil {
		return fmt.Errorf("load registry checkpoint: %w", err)
	}

	storeOpts := []ledgerstore.Option{
		ledgerstore.WithPrincipalResolver(reg),
		ledgerstore.WithValidatorResolver(reg),
	}
	var mirror *pgindex.Mirror
	if cfg.DatabaseURL != "" {
		mirror, err = pgindex.Open(context.Background(), pgindex.Config{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DatabaseMaxConns,
			MinConns: cfg.DatabaseMinConns,
		})
		if err != nil {
			return fmt.Errorf("open postgres mirror: %w", err)
		}
		defer mirror.Close()
		storeOpts = append(storeOpts, ledgerstore.WithPostgresMirror(mirror))
	}

	store, err := ledgerstore.Open(cfg.DataDir, storeOpts...)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	if height == 0 {
		if err := bootstrapRegistry(store, reg); err != nil {
			return fmt.Errorf("bootstrap registry from ledger: %w", err)
		}
		if h, err := store.Height(); err == nil {
			if err := checkpoints.Save(reg, h); err != nil {
				log.Printf("checkpoint registry: %v", err)
			}
		}
	}

	peerAddrs := map[string]string{}
	if cfg.PeersFile != "" {
		pf, err := config.LoadPeersFile(cfg.PeersFile)
		if err != nil {
			return fmt.Errorf("load peers file: %w", err)
		}
		peerAddrs = pf.Addresses()
	}
	var gossipPeers []string
	for _, addr := range peerAddrs {
		gossipPeers = append(gossipPeers, addr)
	}
	sort.Strings(gossipPeers)

	sub := submission.New(store, reg, submission.Config{
		ValidatorID: cfg.ValidatorID,
		KeyManager:  key,
		Peers:       gossipPeers,
		PropTimeout: cfg.PropTimeout,
	})

	peerReg := replication.NewPeerRegistry(peerAddrs, 0)
	replServer := replication.NewServer(store, sub, peerReg, reg)
	defer replServer.Close()

	syncer := replication.NewSyncer(store, peerReg, replication.SyncerConfig{SyncInterval: cfg.SyncInterval})

	rollEngine := rollup.NewEngine(store, reg, key, sub, rollup.Config{
		ValidatorID:   cfg.ValidatorID,
		LeaderTimeout: cfg.LeaderTimeout,
		ClockSkew:     cfg.ClockSkew,
		PropTimeout:   cfg.PropTimeout,
	})

	api := ledgerapi.New(store, reg, sub, key)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncer.Start(ctx)
	defer syncer.Stop()

	go runRollupTicker(ctx, rollEngine)

	apiMux := http.NewServeMux()
	replServer.Register(apiMux)
	registerFacadeHandlers(apiMux, api)
	apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: apiMux}
	if cfg.TLSEnabled {
		apiServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		height, err := store.Height()
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "height": height})
	})
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux}

	go func() {
		var err error
		if cfg.TLSEnabled {
			log.Printf("replication API listening on %s (TLS 1.3)", cfg.ListenAddr)
			err = apiServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			log.Printf("replication API listening on %s (plaintext, LEDGER_TLS_ENABLED=false)", cfg.ListenAddr)
			err = apiServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("replication API server: %v", err)
		}
	}()
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
	go func() {
		log.Printf("health listening on %s", cfg.HealthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	apiServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	healthServer.Shutdown(shutdownCtx)

	if h, err := store.Height(); err == nil {
		if err := checkpoints.Save(reg, h); err != nil {
			log.Printf("final checkpoint: %v", err)
		}
	}
	log.Printf("stopped")
	return nil
}

// governanceKinds are the record kinds that mutate registry state;
// bootstrapRegistry replays exactly these, in created_at order, to
// rebuild a Registry from a ledger that has no checkpoint yet.
var governanceKinds = []ledger.Kind{
	ledger.KindGenesis,
	ledger.KindUserRegistered,
	ledger.KindValidatorAdded,
	ledger.KindValidatorPaused,
	ledger.KindValidatorRevoked,
	ledger.KindKeyRotated,
}

func bootstrapRegistry(store *ledgerstore.Store, reg *registry.Registry) error {
	var all []*ledger.Record
	for _, kind := range governanceKinds {
		recs, err := store.ScanKind(kind, time.Time{}, time.Now().Add(365*24*time.Hour))
		if err != nil {
			return err
		}
		all = append(all, recs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	for _, rec := range all {
		if err := reg.Apply(rec); err != nil {
			return fmt.Errorf("replay %x (%s): %w", rec.ID[:8], rec.Kind, err)
		}
	}
	return nil
}

func runRollupTicker(ctx context.Context, e *rollup.Engine) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Tick(now)
		}
	}
}

// appendRequest is the wire shape for POST /v1/api/append.
type appendRequest struct {
	Kind    ledger.Kind     `json:"kind"`
	Tier    ledger.Tier     `json:"tier"`
	Author  string          `json:"author"`
	Payload json.RawMessage `json:"payload"`
}

// registerFacadeHandlers exposes the ledgerapi.API facade (append/get/
// query) over HTTP, the same direct way the replication RPCs are mounted
// onto the same mux.
func registerFacadeHandlers(mux *http.ServeMux, api *ledgerapi.API) {
	mux.HandleFunc("/v1/api/append", func(w http.ResponseWriter, r *http.Request) {
		var req appendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := api.Append(r.Context(), req.Kind, req.Tier, req.Author, req.Payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": hex.EncodeToString(id[:])})
	})

	mux.HandleFunc("/v1/api/get", func(w http.ResponseWriter, r *http.Request) {
		raw, err := hex.DecodeString(r.URL.Query().Get("id"))
		if err != nil || len(raw) != len(ledger.ID{}) {
			http.Error(w, "id must be a hex-encoded record id", http.StatusBadRequest)
			return
		}
		var id ledger.ID
		copy(id[:], raw)

		rec, err := api.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(rec)
	})

	mux.HandleFunc("/v1/api/query", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		recs, err := api.Query(ledgerapi.Filter{
			Kind:   ledger.Kind(q.Get("kind")),
			Author: q.Get("author"),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(recs)
	})
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "./data", "ledger data directory to verify")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := ledgerstore.Open(*dataDir)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	tiers := []ledger.Tier{
		ledger.TierGenesis, ledger.TierPage, ledger.TierChapter,
		ledger.TierBook, ledger.TierPart, ledger.TierSeries,
	}
	far := time.Now().Add(365 * 24 * time.Hour)

	bad := 0
	checked := 0
	for _, tier := range tiers {
		recs, err := store.ScanTier(tier, time.Time{}, far)
		if err != nil {
			return fmt.Errorf("scan tier %s: %w", tier, err)
		}
		for _, rec := range recs {
			checked++
			if got := ledgercrypto.ComputeID(rec); got != rec.ID {
				bad++
				log.Printf("id mismatch: stored %x recomputed %x (kind %s, author %s)", rec.ID[:8], got[:8], rec.Kind, rec.Author)
			}
		}
	}
	log.Printf("verified %d records, %d mismatches", checked, bad)
	if bad > 0 {
		return errInvariant
	}
	return nil
}

func cmdDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "./data", "ledger data directory to read")
	from := fs.String("from", "", "RFC3339 start time, inclusive")
	to := fs.String("to", "", "RFC3339 end time, exclusive")
	kind := fs.String("kind", "", "restrict to a single record kind")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" || *to == "" {
		fs.Usage()
		return errConfig
	}
	since, err := time.Parse(time.RFC3339, *from)
	if err != nil {
		return fmt.Errorf("parse --from: %w", err)
	}
	until, err := time.Parse(time.RFC3339, *to)
	if err != nil {
		return fmt.Errorf("parse --to: %w", err)
	}

	store, err := ledgerstore.Open(*dataDir)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	var recs []*ledger.Record
	if *kind != "" {
		recs, err = store.ScanKind(ledger.Kind(*kind), since, until)
	} else {
		tiers := []ledger.Tier{
			ledger.TierGenesis, ledger.TierPage, ledger.TierChapter,
			ledger.TierBook, ledger.TierPart, ledger.TierSeries,
		}
		for _, tier := range tiers {
			var tierRecs []*ledger.Record
			tierRecs, err = store.ScanTier(tier, since, until)
			if err != nil {
				break
			}
			recs = append(recs, tierRecs...)
		}
	}
	if err != nil {
		return fmt.Errorf("scan records: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	return nil
}

func cmdProof(args []string) error {
	fs := flag.NewFlagSet("proof", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "./data", "ledger data directory to read")
	idHex := fs.String("id", "", "hex-encoded record id to prove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *idHex == "" {
		fs.Usage()
		return errConfig
	}

	raw, err := hex.DecodeString(*idHex)
	if err != nil || len(raw) != len(ledger.ID{}) {
		return fmt.Errorf("%w: --id must be a %d-byte hex string", errConfig, len(ledger.ID{}))
	}
	var id ledger.ID
	copy(id[:], raw)

	store, err := ledgerstore.Open(*dataDir)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	api := ledgerapi.New(store, registry.New(), nil, nil)
	proof, err := api.Prove(id)
	if err != nil {
		return fmt.Errorf("build proof: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(proof)
}
