// Package ledger defines the record model for the hierarchical append-only
// audit ledger: the Record ("page"), the closed Kind vocabulary, tiers, and
// the entities (Validator, Principal, PeerLink) that govern who may sign.
package ledger

import "time"

// Tier identifies where a record sits in the rollup hierarchy.
type Tier uint8

const (
	TierGenesis Tier = iota
	TierPage
	TierChapter
	TierBook
	TierPart
	TierSeries
)

func (t Tier) String() string {
	switch t {
	case TierGenesis:
		return "genesis"
	case TierPage:
		return "page"
	case TierChapter:
		return "chapter"
	case TierBook:
		return "book"
	case TierPart:
		return "part"
	case TierSeries:
		return "series"
	default:
		return "unknown"
	}
}

// Kind is an interned tag from a closed vocabulary. New kinds are added by
// registering a payload schema at init time via RegisterSchema; there is no
// dynamic string-keyed dispatch.
type Kind string

const (
	KindGenesis                  Kind = "genesis"
	KindUserRegistered           Kind = "user_registered"
	KindVoteCast                 Kind = "vote_cast"
	KindFlagRaised               Kind = "flag_raised"
	KindModerationDecided        Kind = "moderation_decided"
	KindValidatorAdded           Kind = "validator_added"
	KindValidatorPaused          Kind = "validator_paused"
	KindValidatorRevoked         Kind = "validator_revoked"
	KindKeyRotated               Kind = "key_rotated"
	KindAmendmentProposed        Kind = "amendment_proposed"
	KindTokenAwarded             Kind = "token_awarded"
	KindAuthorEquivocationFound  Kind = "author_equivocation_detected"
	KindPeerHealthReport         Kind = "peer_health_report"
	KindRollupChapter            Kind = "rollup_chapter"
	KindRollupBook                Kind = "rollup_book"
	KindRollupPart                Kind = "rollup_part"
	KindRollupSeries              Kind = "rollup_series"
)

// RollupKindForTier maps a superior tier to the Kind of the record it emits.
func RollupKindForTier(t Tier) (Kind, bool) {
	switch t {
	case TierChapter:
		return KindRollupChapter, true
	case TierBook:
		return KindRollupBook, true
	case TierPart:
		return KindRollupPart, true
	case TierSeries:
		return KindRollupSeries, true
	default:
		return "", false
	}
}

// ID is a content-derived identifier: the full SHA-256 digest of a record's
// canonical bytes, unique across the ledger. (spec §6 pins the on-disk
// canonical encoding to a 32-byte id slot; that bit-exact format governs
// over the looser "128-bit" language in spec §3 prose.)
type ID [32]byte

// QuorumSig is one validator's co-signature over a record's canonical bytes.
type QuorumSig struct {
	ValidatorID string `json:"validator_id"`
	Signature   []byte `json:"signature"`
}

// Record is the atomic unit of the ledger (the "page"), and also the shape
// used for every rollup tier (chapter/book/part/series) and the genesis
// record. Field order here matches the canonical encoding in
// pkg/ledgercrypto/canon.go field-for-field; changing this struct's meaning
// without updating Canon breaks content addressing.
type Record struct {
	ID         ID          `json:"id"`
	Kind       Kind        `json:"kind"`
	Author     string      `json:"author"`
	Tier       Tier        `json:"tier"`
	CreatedAt  time.Time   `json:"created_at"`
	Prev       *ID         `json:"prev,omitempty"`
	Payload    []byte      `json:"payload"`
	AuthorSig  []byte      `json:"author_sig"`
	QuorumSigs []QuorumSig `json:"quorum_sigs"`
	Covers     []ID        `json:"covers,omitempty"`
}

// ValidatorStatus is the lifecycle state of a Validator.
type ValidatorStatus string

const (
	ValidatorCandidate ValidatorStatus = "candidate"
	ValidatorActive    ValidatorStatus = "active"
	ValidatorPaused    ValidatorStatus = "paused"
	ValidatorRevoked   ValidatorStatus = "revoked"
)

// Validator is an authorised signer in the Proof-of-Authority quorum.
type Validator struct {
	ID            string          `json:"id"`
	PublicKey     []byte          `json:"public_key"`
	Role          string          `json:"role"`
	Jurisdiction  string          `json:"jurisdiction"`
	Status        ValidatorStatus `json:"status"`
	Weight        uint64          `json:"weight"`
	AddedAt       time.Time       `json:"added_at"`
	SignedCount   uint64          `json:"signed_count"`
	LastSeen      time.Time       `json:"last_seen"`
}

// Principal is a registered account. Created by a user_registered page;
// never deleted, only transitioned by further pages.
type Principal struct {
	AccountID string    `json:"account_id"`
	PublicKey []byte    `json:"public_key"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// PeerLink is what a node knows about one replication peer.
type PeerLink struct {
	PeerID        string    `json:"peer_id"`
	Address       string    `json:"address"`
	LastHealthyAt time.Time `json:"last_healthy_at"`
	HeightSeen    uint64    `json:"height_seen"`
	FailureCount  int       `json:"failure_count"`
}
