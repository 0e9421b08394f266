package ledger

import "time"

// Payload types for the closed kind vocabulary. Each is JSON-encoded into
// Record.Payload; RegisterSchema below binds kind -> type so
// ValidatePayload/DecodePayload can enforce invariant 9 (kind/payload
// conformance) without a dynamic dispatch table.

type GenesisPayload struct {
	FoundingValidators []Validator `json:"founding_validators"`
	QuorumMode         string      `json:"quorum_mode"` // "majority" | "weighted"
	ChainID            string      `json:"chain_id"`
}

type UserRegisteredPayload struct {
	Name      string `json:"name"`
	PublicKey []byte `json:"public_key"`
	Role      string `json:"role"`
}

type VoteCastPayload struct {
	BallotID string `json:"ballot_id"`
	Choice   string `json:"choice"`
}

type FlagRaisedPayload struct {
	TargetID string `json:"target_id"`
	Reason   string `json:"reason"`
}

type ModerationDecidedPayload struct {
	TargetID string `json:"target_id"`
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

type ValidatorAddedPayload struct {
	ValidatorID  string `json:"validator_id"`
	PublicKey    []byte `json:"public_key"`
	Role         string `json:"role"`
	Jurisdiction string `json:"jurisdiction"`
	Weight       uint64 `json:"weight"`
}

type ValidatorPausedPayload struct {
	ValidatorID string `json:"validator_id"`
	Reason      string `json:"reason,omitempty"`
}

type ValidatorRevokedPayload struct {
	ValidatorID string `json:"validator_id"`
	Reason      string `json:"reason,omitempty"`
}

type KeyRotatedPayload struct {
	OldPublicKey []byte `json:"old_public_key"`
	NewPublicKey []byte `json:"new_public_key"`
}

type AmendmentProposedPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type TokenAwardedPayload struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}

type AuthorEquivocationPayload struct {
	Author       string    `json:"author"`
	WinningID    ID        `json:"winning_id"`
	LosingID     ID        `json:"losing_id"`
	DetectedAt   time.Time `json:"detected_at"`
	DetectedBy   string    `json:"detected_by"` // validator id of first observer
}

type PeerHealthReportPayload struct {
	ReportedAt time.Time          `json:"reported_at"`
	Peers      []PeerHealthSample `json:"peers"`
}

type PeerHealthSample struct {
	PeerID       string `json:"peer_id"`
	HeightSeen   uint64 `json:"height_seen"`
	FailureCount int    `json:"failure_count"`
	Quarantined  bool   `json:"quarantined"`
}

// RollupPayload is the payload shape shared by all four rollup tiers
// (chapter/book/part/series), per spec §4.5 step 3.
type RollupPayload struct {
	Interval         RollupInterval   `json:"interval"`
	SummaryRoot      [32]byte         `json:"summary_root"`
	CountsByKind     map[Kind]uint64  `json:"counts_by_kind"`
	CoveredIDsDigest [32]byte         `json:"covered_ids_digest"`
}

// RollupInterval is the half-open wall-clock window (Start, End] a rollup
// record covers.
type RollupInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func init() {
	RegisterSchema(KindGenesis, GenesisPayload{})
	RegisterSchema(KindUserRegistered, UserRegisteredPayload{})
	RegisterSchema(KindVoteCast, VoteCastPayload{})
	RegisterSchema(KindFlagRaised, FlagRaisedPayload{})
	RegisterSchema(KindModerationDecided, ModerationDecidedPayload{})
	RegisterSchema(KindValidatorAdded, ValidatorAddedPayload{})
	RegisterSchema(KindValidatorPaused, ValidatorPausedPayload{})
	RegisterSchema(KindValidatorRevoked, ValidatorRevokedPayload{})
	RegisterSchema(KindKeyRotated, KeyRotatedPayload{})
	RegisterSchema(KindAmendmentProposed, AmendmentProposedPayload{})
	RegisterSchema(KindTokenAwarded, TokenAwardedPayload{})
	RegisterSchema(KindAuthorEquivocationFound, AuthorEquivocationPayload{})
	RegisterSchema(KindPeerHealthReport, PeerHealthReportPayload{})
	RegisterSchema(KindRollupChapter, RollupPayload{})
	RegisterSchema(KindRollupBook, RollupPayload{})
	RegisterSchema(KindRollupPart, RollupPayload{})
	RegisterSchema(KindRollupSeries, RollupPayload{})
}
