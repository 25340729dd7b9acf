package escrow

import "time"

// State is the escrow lifecycle state. String values are the persistence and
// wire encoding.
type State string

const (
	StatePending  State = "pending"
	StateFunded   State = "funded"
	StateLocked   State = "locked"
	StateReleased State = "released"
	StateRefunded State = "refunded"
	StateDisputed State = "disputed"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateRefunded
}

// Token identifies a supported settlement token.
type Token string

const (
	TokenPrimaryNative Token = "primary-native"
	TokenERC20Stable   Token = "erc20-stable"
)

// Supported reports whether the token is in the supported set.
func (t Token) Supported() bool {
	return t == TokenPrimaryNative || t == TokenERC20Stable
}

// AdapterTag names the on-chain adapter responsible for moving this token.
func (t Token) AdapterTag() string {
	switch t {
	case TokenERC20Stable:
		return "erc20"
	default:
		return "native"
	}
}

// Conditions are the release conditions declared at creation.
type Conditions struct {
	RequiresApproval           bool `json:"requires_approval"`
	RequiresDelivery           bool `json:"requires_delivery"`
	RequiresArbiter            bool `json:"requires_arbiter"`
	RequiresClientConfirmation bool `json:"requires_client_confirmation"`
}

// DeliveryProof records a submitted proof of service delivery.
type DeliveryProof struct {
	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
	Data        []byte    `json:"data"`
	Signature   string    `json:"signature,omitempty"`
}

// Dispute records an open dispute against a locked escrow.
type Dispute struct {
	RaisedBy string    `json:"raised_by"`
	Reason   string    `json:"reason"`
	RaisedAt time.Time `json:"raised_at"`
}

// Timeline holds the instants of each observed transition. A terminal escrow
// has exactly one of ReleasedAt/RefundedAt set.
type Timeline struct {
	CreatedAt  time.Time  `json:"created_at"`
	FundedAt   *time.Time `json:"funded_at,omitempty"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`
	DisputedAt *time.Time `json:"disputed_at,omitempty"`
}

// Escrow is a permanent audit record of an intent to transfer value, released
// only when its declared conditions are satisfied.
type Escrow struct {
	ID             string         `json:"id"`
	Payer          string         `json:"payer"`
	Payee          string         `json:"payee"`
	Amount         float64        `json:"amount"`
	Token          Token          `json:"token"`
	AdapterTag     string         `json:"adapter_tag"`
	Purpose        string         `json:"purpose"`
	Conditions     Conditions     `json:"conditions"`
	State          State          `json:"state"`
	TimeoutAt      *time.Time     `json:"timeout_at,omitempty"`
	Approvals      []string       `json:"approvals,omitempty"`
	Proof          *DeliveryProof `json:"proof,omitempty"`
	Dispute        *Dispute       `json:"dispute,omitempty"`
	ArbiterID      string         `json:"arbiter_id,omitempty"`
	SettlementHash string         `json:"settlement_hash,omitempty"`
	ReleaseReason  string         `json:"release_reason,omitempty"`
	RefundReason   string         `json:"refund_reason,omitempty"`
	Timeline       Timeline       `json:"timeline"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Approved reports whether the given identifier already appears in the
// approval list.
func (e *Escrow) Approved(id string) bool {
	for _, a := range e.Approvals {
		if a == id {
			return true
		}
	}
	return false
}
