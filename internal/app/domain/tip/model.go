package tip

import (
	"strings"
	"time"
)

// State is the tip lifecycle state. It advances along the forward chain
// pending → escrow_created → funded → locked → released, or terminates in
// cancelled from any pre-released state.
type State string

const (
	StatePending       State = "pending"
	StateEscrowCreated State = "escrow_created"
	StateFunded        State = "funded"
	StateLocked        State = "locked"
	StateReleased      State = "released"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether the tip can no longer change.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateCancelled
}

// RepoRef identifies a repository as "<owner>/<name>".
type RepoRef string

// Owner returns the segment before the slash.
func (r RepoRef) Owner() string {
	owner, _, _ := strings.Cut(string(r), "/")
	return owner
}

// Name returns the segment after the slash.
func (r RepoRef) Name() string {
	_, name, _ := strings.Cut(string(r), "/")
	return name
}

// Settlement records the on-chain settlement reported at release.
type Settlement struct {
	TxHash      string    `json:"tx_hash"`
	BlockNumber int64     `json:"block_number"`
	GasUsed     int64     `json:"gas_used,omitempty"`
	SettledAt   time.Time `json:"settled_at"`
}

// Timeline holds the instants of each observed tip transition.
type Timeline struct {
	CreatedAt       time.Time  `json:"created_at"`
	EscrowCreatedAt *time.Time `json:"escrow_created_at,omitempty"`
	FundedAt        *time.Time `json:"funded_at,omitempty"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

// Tip is a repository-attributed payment carried operationally by an escrow.
type Tip struct {
	ID           string      `json:"id"`
	Repo         RepoRef     `json:"repo"`
	Tipper       string      `json:"tipper"`
	Recipient    string      `json:"recipient"`
	Amount       float64     `json:"amount"`
	Token        string      `json:"token"`
	Message      string      `json:"message,omitempty"`
	IssueURL     string      `json:"issue_url,omitempty"`
	CommitRef    string      `json:"commit_ref,omitempty"`
	State        State       `json:"state"`
	EscrowID     string      `json:"escrow_id,omitempty"`
	FundingHash  string      `json:"funding_hash,omitempty"`
	CancelReason string      `json:"cancel_reason,omitempty"`
	Settlement   *Settlement `json:"settlement,omitempty"`
	Timeline     Timeline    `json:"timeline"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// TokenStats aggregates tips denominated in one token.
type TokenStats struct {
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

// RepoStats is an immutable aggregation snapshot for one repository.
type RepoStats struct {
	Repo          RepoRef               `json:"repo"`
	Count         int                   `json:"count"`
	TotalAmount   float64               `json:"total_amount"`
	AverageAmount float64               `json:"average_amount"`
	ByToken       map[string]TokenStats `json:"by_token"`
	ByState       map[State]int         `json:"by_state"`
}

// TipperStats ranks repositories by the sum a tipper has sent.
type TipperStats struct {
	Tipper      string      `json:"tipper"`
	Count       int         `json:"count"`
	TotalAmount float64     `json:"total_amount"`
	TopRepos    []RepoTotal `json:"top_repos"`
}

// GlobalStats is the system-wide aggregation snapshot.
type GlobalStats struct {
	TotalTips   int                   `json:"total_tips"`
	TotalAmount float64               `json:"total_amount"`
	ByToken     map[string]TokenStats `json:"by_token"`
	TopRepos    []RepoTotal           `json:"top_repos"`
}

// RepoTotal pairs a repository with its tipped sum.
type RepoTotal struct {
	Repo   RepoRef `json:"repo"`
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}
