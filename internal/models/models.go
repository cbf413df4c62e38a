package models

import "time"

// PoolKind identifies the value pool a generation is charged against.
// The set is closed; debit and refund switch over it exhaustively.
type PoolKind string

const (
	PoolSubscription PoolKind = "subscription"
	PoolTrial        PoolKind = "trial"
	PoolToken        PoolKind = "token"
	PoolSeasonal     PoolKind = "seasonal"
)

func (p PoolKind) Valid() bool {
	switch p {
	case PoolSubscription, PoolTrial, PoolToken, PoolSeasonal:
		return true
	}
	return false
}

type TxReason string

const (
	ReasonPurchase   TxReason = "purchase"
	ReasonGeneration TxReason = "generation"
	ReasonRefund     TxReason = "refund"
	ReasonPromo      TxReason = "promo"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusPartial    JobStatus = "partial"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

type JobKind string

const (
	JobLandscape JobKind = "landscape"
	JobHoliday   JobKind = "holiday"
)

type AreaKind string

const (
	AreaFrontYard AreaKind = "front_yard"
	AreaBackYard  AreaKind = "back_yard"
	AreaSideYard  AreaKind = "side_yard"
	AreaDriveway  AreaKind = "driveway"
	AreaPatio     AreaKind = "patio"
)

func (a AreaKind) Valid() bool {
	switch a {
	case AreaFrontYard, AreaBackYard, AreaSideYard, AreaDriveway, AreaPatio:
		return true
	}
	return false
}

// GroundCovered reports whether street-level provider imagery usually covers
// the area. Only front-facing views are reliable from the road; everything
// else goes straight to overhead imagery.
func (a AreaKind) GroundCovered() bool {
	return a == AreaFrontYard
}

type ImageSource string

const (
	SourceUserUpload ImageSource = "user_upload"
	SourceStreet     ImageSource = "provider_primary"
	SourceOverhead   ImageSource = "provider_fallback"
)

// Balance is one row per user. Mutated only through the ledger engine and
// purchase/promo events; counters never go negative.
type Balance struct {
	UserID             int64
	TrialRemaining     int
	TokenBalance       int
	SubscriptionActive bool
	SeasonalCredits    int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreditTransaction is an append-only ledger entry. Summing deltas per
// (user, pool) reproduces the corresponding Balance counter.
type CreditTransaction struct {
	ID              string
	UserID          int64
	Pool            PoolKind
	Delta           int
	Reason          TxReason
	JobID           *string
	RelatedTxID     *string
	ExternalEventID *string
	CreatedAt       time.Time
}

// AreaResult records the outcome of one sub-area within a job.
type AreaResult struct {
	Area        AreaKind    `json:"area"`
	OK          bool        `json:"ok"`
	ImageSource ImageSource `json:"image_source,omitempty"`
	ResultURL   string      `json:"result_url,omitempty"`
	DebitTxID   string      `json:"debit_tx_id,omitempty"`
	Error       string      `json:"error,omitempty"`
}

type GenerationJob struct {
	ID           string
	UserID       int64
	Kind         JobKind
	Address      string
	Style        string
	CustomPrompt string
	Areas        []AreaKind
	PaymentPool  PoolKind
	Status       JobStatus
	ErrorMessage string
	AreaResults  []AreaResult
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// ResultRefs returns the URLs of all successfully generated sub-areas.
func (j *GenerationJob) ResultRefs() []string {
	var refs []string
	for _, r := range j.AreaResults {
		if r.OK && r.ResultURL != "" {
			refs = append(refs, r.ResultURL)
		}
	}
	return refs
}

type Payment struct {
	ID              int64
	UserID          int64
	PlanID          *int64
	Provider        string
	ProviderEventID string
	Currency        string
	Amount          int
	Status          string
	RawPayload      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Plan struct {
	ID              int64
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	Credits         int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
