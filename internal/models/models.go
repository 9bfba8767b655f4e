package models

import "time"

type EntryKind string

const (
	EntryConsume        EntryKind = "CONSUME"
	EntryRefund         EntryKind = "REFUND"
	EntryRecharge       EntryKind = "RECHARGE"
	EntryServiceUnlock  EntryKind = "SERVICE_UNLOCK"
	EntrySystemReward   EntryKind = "SYSTEM_REWARD"
	EntryDailyReward    EntryKind = "DAILY_REWARD"
	EntryReferralReward EntryKind = "REFERRAL_REWARD"
)

// Valid reports whether k is a known ledger entry kind.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryConsume, EntryRefund, EntryRecharge, EntryServiceUnlock, EntrySystemReward, EntryDailyReward, EntryReferralReward:
		return true
	}
	return false
}

type JobKind string

const (
	JobGenerate JobKind = "GENERATE"
	JobEdit     JobKind = "EDIT"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

type AppealStatus string

const (
	AppealPending  AppealStatus = "PENDING"
	AppealApproved AppealStatus = "APPROVED"
	AppealRejected AppealStatus = "REJECTED"
)

type CodeStatus string

const (
	CodeUnused CodeStatus = "UNUSED"
	CodeUsed   CodeStatus = "USED"
)

type Account struct {
	ID             int64     `json:"id"`
	ExternalID     string    `json:"external_id"`
	TelegramChatID int64     `json:"telegram_chat_id,omitempty"`
	PaidBalance    int64     `json:"paid_balance"`
	BonusBalance   int64     `json:"bonus_balance"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Balance is the spendable state of an account.
type Balance struct {
	Paid  int64 `json:"paid"`
	Bonus int64 `json:"bonus"`
}

func (b Balance) Total() int64 {
	return b.Paid + b.Bonus
}

// Portions is how an amount splits across the two buckets.
type Portions struct {
	Paid  int64 `json:"paid_portion"`
	Bonus int64 `json:"bonus_portion"`
}

func (p Portions) Total() int64 {
	return p.Paid + p.Bonus
}

type LedgerEntry struct {
	ID          int64     `json:"id"`
	AccountID   int64     `json:"account_id"`
	Amount      int64     `json:"amount"`
	PaidAmount  int64     `json:"paid_amount"`
	BonusAmount int64     `json:"bonus_amount"`
	Kind        EntryKind `json:"kind"`
	Description string    `json:"description"`
	Reference   string    `json:"reference,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Job struct {
	ID           int64             `json:"id"`
	OwnerID      int64             `json:"owner_id"`
	Kind         JobKind           `json:"kind"`
	Status       JobStatus         `json:"status"`
	Prompt       string            `json:"prompt"`
	Params       map[string]string `json:"params,omitempty"`
	InputRefs    []string          `json:"input_refs,omitempty"`
	Outputs      []string          `json:"outputs"`
	Charged      Portions          `json:"charged"`
	ParentJobID  *int64            `json:"parent_job_id,omitempty"`
	TargetIndex  *int              `json:"target_index,omitempty"`
	RetryOf      *int64            `json:"retry_of,omitempty"`
	EditingMarks []int             `json:"editing_marks"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

type EditLease struct {
	JobID       int64
	OutputIndex int
	HolderJobID int64
	ExpiresAt   time.Time
}

type WatermarkTask struct {
	ID           int64      `json:"id"`
	OwnerID      int64      `json:"owner_id"`
	BatchID      string     `json:"batch_id"`
	OriginalRef  string     `json:"original_ref"`
	ResultRef    *string    `json:"result_ref"`
	Status       TaskStatus `json:"status"`
	ErrorMessage *string    `json:"error_message"`
	Charged      Portions   `json:"charged"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type QueueStatus struct {
	PendingCount    int `json:"pending_count"`
	ProcessingCount int `json:"processing_count"`
	QueuePosition   int `json:"queue_position"`
}

type Appeal struct {
	ID           int64        `json:"id"`
	JobID        int64        `json:"job_id"`
	OwnerID      int64        `json:"owner_id"`
	Status       AppealStatus `json:"status"`
	Reason       string       `json:"reason"`
	RefundAmount int64        `json:"refund_amount"`
	AdminNote    string       `json:"admin_note,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ResolvedAt   *time.Time   `json:"resolved_at,omitempty"`
}

type RedemptionCode struct {
	ID           int64      `json:"id"`
	Code         string     `json:"code"`
	PaidCredits  int64      `json:"paid_credits"`
	BonusCredits int64      `json:"bonus_credits"`
	Status       CodeStatus `json:"status"`
	UsedBy       *int64     `json:"used_by,omitempty"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Payment struct {
	ID             int64     `json:"id"`
	AccountID      int64     `json:"account_id"`
	PlanID         int64     `json:"plan_id"`
	Provider       string    `json:"provider"`
	ProviderCharge string    `json:"provider_charge_id"`
	Currency       string    `json:"currency"`
	Amount         int       `json:"amount"`
	Status         string    `json:"status"`
	RawPayload     string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Plan struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Currency        string    `json:"currency"`
	PriceMinorUnits int       `json:"price_minor_units"`
	Credits         int64     `json:"credits"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
