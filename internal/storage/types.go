package storage

import (
	"errors"
	"time"
)

var (
	// ErrReferralExhausted is returned when a referral token has no uses left.
	ErrReferralExhausted = errors.New("referral token has no uses left")

	// ErrReferralExpired is returned when a referral token is past its expiry.
	ErrReferralExpired = errors.New("referral token has expired")
)

// Organization is a tenant.
type Organization struct {
	ID                       int64     `json:"organization_id"`
	Name                     string    `json:"organization_name"`
	Industry                 string    `json:"organization_industry,omitempty"`
	StripeCustomerID         string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID     string    `json:"stripe_subscription_id,omitempty"`
	StripeSubscriptionStatus string    `json:"stripe_subscription_status,omitempty"`
	HasGovernanceChannel     bool      `json:"has_governance_channel"`
	ContextStoreRepo         string    `json:"contextstore_github_repo,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
}

// ConnectionParams is the writable part of a connection. URL is always
// plaintext here; the store decides how it is persisted.
type ConnectionParams struct {
	Name                 string
	URL                  string
	AdditionalSQLDialect string
	InitSQL              string
	// DataDocumentationRepo is the context-store repository documenting this warehouse.
	DataDocumentationRepo string
}

// Connection is a warehouse connection with its URL already decrypted.
type Connection struct {
	ID                    int64     `json:"id"`
	OrganizationID        int64     `json:"organization_id"`
	Name                  string    `json:"connection_name"`
	URL                   string    `json:"-"`
	AdditionalSQLDialect  string    `json:"additional_sql_dialect,omitempty"`
	InitSQL               string    `json:"init_sql,omitempty"`
	DataDocumentationRepo string    `json:"data_documentation_contextstore_github_repo,omitempty"`
	Encrypted             bool      `json:"encrypted"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ConnectionDetails is a connection plus the bots that use it.
type ConnectionDetails struct {
	Connection
	BotIDs []string `json:"bot_ids"`
}

// BotInstance is a bot deployed into an organization's workspace.
type BotInstance struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	BotID          string     `json:"bot_id"`
	ChannelName    string     `json:"channel_name,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// MonthlyUsage counts answers for one organization in one calendar month.
type MonthlyUsage struct {
	OrganizationID   int64 `json:"organization_id"`
	Year             int   `json:"year"`
	Month            int   `json:"month"`
	AnswerCount      int   `json:"answer_count"`
	BonusAnswersUsed int   `json:"bonus_answers_used"`
}

// PlanLimits is an organization's subscription allowance.
type PlanLimits struct {
	OrganizationID int64 `json:"organization_id"`
	BaseNumAnswers int   `json:"base_num_answers"`
	AllowOverage   bool  `json:"allow_overage"`
	// OveragePriceCents is nil when overage is not billed per answer.
	OveragePriceCents *int64 `json:"overage_price_cents,omitempty"`
}

// BonusGrant is a one-off addition to an organization's answer allowance.
type BonusGrant struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	AnswerCount    int       `json:"answer_count"`
	Reason         string    `json:"reason,omitempty"`
	GrantedAt      time.Time `json:"granted_at"`
}

// Quota is an organization's allowance for the current month.
type Quota struct {
	Included       int  `json:"included"`
	Used           int  `json:"used"`
	BonusRemaining int  `json:"bonus_remaining"`
	AllowOverage   bool `json:"allow_overage"`
}

// Exhausted reports whether another answer would exceed the allowance.
func (q Quota) Exhausted() bool {
	if q.AllowOverage {
		return false
	}
	return q.Used >= q.Included && q.BonusRemaining <= 0
}

// OrgUser is a Slack user known to an organization.
type OrgUser struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	SlackUserID    string    `json:"slack_user_id"`
	Email          string    `json:"email,omitempty"`
	IsOrgAdmin     bool      `json:"is_org_admin"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReferralTokenParams configures a new referral token. Nil fields mean
// unbounded.
type ReferralTokenParams struct {
	OrganizationID *int64
	MaxUses        *int64
	ExpiresAt      *time.Time
}

// ReferralToken is a shareable signup token.
type ReferralToken struct {
	ID             int64      `json:"id"`
	Token          string     `json:"token"`
	OrganizationID *int64     `json:"organization_id,omitempty"`
	MaxUses        *int64     `json:"max_uses,omitempty"`
	Uses           int64      `json:"uses"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// OnboardingState is where an organization is in setup.
type OnboardingState struct {
	OrganizationID int64          `json:"organization_id"`
	CurrentStep    string         `json:"current_step"`
	Completed      bool           `json:"completed"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ContextStatus records the state of a bot's context-store sync.
type ContextStatus struct {
	OrganizationID int64     `json:"organization_id"`
	BotID          string    `json:"bot_id"`
	Status         string    `json:"status"`
	Detail         string    `json:"detail,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
