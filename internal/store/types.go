// Package store holds the relational entities and their raw-SQL
// repositories. Every query is owner-scoped; cross-owner reads stop at this
// boundary.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScheduledEmail status constants
const (
	ScheduledPending    = "Pending"
	ScheduledProcessing = "Processing"
	ScheduledSent       = "Sent"
	ScheduledFailed     = "Failed"
	ScheduledCancelled  = "Cancelled"
)

// EmailLog status constants
const (
	LogQueued       = "Queued"
	LogSent         = "Sent"
	LogDelivered    = "Delivered"
	LogOpened       = "Opened"
	LogClicked      = "Clicked"
	LogBounced      = "Bounced"
	LogDropped      = "Dropped"
	LogSpamReport   = "SpamReport"
	LogUnsubscribed = "Unsubscribed"
	LogFailed       = "Failed"
)

// Automation status constants
const (
	AutomationActive   = "Active"
	AutomationPaused   = "Paused"
	AutomationDraft    = "Draft"
	AutomationArchived = "Archived"
)

// Trigger field constants
const (
	TriggerPolicyExpiration = "policy_expiration"
	TriggerPolicyEffective  = "policy_effective"
	TriggerAccountCreated   = "account_created"
	TriggerActivation       = "activation"
)

// Email validation status constants
const (
	ValidationUnknown = "unknown"
	ValidationValid   = "valid"
	ValidationRisky   = "risky"
	ValidationInvalid = "invalid"
)

// Provider connection constants
const (
	ProviderGmail     = "gmail"
	ProviderMicrosoft = "microsoft"

	ConnectionActive  = "active"
	ConnectionError   = "error"
	ConnectionExpired = "expired"
)

// Owner is the tenant: mailbox owner, company block, and scheduling zone.
type Owner struct {
	ID             uuid.UUID
	Email          string
	Name           string
	CompanyName    string
	CompanyAddress string
	CompanyPhone   string
	CompanyWebsite string
	SignatureHTML  string
	Timezone       string // IANA name; empty means UTC
}

// Account is a CRM contact.
type Account struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Name        string
	PersonEmail string
	Email       string
	FirstName   string
	LastName    string
	Phone       string
	Address     string
	City        string
	State       string
	Zip         string
	OptedOut    bool
	CreatedAt   time.Time

	EmailValidationStatus string
	EmailValidationScore  float64
	EmailValidatedAt      *time.Time
	EmailValidationReason string
}

// BestEmail returns the primary contact address: person_email wins, the
// account-level email is the fallback.
func (a *Account) BestEmail() string {
	if a.PersonEmail != "" {
		return a.PersonEmail
	}
	return a.Email
}

// Policy is a child of Account; only Active rows drive date triggers.
type Policy struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	LineOfBusiness string
	Term           string
	EffectiveDate  *time.Time
	ExpirationDate *time.Time
	Status         string
}

// Automation is an owner-scoped workflow definition. FilterConfig and Nodes
// stay raw here; the filter evaluator and the scheduler parse them.
type Automation struct {
	ID           uuid.UUID
	OwnerID      *uuid.UUID // nil for system defaults (applies to all owners)
	Name         string
	Status       string
	FilterConfig json.RawMessage
	Nodes        json.RawMessage
	Timezone     string // overrides the owner zone for the trigger time
	LastError    string
}

// EmailTemplate is owner-scoped content.
type EmailTemplate struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	DefaultKey  string
	Category    string
	Subject     string
	HTMLContent string
	TextContent string
	FromEmail   string
	FromName    string
}

// SenderDomain is an owner's sending domain.
type SenderDomain struct {
	ID                  uuid.UUID
	OwnerID             uuid.UUID
	Domain              string
	Status              string // pending, verified
	InboundParseEnabled bool
}

// ScheduledEmail is a pending unit of send work. The dedup key is
// (automation_id, account_id, template_id, qualification_value).
type ScheduledEmail struct {
	ID                   uuid.UUID
	OwnerID              uuid.UUID
	AutomationID         *uuid.UUID
	AccountID            uuid.UUID
	TemplateID           uuid.UUID
	NodeID               string
	RecipientEmail       string
	RecipientName        string
	FromEmail            string
	FromName             string
	Subject              string
	ScheduledFor         time.Time
	Status               string
	RequiresVerification bool
	QualificationValue   string
	TriggerField         string
	Attempts             int
	MaxAttempts          int
	LastAttemptAt        *time.Time
	ErrorMessage         string
	EmailLogID           *int64
}

// DedupKey returns the scheduler's uniqueness key for this row.
func (s *ScheduledEmail) DedupKey() string {
	automationID := ""
	if s.AutomationID != nil {
		automationID = s.AutomationID.String()
	}
	return automationID + "|" + s.AccountID.String() + "|" + s.TemplateID.String() + "|" + s.QualificationValue
}

// EmailLog is a realized dispatch.
type EmailLog struct {
	ID              int64
	OwnerID         uuid.UUID
	AccountID       uuid.UUID
	TemplateID      uuid.UUID
	ToEmail         string
	ToName          string
	FromEmail       string
	FromName        string
	Subject         string
	Status          string
	QueuedAt        time.Time
	SentAt          *time.Time
	DeliveredAt     *time.Time
	FirstOpenedAt   *time.Time
	FirstClickedAt  *time.Time
	BouncedAt       *time.Time
	UnsubscribedAt  *time.Time
	FailedAt        *time.Time
	OpenCount       int
	ClickCount      int
	MessageID       string
	CustomMessageID string
	ReplyTo         string
	BounceType      string
	ErrorMessage    string
}

// EmailEvent is an analytics row appended for click events.
type EmailEvent struct {
	ID         uuid.UUID
	EmailLogID int64
	EventType  string
	URL        string
	IP         string
	UserAgent  string
	OccurredAt time.Time
}

// EmailReply is an inbound reply correlated (or not) to an EmailLog.
type EmailReply struct {
	ID                     uuid.UUID
	OwnerID                uuid.UUID
	EmailLogID             *int64
	AccountID              *uuid.UUID
	FromEmail              string
	FromName               string
	ToEmail                string
	Subject                string
	BodyText               string
	BodyHTML               string
	InReplyTo              string
	ReferencesHeader       string
	RawHeaders             map[string]string
	ReceivedAt             time.Time
	SenderVerified         bool
	ExpectedSenderEmail    string
	VerificationNotes      string
	InboxInjected          bool
	InboxInjectedAt        *time.Time
	InboxInjectionProvider string
	InboxInjectionError    string
}

// ProviderConnection holds one owner's encrypted mailbox credentials.
type ProviderConnection struct {
	ID                    uuid.UUID
	OwnerID               uuid.UUID
	Provider              string
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	TokenExpiresAt        time.Time
	ProviderEmail         string
	Status                string
	LastError             string
	LastUsedAt            *time.Time
}
