package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// User represents an account on the marketplace
type User struct {
	ID                 string     `db:"id" json:"id"`
	Email              string     `db:"email" json:"email"`
	Phone              *string    `db:"phone" json:"phone,omitempty"`
	Password           string     `db:"password" json:"-"` // bcrypt hash
	Role               Role       `db:"role" json:"role"`
	LanguagePreference Language   `db:"language_preference" json:"languagePreference"`
	FirstName          string     `db:"first_name" json:"firstName"`
	LastName           string     `db:"last_name" json:"lastName"`
	ConsentGiven       bool       `db:"consent_given" json:"consentGiven"`
	ConsentAt          *time.Time `db:"consent_at" json:"consentAt,omitempty"`
	RetentionAt        time.Time  `db:"retention_at" json:"retentionAt"`
	DeletedAt          *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
	TelegramID         *string    `db:"telegram_id" json:"telegramId,omitempty"`
	TelegramLinkedTill *time.Time `db:"telegram_linked_until" json:"-"`
	WhatsappID         *string    `db:"whatsapp_id" json:"whatsappId,omitempty"`
	WhatsappLinkedTill *time.Time `db:"whatsapp_linked_until" json:"-"`
	LastAccessAt       *time.Time `db:"last_access_at" json:"lastAccessAt,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updatedAt"`
}

// ProProfile holds the regulatory state of a pro
type ProProfile struct {
	UserID         string         `db:"user_id" json:"userId"`
	BusinessName   string         `db:"business_name" json:"businessName"`
	LicenceNumber  *string        `db:"licence_number" json:"licenceNumber,omitempty"`
	IdentityStatus IdentityStatus `db:"identity_status" json:"identityStatus"`
	VerifiedAt     *time.Time     `db:"verified_at" json:"verifiedAt,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updatedAt"`
}

type Category struct {
	ID              string `db:"id" json:"id"`
	Name            string `db:"name" json:"name"`
	RequiresLicence bool   `db:"requires_licence" json:"requiresLicence"`
}

type Job struct {
	ID           string          `db:"id" json:"id"`
	ClientID     string          `db:"client_id" json:"clientId"`
	CategoryID   string          `db:"category_id" json:"categoryId"`
	Title        string          `db:"title" json:"title"`
	Description  string          `db:"description" json:"description"`
	Location     string          `db:"location" json:"location"`
	ClientBudget decimal.Decimal `db:"client_budget" json:"clientBudget"`
	BudgetType   BudgetType      `db:"budget_type" json:"budgetType"`
	Status       JobStatus       `db:"status" json:"status"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updatedAt"`
}

type Bid struct {
	ID        string          `db:"id" json:"id"`
	JobID     string          `db:"job_id" json:"jobId"`
	ProID     string          `db:"pro_id" json:"proId"`
	Price     decimal.Decimal `db:"price" json:"price"`
	PriceType PriceType       `db:"price_type" json:"priceType"`
	Message   string          `db:"message" json:"message"`
	Status    BidStatus       `db:"status" json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// Service is a bookable offering published by a pro
type Service struct {
	ID          string          `db:"id" json:"id"`
	ProID       string          `db:"pro_id" json:"proId"`
	CategoryID  string          `db:"category_id" json:"categoryId"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description"`
	BasePrice   decimal.Decimal `db:"base_price" json:"basePrice"`
	IsActive    bool            `db:"is_active" json:"isActive"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
}

type Booking struct {
	ID                 string              `db:"id" json:"id"`
	ClientID           string              `db:"client_id" json:"clientId"`
	ProID              string              `db:"pro_id" json:"proId"`
	ServiceID          string              `db:"service_id" json:"serviceId"`
	Status             BookingStatus       `db:"status" json:"status"`
	ScheduledAt        time.Time           `db:"scheduled_at" json:"scheduledAt"`
	DurationHours      decimal.Decimal     `db:"duration_hours" json:"durationHours"`
	Location           string              `db:"location" json:"location"`
	Notes              string              `db:"notes" json:"notes"`
	PriceEstimate      decimal.Decimal     `db:"price_estimate" json:"priceEstimate"`
	FinalPrice         decimal.NullDecimal `db:"final_price" json:"finalPrice"`
	ConfirmedAt        *time.Time          `db:"confirmed_at" json:"confirmedAt,omitempty"`
	StartedAt          *time.Time          `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt        *time.Time          `db:"completed_at" json:"completedAt,omitempty"`
	CancelledAt        *time.Time          `db:"cancelled_at" json:"cancelledAt,omitempty"`
	CancellationReason *string             `db:"cancellation_reason" json:"cancellationReason,omitempty"`
	StatusHistory      StatusHistory       `db:"status_history" json:"statusHistory"`
	CreatedAt          time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updatedAt"`
}

// StatusEntry is one step of a booking's lifecycle
type StatusEntry struct {
	Status BookingStatus `json:"status"`
	At     time.Time     `json:"at"`
	By     string        `json:"by"`
	Role   Role          `json:"role,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// StatusHistory is stored as a JSONB array and only ever appended to.
type StatusHistory []StatusEntry

func (h StatusHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (h *StatusHistory) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		*h = nil
		return nil
	default:
		return errors.New("status history: unsupported column type")
	}
	return json.Unmarshal(data, h)
}

// Lead is a job opportunity discovered upstream. Total is derived on read.
type Lead struct {
	ID            string          `db:"id" json:"id"`
	Title         string          `db:"title" json:"title"`
	ClientName    string          `db:"client_name" json:"clientName"`
	Location      string          `db:"location" json:"location"`
	NetAmount     decimal.Decimal `db:"net_amount" json:"netAmount"`
	FederalTax    decimal.Decimal `db:"federal_tax" json:"federalTax"`
	ProvincialTax decimal.Decimal `db:"provincial_tax" json:"provincialTax"`
	Total         decimal.Decimal `db:"total" json:"total"`
	Authentic     bool            `db:"authentic" json:"authentic"`
	Source        string          `db:"source" json:"source"`
	Status        LeadStatus      `db:"status" json:"status"`
	ClaimedBy     *string         `db:"claimed_by" json:"claimedBy,omitempty"`
	ClaimedAt     *time.Time      `db:"claimed_at" json:"claimedAt,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}

type TractionEvent struct {
	ID        string         `db:"id" json:"id"`
	Seq       int64          `db:"seq" json:"seq"`
	Kind      TractionKind   `db:"kind" json:"kind"`
	ProID     string         `db:"pro_id" json:"proId"`
	LeadID    *string        `db:"lead_id" json:"leadId,omitempty"`
	PartnerID *string        `db:"partner_id" json:"partnerId,omitempty"`
	Metadata  types.JSONText `db:"metadata" json:"metadata"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
}

// AuditEntry is an append-only record of a security-relevant action
type AuditEntry struct {
	ID         string         `db:"id" json:"id"`
	UserID     *string        `db:"user_id" json:"userId,omitempty"`
	Action     string         `db:"action" json:"action"`
	Resource   string         `db:"resource" json:"resource"`
	ResourceID *string        `db:"resource_id" json:"resourceId,omitempty"`
	IPAddress  *string        `db:"ip_address" json:"ipAddress,omitempty"`
	UserAgent  *string        `db:"user_agent" json:"userAgent,omitempty"`
	Details    types.JSONText `db:"details" json:"details"`
	CreatedAt  time.Time      `db:"created_at" json:"createdAt"`
}

// Actor identifies who performs an operation and from where.
type Actor struct {
	UserID    string
	Role      Role
	IP        string
	UserAgent string
	RequestID string
}

// System is the actor used by scheduled jobs.
var System = Actor{Role: RoleAdmin}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// TractionSummary aggregates the traction ledger for reporting
type TractionSummary struct {
	TotalEvents    int64            `json:"totalEvents"`
	TotalLeads     int64            `json:"totalLeads"`
	ClaimedLeads   int64            `json:"claimedLeads"`
	LeadClaims     int64            `json:"leadClaims"`
	PartnerClicks  int64            `json:"partnerClicks"`
	TaxesTraced    decimal.Decimal  `json:"taxesTraced"`
	ConversionRate decimal.Decimal  `json:"conversionRate"`
	ByRegion       map[string]int64 `json:"byRegion"`
	RecentEvents   []TractionEvent  `json:"recentEvents"`
}
