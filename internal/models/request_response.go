package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Request models. Validation tags are checked by the service layer.
type RegisterRequest struct {
	Email              string  `json:"email" validate:"required,email,max=255"`
	Password           string  `json:"password" validate:"required,min=8,max=100"`
	Phone              *string `json:"phone" validate:"omitempty,ca_phone"`
	FirstName          string  `json:"firstName" validate:"required,max=100"`
	LastName           string  `json:"lastName" validate:"required,max=100"`
	LanguagePreference string  `json:"languagePreference" validate:"omitempty,oneof=fr en"`
	Role               string  `json:"role" validate:"omitempty,oneof=client pro"`
	ConsentGiven       bool    `json:"consentGiven"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// UpdateProfileRequest changes only the fields that are present. An empty
// phone removes the phone number.
type UpdateProfileRequest struct {
	Email              *string `json:"email" validate:"omitempty,email,max=255"`
	Phone              *string `json:"phone" validate:"omitempty,ca_phone"`
	FirstName          *string `json:"firstName" validate:"omitempty,max=100"`
	LastName           *string `json:"lastName" validate:"omitempty,max=100"`
	LanguagePreference *string `json:"languagePreference" validate:"omitempty,oneof=fr en"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=100"`
}

type LinkPlatformRequest struct {
	Token            string `json:"token" validate:"required"`
	Platform         string `json:"platform" validate:"required,oneof=telegram whatsapp"`
	PlatformUserID   string `json:"platformUserId" validate:"required,max=128"`
	PlatformUsername string `json:"platformUsername" validate:"max=128"`
	UserID           string `json:"userId" validate:"required"`
}

type UnlinkPlatformRequest struct {
	Platform string `json:"platform" validate:"required,oneof=telegram whatsapp"`
}

type VerifyLinkRequest struct {
	Platform       string `json:"platform" validate:"required,oneof=telegram whatsapp"`
	PlatformUserID string `json:"platformUserId" validate:"required"`
}

type BecomeProRequest struct {
	BusinessName  string  `json:"businessName" validate:"max=255"`
	LicenceNumber *string `json:"licenceNumber"`
}

type UpdateLicenceRequest struct {
	LicenceNumber string `json:"licenceNumber" validate:"required"`
}

type SetIdentityStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending verified rejected"`
}

type CreateJobRequest struct {
	CategoryID   string           `json:"categoryId" validate:"required"`
	Title        string           `json:"title" validate:"required,max=255"`
	Description  string           `json:"description" validate:"max=5000"`
	Location     string           `json:"location" validate:"required,max=255"`
	ClientBudget *decimal.Decimal `json:"clientBudget" validate:"required,gte=0"`
	BudgetType   string           `json:"budgetType" validate:"required,oneof=hourly fixed"`
}

type ChangeJobCategoryRequest struct {
	CategoryID string `json:"categoryId" validate:"required"`
}

type CreateServiceRequest struct {
	CategoryID  string           `json:"categoryId" validate:"required"`
	Name        string           `json:"name" validate:"required,max=255"`
	Description string           `json:"description" validate:"max=5000"`
	BasePrice   *decimal.Decimal `json:"basePrice" validate:"required,gte=0"`
}

type UpdateServiceRequest struct {
	CategoryID  *string          `json:"categoryId" validate:"omitempty,min=1"`
	Name        *string          `json:"name" validate:"omitempty,max=255"`
	Description *string          `json:"description" validate:"omitempty,max=5000"`
	BasePrice   *decimal.Decimal `json:"basePrice" validate:"omitempty,gte=0"`
	IsActive    *bool            `json:"isActive"`
}

type SubmitBidRequest struct {
	JobID     string           `json:"jobId" validate:"required"`
	ProID     string           `json:"proId" validate:"required"`
	Price     *decimal.Decimal `json:"price" validate:"required,gte=20"`
	PriceType string           `json:"priceType" validate:"required,oneof=hourly flat_rate"`
	Message   string           `json:"message" validate:"max=500"`
}

type CreateBookingRequest struct {
	ProID         string           `json:"proId" validate:"required"`
	ServiceID     string           `json:"serviceId" validate:"required"`
	ScheduledAt   *time.Time       `json:"scheduledAt" validate:"required"`
	DurationHours *decimal.Decimal `json:"durationHours" validate:"required,gte=0.5"`
	Location      string           `json:"location" validate:"required,max=255"`
	Notes         string           `json:"notes" validate:"max=2000"`
}

type TransitionRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

type CancelBookingRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type IngestLeadRequest struct {
	Title         string           `json:"title" validate:"required,max=255"`
	ClientName    string           `json:"clientName" validate:"required,max=255"`
	Location      string           `json:"location" validate:"required,max=255"`
	NetAmount     *decimal.Decimal `json:"netAmount" validate:"required,gte=0"`
	FederalTax    *decimal.Decimal `json:"federalTax" validate:"required,gte=0"`
	ProvincialTax *decimal.Decimal `json:"provincialTax" validate:"required,gte=0"`
	Authentic     *bool            `json:"authentic"`
	Source        string           `json:"source" validate:"max=64"`
}

type LogTractionRequest struct {
	Kind      string         `json:"kind" validate:"required,oneof=lead_claim partner_click"`
	ProID     string         `json:"proId" validate:"required"`
	LeadID    string         `json:"leadId" validate:"required_if=Kind lead_claim"`
	PartnerID string         `json:"partnerId" validate:"max=128"`
	Metadata  map[string]any `json:"metadata"`
}

type VerifyLicenceRequest struct {
	Licence string `json:"licence"`
}

// Response models
type UserView struct {
	ID                 string   `json:"id"`
	Email              string   `json:"email"`
	Role               Role     `json:"role"`
	LanguagePreference Language `json:"languagePreference"`
	FirstName          string   `json:"firstName"`
	LastName           string   `json:"lastName"`
}

func NewUserView(u *User) *UserView {
	return &UserView{
		ID:                 u.ID,
		Email:              u.Email,
		Role:               u.Role,
		LanguagePreference: u.LanguagePreference,
		FirstName:          u.FirstName,
		LastName:           u.LastName,
	}
}

type AuthResponse struct {
	Status       string    `json:"status"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresIn    int       `json:"expiresIn,omitempty"`
	User         *UserView `json:"user,omitempty"`
}

type LinkResponse struct {
	Status         string   `json:"status"`
	Linked         bool     `json:"linked"`
	UserID         string   `json:"userId,omitempty"`
	Platform       Platform `json:"platform,omitempty"`
	PlatformUserID string   `json:"platformUserId,omitempty"`
}

type LinkTokenResponse struct {
	Status    string `json:"status"`
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

type BidResponse struct {
	Success bool                `json:"success"`
	BidID   string              `json:"bidId,omitempty"`
	Message string              `json:"message"`
	Code    string              `json:"code,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

type BookingView struct {
	*Booking
	AvailableTransitions []BookingStatus `json:"availableTransitions"`
}

type LeadIngestResponse struct {
	Status string `json:"status"`
	LeadID string `json:"leadId"`
}

type TractionLogResponse struct {
	Status  string `json:"status"`
	EventID string `json:"eventId"`
}

type SweepResponse struct {
	Status       string `json:"status"`
	Anonymized   int    `json:"anonymized"`
	Trimmed      int64  `json:"auditTrimmed"`
	LinksCleared int64  `json:"linksCleared"`
}

type ErrorResponse struct {
	Status  string              `json:"status"`
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}
