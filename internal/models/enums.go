package models

// Role is the caller's role on the marketplace.
type Role string

const (
	RoleClient Role = "client"
	RolePro    Role = "pro"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RolePro, RoleAdmin:
		return true
	}
	return false
}

// Language is a user's preferred language.
type Language string

const (
	LanguageFR Language = "fr"
	LanguageEN Language = "en"
)

// IdentityStatus tracks review of a pro's identity document.
// It only moves forward: unverified -> pending -> verified | rejected.
type IdentityStatus string

const (
	IdentityUnverified IdentityStatus = "unverified"
	IdentityPending    IdentityStatus = "pending"
	IdentityVerified   IdentityStatus = "verified"
	IdentityRejected   IdentityStatus = "rejected"
)

func (s IdentityStatus) Valid() bool {
	switch s {
	case IdentityUnverified, IdentityPending, IdentityVerified, IdentityRejected:
		return true
	}
	return false
}

// rank orders identity statuses; verified and rejected share the final rank.
func (s IdentityStatus) rank() int {
	switch s {
	case IdentityPending:
		return 1
	case IdentityVerified, IdentityRejected:
		return 2
	}
	return 0
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
func (s IdentityStatus) CanAdvanceTo(next IdentityStatus) bool {
	return next.Valid() && next.rank() > s.rank()
}

type BudgetType string

const (
	BudgetHourly BudgetType = "hourly"
	BudgetFixed  BudgetType = "fixed"
)

type PriceType string

const (
	PriceHourly   PriceType = "hourly"
	PriceFlatRate PriceType = "flat_rate"
)

type JobStatus string

const (
	JobOpen      JobStatus = "open"
	JobArchived  JobStatus = "archived"
	JobCancelled JobStatus = "cancelled"
)

type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidCancelled BidStatus = "cancelled"
)

// BookingStatus is a state of the booking lifecycle.
type BookingStatus string

const (
	BookingPending    BookingStatus = "pending"
	BookingConfirmed  BookingStatus = "confirmed"
	BookingInProgress BookingStatus = "in_progress"
	BookingCompleted  BookingStatus = "completed"
	BookingCancelled  BookingStatus = "cancelled"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingInProgress, BookingCompleted, BookingCancelled:
		return true
	}
	return false
}

type LeadStatus string

const (
	LeadPending LeadStatus = "pending"
	LeadClaimed LeadStatus = "claimed"
)

// TractionKind is the type of a traction event.
type TractionKind string

const (
	TractionLeadClaim    TractionKind = "lead_claim"
	TractionPartnerClick TractionKind = "partner_click"
)

// Platform is a chat platform a user can link.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformWhatsApp Platform = "whatsapp"
)

// Platforms lists every linkable platform.
var Platforms = []Platform{PlatformTelegram, PlatformWhatsApp}
