package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/repository"
)

// stubRepo is an in-memory repository.Repository for service tests.
type stubRepo struct {
	mu sync.Mutex

	users      map[string]*models.User
	profiles   map[string]*models.ProProfile
	categories map[string]*models.Category
	jobs       map[string]*models.Job
	bids       map[string]*models.Bid
	services   map[string]*models.Service
	bookings   map[string]*models.Booking
	leads      map[string]*models.Lead
	events     []models.TractionEvent
	audits     []models.AuditEntry

	failSetPlatformID error
	// afterRead runs between reading a booking and writing its transition.
	afterRead func()
	now       time.Time
}

var _ repository.Repository = (*stubRepo)(nil)

func newStubRepo(now time.Time) *stubRepo {
	return &stubRepo{
		users:      map[string]*models.User{},
		profiles:   map[string]*models.ProProfile{},
		categories: map[string]*models.Category{},
		jobs:       map[string]*models.Job{},
		bids:       map[string]*models.Bid{},
		services:   map[string]*models.Service{},
		bookings:   map[string]*models.Booking{},
		leads:      map[string]*models.Lead{},
		now:        now,
	}
}

func (r *stubRepo) audit(entry *models.AuditEntry) {
	if entry == nil {
		return
	}
	e := *entry
	e.ID = uuid.New().String()
	e.CreatedAt = r.now
	r.audits = append(r.audits, e)
}

func (r *stubRepo) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []string{}
	for _, a := range r.audits {
		out = append(out, a.Action)
	}
	return out
}

func (r *stubRepo) CreateUser(ctx context.Context, user *models.User, profile *models.ProProfile, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return repository.ErrEmailTaken
		}
		if u.Phone != nil && user.Phone != nil && *u.Phone == *user.Phone {
			return repository.ErrPhoneTaken
		}
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt, user.UpdatedAt = r.now, r.now
	u := *user
	r.users[u.ID] = &u
	if profile != nil {
		profile.UserID = user.ID
		p := *profile
		r.profiles[p.UserID] = &p
	}
	if entry != nil && entry.UserID == nil {
		entry.UserID = &user.ID
	}
	r.audit(entry)
	return nil
}

func (r *stubRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (r *stubRepo) UpdatePassword(ctx context.Context, userID, hash string, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok || u.DeletedAt != nil {
		return repository.ErrNotFound
	}
	u.Password = hash
	r.audit(entry)
	return nil
}

func (r *stubRepo) UpdateProfile(ctx context.Context, userID string, change repository.ProfileChange, entry *models.AuditEntry) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok || u.DeletedAt != nil {
		return nil, repository.ErrNotFound
	}
	for id, other := range r.users {
		if id == userID {
			continue
		}
		if change.Email != nil && other.Email == *change.Email {
			return nil, repository.ErrEmailTaken
		}
		if change.Phone != nil && other.Phone != nil && *other.Phone == *change.Phone {
			return nil, repository.ErrPhoneTaken
		}
	}
	if change.Email != nil {
		u.Email = *change.Email
	}
	switch {
	case change.ClearPhone:
		u.Phone = nil
	case change.Phone != nil:
		p := *change.Phone
		u.Phone = &p
	}
	if change.FirstName != nil {
		u.FirstName = *change.FirstName
	}
	if change.LastName != nil {
		u.LastName = *change.LastName
	}
	if change.Language != nil {
		u.LanguagePreference = *change.Language
	}
	u.UpdatedAt = r.now
	r.audit(entry)
	c := *u
	return &c, nil
}

func (r *stubRepo) SetRetentionAt(ctx context.Context, userID string, at time.Time, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok || u.DeletedAt != nil {
		return repository.ErrNotFound
	}
	u.RetentionAt = at
	r.audit(entry)
	return nil
}

func (r *stubRepo) BindPlatformID(ctx context.Context, userID string, platform models.Platform, platformUserID string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSetPlatformID != nil {
		return r.failSetPlatformID
	}
	u, ok := r.users[userID]
	if !ok || u.DeletedAt != nil {
		return repository.ErrNotFound
	}
	for _, other := range r.users {
		if other.ID != userID && platformIDOf(other, platform) != nil && *platformIDOf(other, platform) == platformUserID {
			setPlatformID(other, platform, nil, nil)
		}
	}
	id := platformUserID
	setPlatformID(u, platform, &id, &until)
	return nil
}

func (r *stubRepo) ClearPlatformID(ctx context.Context, userID string, platform models.Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		setPlatformID(u, platform, nil, nil)
	}
	return nil
}

func (r *stubRepo) ReleasePlatformID(ctx context.Context, platform models.Platform, platformUserID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, u := range r.users {
		if id := platformIDOf(u, platform); id != nil && *id == platformUserID {
			setPlatformID(u, platform, nil, nil)
			n++
		}
	}
	return n, nil
}

func (r *stubRepo) ClearExpiredPlatformIDs(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func platformIDOf(u *models.User, platform models.Platform) *string {
	if platform == models.PlatformTelegram {
		return u.TelegramID
	}
	return u.WhatsappID
}

func setPlatformID(u *models.User, platform models.Platform, id *string, until *time.Time) {
	if platform == models.PlatformTelegram {
		u.TelegramID, u.TelegramLinkedTill = id, until
		return
	}
	u.WhatsappID, u.WhatsappLinkedTill = id, until
}

func (r *stubRepo) TouchLastAccess(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		u.LastAccessAt = &at
	}
	return nil
}

func (r *stubRepo) ListExpiredUserIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return nil, nil
}

func (r *stubRepo) AnonymizeUser(ctx context.Context, userID string, now time.Time, entry *models.AuditEntry) (bool, error) {
	return false, nil
}

func (r *stubRepo) CreateProProfile(ctx context.Context, profile *models.ProProfile, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[profile.UserID]
	if !ok || u.DeletedAt != nil {
		return repository.ErrNotFound
	}
	if _, exists := r.profiles[profile.UserID]; exists {
		return repository.ErrProfileExists
	}
	if u.Role != models.RoleAdmin {
		u.Role = models.RolePro
	}
	p := *profile
	p.CreatedAt, p.UpdatedAt = r.now, r.now
	r.profiles[p.UserID] = &p
	r.audit(entry)
	return nil
}

func (r *stubRepo) GetProProfile(ctx context.Context, userID string) (*models.ProProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[userID]; ok {
		c := *p
		return &c, nil
	}
	return nil, nil
}

func (r *stubRepo) UpdateLicence(ctx context.Context, userID string, licence *string, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok {
		return repository.ErrNotFound
	}
	p.LicenceNumber = licence
	r.audit(entry)
	return nil
}

func (r *stubRepo) AdvanceIdentityStatus(ctx context.Context, userID string, from, to models.IdentityStatus, at time.Time, entry *models.AuditEntry) (*models.ProProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok || p.IdentityStatus != from {
		return nil, repository.ErrConflict
	}
	p.IdentityStatus = to
	if to == models.IdentityVerified {
		p.VerifiedAt = &at
	}
	r.audit(entry)
	c := *p
	return &c, nil
}

func (r *stubRepo) ListCategories(ctx context.Context) ([]models.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.Category{}
	for _, c := range r.categories {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *stubRepo) GetCategory(ctx context.Context, id string) (*models.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.categories[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (r *stubRepo) GetCategoryByName(ctx context.Context, name string) (*models.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.categories {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) CreateJob(ctx context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobOpen
	}
	job.CreatedAt, job.UpdatedAt = r.now, r.now
	j := *job
	r.jobs[j.ID] = &j
	return nil
}

func (r *stubRepo) GetJob(ctx context.Context, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		c := *j
		return &c, nil
	}
	return nil, nil
}

func (r *stubRepo) ChangeJobCategory(ctx context.Context, jobID, categoryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, b := range r.bids {
		if b.JobID == jobID {
			return repository.ErrConflict
		}
	}
	j.CategoryID = categoryID
	return nil
}

func (r *stubRepo) CreateService(ctx context.Context, svc *models.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	svc.CreatedAt = r.now
	c := *svc
	r.services[c.ID] = &c
	return nil
}

func (r *stubRepo) GetService(ctx context.Context, id string) (*models.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[id]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (r *stubRepo) ListServices(ctx context.Context, proID string) ([]models.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.Service{}
	for _, s := range r.services {
		if (proID == "" && s.IsActive) || (proID != "" && s.ProID == proID) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *stubRepo) UpdateService(ctx context.Context, id string, change repository.ServiceChange) (*models.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if change.CategoryID != nil {
		s.CategoryID = *change.CategoryID
	}
	if change.Name != nil {
		s.Name = *change.Name
	}
	if change.Description != nil {
		s.Description = *change.Description
	}
	if change.BasePrice != nil {
		s.BasePrice = *change.BasePrice
	}
	if change.IsActive != nil {
		s.IsActive = *change.IsActive
	}
	c := *s
	return &c, nil
}

func (r *stubRepo) InsertBidIfGated(ctx context.Context, bid *models.Bid, gate repository.BidGate, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var facts repository.BidFacts
	if j, ok := r.jobs[bid.JobID]; ok {
		job := *j
		facts.Job = &job
		if c, ok := r.categories[job.CategoryID]; ok {
			cat := *c
			facts.Category = &cat
		}
	}
	if p, ok := r.profiles[bid.ProID]; ok {
		if u := r.users[bid.ProID]; u != nil && u.DeletedAt == nil {
			pro := *p
			facts.Pro = &pro
		}
	}
	if err := gate(facts); err != nil {
		return err
	}

	bid.ID = uuid.New().String()
	bid.Status = models.BidPending
	bid.CreatedAt, bid.UpdatedAt = r.now, r.now
	b := *bid
	r.bids[b.ID] = &b
	if entry != nil {
		entry.ResourceID = &bid.ID
	}
	r.audit(entry)
	return nil
}

func (r *stubRepo) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bids[id]; ok {
		c := *b
		return &c, nil
	}
	return nil, nil
}

func (r *stubRepo) ListBidsForJob(ctx context.Context, jobID string) ([]models.Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.Bid{}
	for _, b := range r.bids {
		if b.JobID == jobID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *stubRepo) AcceptBid(ctx context.Context, bidID string, entry *models.AuditEntry) (*models.Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bid, ok := r.bids[bidID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if bid.Status != models.BidPending {
		return nil, repository.ErrConflict
	}
	for _, b := range r.bids {
		if b.JobID == bid.JobID && b.Status == models.BidAccepted {
			return nil, repository.ErrAcceptedBidExists
		}
	}
	bid.Status = models.BidAccepted
	for _, b := range r.bids {
		if b.JobID == bid.JobID && b.ID != bid.ID && b.Status == models.BidPending {
			b.Status = models.BidRejected
		}
	}
	r.jobs[bid.JobID].Status = models.JobArchived
	r.audit(entry)
	c := *bid
	return &c, nil
}

func (r *stubRepo) SetBidStatus(ctx context.Context, bidID string, from, to models.BidStatus, entry *models.AuditEntry) (*models.Bid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bid, ok := r.bids[bidID]
	if !ok || bid.Status != from {
		return nil, repository.ErrConflict
	}
	bid.Status = to
	r.audit(entry)
	c := *bid
	return &c, nil
}

func (r *stubRepo) CreateBooking(ctx context.Context, booking *models.Booking, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	booking.ID = uuid.New().String()
	booking.Status = models.BookingPending
	booking.CreatedAt, booking.UpdatedAt = r.now, r.now
	for i := range booking.StatusHistory {
		booking.StatusHistory[i].At = r.now
	}
	b := *booking
	b.StatusHistory = append(models.StatusHistory{}, booking.StatusHistory...)
	r.bookings[b.ID] = &b
	if entry != nil {
		entry.ResourceID = &booking.ID
	}
	r.audit(entry)
	return nil
}

func (r *stubRepo) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bookings[id]; ok {
		c := *b
		c.StatusHistory = append(models.StatusHistory{}, b.StatusHistory...)
		return &c, nil
	}
	return nil, nil
}

func (r *stubRepo) ListBookings(ctx context.Context, filter repository.BookingFilter) ([]models.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.Booking{}
	for _, b := range r.bookings {
		if filter.ClientID != "" && b.ClientID != filter.ClientID {
			continue
		}
		if filter.ProID != "" && b.ProID != filter.ProID {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (r *stubRepo) ApplyBookingTransition(ctx context.Context, bookingID string, decide repository.TransitionFunc) (*models.Booking, error) {
	r.mu.Lock()
	b, ok := r.bookings[bookingID]
	if !ok {
		r.mu.Unlock()
		return nil, repository.ErrNotFound
	}
	current := *b
	current.StatusHistory = append(models.StatusHistory{}, b.StatusHistory...)
	hook := r.afterRead
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	change, err := decide(&current)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b.Status != current.Status {
		return nil, repository.ErrConflict
	}

	r.now = r.now.Add(time.Second)
	change.Entry.At = r.now
	b.Status = change.Entry.Status
	b.StatusHistory = append(b.StatusHistory, change.Entry)
	switch b.Status {
	case models.BookingConfirmed:
		b.ConfirmedAt = &change.Entry.At
	case models.BookingInProgress:
		b.StartedAt = &change.Entry.At
	case models.BookingCompleted:
		b.CompletedAt = &change.Entry.At
		b.FinalPrice = decimal.NewNullDecimal(b.PriceEstimate)
	case models.BookingCancelled:
		b.CancelledAt = &change.Entry.At
		reason := change.Entry.Reason
		b.CancellationReason = &reason
	}
	r.audit(change.Audit)
	c := *b
	c.StatusHistory = append(models.StatusHistory{}, b.StatusHistory...)
	return &c, nil
}

func (r *stubRepo) CreateLead(ctx context.Context, lead *models.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead.ID = uuid.New().String()
	lead.Status = models.LeadPending
	lead.CreatedAt = r.now
	lead.Total = lead.NetAmount.Add(lead.FederalTax).Add(lead.ProvincialTax)
	l := *lead
	r.leads[l.ID] = &l
	return nil
}

func (r *stubRepo) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leads[id]; ok {
		c := *l
		return &c, nil
	}
	return nil, nil
}

func (r *stubRepo) ListLeads(ctx context.Context, limit int) ([]models.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.Lead{}
	for _, l := range r.leads {
		out = append(out, *l)
	}
	return out, nil
}

func (r *stubRepo) ClaimLeadAndLog(ctx context.Context, event *models.TractionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.LeadID == nil {
		return repository.ErrNotFound
	}
	lead, ok := r.leads[*event.LeadID]
	if !ok {
		return repository.ErrNotFound
	}
	if lead.ClaimedBy != nil && *lead.ClaimedBy != event.ProID {
		return repository.ErrAlreadyClaimed
	}
	if lead.ClaimedBy == nil {
		pro := event.ProID
		lead.ClaimedBy = &pro
		lead.Status = models.LeadClaimed
	}
	r.appendEvent(event)
	return nil
}

func (r *stubRepo) InsertTractionEvent(ctx context.Context, event *models.TractionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.LeadID != nil {
		if _, ok := r.leads[*event.LeadID]; !ok {
			return repository.ErrNotFound
		}
	}
	r.appendEvent(event)
	return nil
}

func (r *stubRepo) appendEvent(event *models.TractionEvent) {
	event.ID = uuid.New().String()
	event.Seq = int64(len(r.events) + 1)
	event.CreatedAt = r.now
	r.events = append(r.events, *event)
}

func (r *stubRepo) TractionSummary(ctx context.Context, recent int) (*models.TractionSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := &models.TractionSummary{ByRegion: map[string]int64{}, TaxesTraced: decimal.Zero}
	for _, l := range r.leads {
		summary.TotalLeads++
		if l.Status == models.LeadClaimed {
			summary.ClaimedLeads++
			summary.TaxesTraced = summary.TaxesTraced.Add(l.FederalTax).Add(l.ProvincialTax)
		}
	}
	summary.TotalEvents = int64(len(r.events))
	return summary, nil
}

func (r *stubRepo) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit(entry)
	return nil
}

func (r *stubRepo) ListAuditForUser(ctx context.Context, userID string, limit int) ([]models.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.AuditEntry{}
	for i := len(r.audits) - 1; i >= 0; i-- {
		if a := r.audits[i]; a.UserID != nil && *a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *stubRepo) TrimAuditLog(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

var errStoreDown = errors.New("store down")
