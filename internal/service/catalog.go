package service

import (
	"context"
	"strings"

	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/repository"
)

func (s *DefaultService) ListCategories(ctx context.Context) ([]models.Category, error) {
	categories, err := s.repo.ListCategories(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	return categories, nil
}

// knownCategory returns a validation error unless id names a category.
func (s *DefaultService) knownCategory(ctx context.Context, id string) error {
	category, err := s.repo.GetCategory(ctx, id)
	if err != nil {
		return storeErr(err)
	}
	if category == nil {
		return fieldError("categoryId", "unknown category")
	}
	return nil
}

func (s *DefaultService) CreateJob(ctx context.Context, actor models.Actor, req models.CreateJobRequest) (*models.Job, error) {
	if actor.Role == models.RolePro {
		return nil, forbidden("jobs are posted by clients")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if err := s.knownCategory(ctx, req.CategoryID); err != nil {
		return nil, err
	}

	job := &models.Job{
		ClientID:     actor.UserID,
		CategoryID:   req.CategoryID,
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		Location:     strings.TrimSpace(req.Location),
		ClientBudget: req.ClientBudget.Round(2),
		BudgetType:   models.BudgetType(req.BudgetType),
		Status:       models.JobOpen,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, storeErr(err)
	}
	return job, nil
}

func (s *DefaultService) loadJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, storeErr(err)
	}
	if job == nil {
		return nil, notFound("job")
	}
	return job, nil
}

// ownedJob loads a job the actor owns, or any job for admins.
func (s *DefaultService) ownedJob(ctx context.Context, actor models.Actor, jobID string) (*models.Job, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.ClientID != actor.UserID && !actor.IsAdmin() {
		return nil, forbidden("only the job owner may do this")
	}
	return job, nil
}

func (s *DefaultService) GetJob(ctx context.Context, actor models.Actor, jobID string) (*models.Job, error) {
	return s.loadJob(ctx, jobID)
}

// ChangeJobCategory is refused once the job has received a bid.
func (s *DefaultService) ChangeJobCategory(ctx context.Context, actor models.Actor, jobID string, req models.ChangeJobCategoryRequest) (*models.Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if _, err := s.ownedJob(ctx, actor, jobID); err != nil {
		return nil, err
	}
	if err := s.knownCategory(ctx, req.CategoryID); err != nil {
		return nil, err
	}
	if err := s.repo.ChangeJobCategory(ctx, jobID, req.CategoryID); err != nil {
		return nil, storeErr(err)
	}
	return s.loadJob(ctx, jobID)
}

func (s *DefaultService) CreateService(ctx context.Context, actor models.Actor, req models.CreateServiceRequest) (*models.Service, error) {
	if actor.Role != models.RolePro {
		return nil, forbidden("services are published by pros")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if _, err := s.ownProfile(ctx, actor); err != nil {
		return nil, err
	}
	if err := s.knownCategory(ctx, req.CategoryID); err != nil {
		return nil, err
	}

	svc := &models.Service{
		ProID:       actor.UserID,
		CategoryID:  req.CategoryID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		BasePrice:   req.BasePrice.Round(2),
		IsActive:    true,
	}
	if err := s.repo.CreateService(ctx, svc); err != nil {
		return nil, storeErr(err)
	}
	return svc, nil
}

// ownedService loads a service the actor publishes, or any service for admins.
func (s *DefaultService) ownedService(ctx context.Context, actor models.Actor, serviceID string) (*models.Service, error) {
	svc, err := s.repo.GetService(ctx, serviceID)
	if err != nil {
		return nil, storeErr(err)
	}
	if svc == nil {
		return nil, notFound("service")
	}
	if svc.ProID != actor.UserID && !actor.IsAdmin() {
		return nil, forbidden("only the publishing pro may change this service")
	}
	return svc, nil
}

func (s *DefaultService) UpdateService(ctx context.Context, actor models.Actor, serviceID string, req models.UpdateServiceRequest) (*models.Service, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	change := repository.ServiceChange{
		CategoryID:  req.CategoryID,
		Description: req.Description,
		IsActive:    req.IsActive,
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fieldError("name", "must not be empty")
		}
		change.Name = &name
	}
	if req.BasePrice != nil {
		price := req.BasePrice.Round(2)
		change.BasePrice = &price
	}
	if change == (repository.ServiceChange{}) {
		return nil, fieldError("body", "at least one field is required")
	}

	if _, err := s.ownedService(ctx, actor, serviceID); err != nil {
		return nil, err
	}
	if change.CategoryID != nil {
		if err := s.knownCategory(ctx, *change.CategoryID); err != nil {
			return nil, err
		}
	}
	svc, err := s.repo.UpdateService(ctx, serviceID, change)
	if err != nil {
		return nil, storeErr(err)
	}
	return svc, nil
}

// DeactivateService hides a service from the catalogue. Bookings keep their reference.
func (s *DefaultService) DeactivateService(ctx context.Context, actor models.Actor, serviceID string) (*models.Service, error) {
	if _, err := s.ownedService(ctx, actor, serviceID); err != nil {
		return nil, err
	}
	inactive := false
	svc, err := s.repo.UpdateService(ctx, serviceID, repository.ServiceChange{IsActive: &inactive})
	if err != nil {
		return nil, storeErr(err)
	}
	return svc, nil
}

// ListServices returns a pro's services, or every active one when proID is empty.
func (s *DefaultService) ListServices(ctx context.Context, actor models.Actor, proID string) ([]models.Service, error) {
	services, err := s.repo.ListServices(ctx, proID)
	if err != nil {
		return nil, storeErr(err)
	}
	return services, nil
}
