package service

import (
	"context"
	"strings"
	"time"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/repository"
)

const defaultCurrency = "RUB"

// PlanService manages the credit packages offered at checkout.
type PlanService struct {
	db   *database.DB
	repo *repository.PlanRepository
	now  func() time.Time
}

type CreatePlanInput struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Currency        string `json:"currency"`
	PriceMinorUnits int    `json:"price_minor_units"`
	Credits         int64  `json:"credits"`
	IsActive        *bool  `json:"is_active"`
}

type UpdatePlanInput struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	Currency        *string `json:"currency"`
	PriceMinorUnits *int    `json:"price_minor_units"`
	Credits         *int64  `json:"credits"`
	IsActive        *bool   `json:"is_active"`
}

func NewPlanService(db *database.DB, repo *repository.PlanRepository) *PlanService {
	return &PlanService{db: db, repo: repo, now: utcNow}
}

func (s *PlanService) List(ctx context.Context, activeOnly bool) ([]models.Plan, error) {
	return s.repo.List(ctx, activeOnly)
}

func (s *PlanService) Create(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return nil, invalid("title", "is required")
	}
	if input.Currency == "" {
		input.Currency = defaultCurrency
	}
	if input.PriceMinorUnits <= 0 {
		return nil, invalid("price_minor_units", "must be positive")
	}
	if input.Credits <= 0 {
		return nil, invalid("credits", "must be positive")
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	now := s.now()
	plan := models.Plan{
		Title:           input.Title,
		Description:     input.Description,
		Currency:        strings.ToUpper(input.Currency),
		PriceMinorUnits: input.PriceMinorUnits,
		Credits:         input.Credits,
		IsActive:        isActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return s.repo.Create(ctx, &plan)
}

func (s *PlanService) Update(ctx context.Context, id int64, input UpdatePlanInput) (*models.Plan, error) {
	existing, err := s.repo.GetByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, notFound("plan")
	}
	if input.Title != nil && strings.TrimSpace(*input.Title) != "" {
		existing.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		existing.Description = *input.Description
	}
	if input.Currency != nil && *input.Currency != "" {
		existing.Currency = strings.ToUpper(*input.Currency)
	}
	if input.PriceMinorUnits != nil && *input.PriceMinorUnits > 0 {
		existing.PriceMinorUnits = *input.PriceMinorUnits
	}
	if input.Credits != nil && *input.Credits > 0 {
		existing.Credits = *input.Credits
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	existing.UpdatedAt = s.now()
	return s.repo.Update(ctx, existing)
}

func (s *PlanService) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	return s.repo.GetByID(ctx, s.db, id)
}
