package service

import (
	"context"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/database"
)

type membershipReader interface {
	States(entityID string) []domain.MembershipRecord
}

type LocationService struct {
	repo        database.LocationRepository
	memberships membershipReader
}

func NewLocationService(repo database.LocationRepository, memberships membershipReader) *LocationService {
	return &LocationService{repo: repo, memberships: memberships}
}

func (s *LocationService) SaveLocation(ctx context.Context, ping *domain.LocationPing) error {
	return s.repo.Insert(ctx, ping)
}

func (s *LocationService) GetLatest(ctx context.Context, entityID string) (*domain.LocationPing, error) {
	return s.repo.GetLatest(ctx, entityID)
}

func (s *LocationService) GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.LocationPing, error) {
	return s.repo.GetHistory(ctx, query)
}

func (s *LocationService) GetAllEntities(ctx context.Context) ([]domain.Entity, error) {
	return s.repo.GetAllEntities(ctx)
}

// GetMemberships returns the live membership state of the entity.
func (s *LocationService) GetMemberships(entityID string) []domain.MembershipRecord {
	return s.memberships.States(entityID)
}
