// Package store defines the persistence contract the mission lifecycle
// engine runs against. A backend executes each named mutation as one unit:
// either all of its reads and writes are visible together, or none are.
package store

import (
	"context"

	"villagebrain/internal/domain"
)

// Capabilities declares what guarantees a backend provides. The isolation
// contract is explicit so callers can refuse a backend that cannot honor it
// instead of silently risking a double-accept race.
type Capabilities struct {
	// AtomicUnits is true when RunAtomic serializes concurrent units
	// touching the same records: a unit's precondition reads observe the
	// committed state of any unit that ran before it.
	AtomicUnits bool
}

// MissionFilters narrows and pages a mission listing.
type MissionFilters struct {
	RankRequirement string
	Status          string
	Page            int
	Limit           int
}

// MissionPage is one page of enriched mission listings plus the unpaged total.
type MissionPage struct {
	Total int
	Items []domain.MissionListing
}

// UnitOfWork is the view a mutation unit operates on. Reads return the
// unit's own authoritative snapshot; writes become visible only when the
// unit commits.
type UnitOfWork interface {
	Mission(ctx context.Context, id string) (domain.Mission, error)
	Ninja(ctx context.Context, id string) (domain.Ninja, error)
	Assignment(ctx context.Context, missionID, ninjaID string) (domain.Assignment, error)
	SetMissionStatus(ctx context.Context, id, status, updatedAt string) error
	InsertAssignment(ctx context.Context, a domain.Assignment) error
	SetAssignmentReport(ctx context.Context, missionID, reportText, evidenceURL string) error
	DeleteAssignment(ctx context.Context, missionID, ninjaID string) error
	AddExperience(ctx context.Context, ninjaID string, amount int) error
	AppendEvent(ctx context.Context, e domain.Event) error
}

// Store is the persistence adapter consumed by the engine.
type Store interface {
	Capabilities() Capabilities

	ListMissions(ctx context.Context, f MissionFilters) (MissionPage, error)
	GetMission(ctx context.Context, id string) (domain.Mission, error)
	GetAssignment(ctx context.Context, missionID, ninjaID string) (domain.Assignment, error)
	GetNinja(ctx context.Context, id string) (domain.Ninja, error)
	GetNinjaByUsername(ctx context.Context, username string) (domain.Ninja, error)
	NinjaStats(ctx context.Context, ninjaID string) (domain.NinjaStats, error)
	LatestEvents(ctx context.Context, limit int) ([]domain.Event, error)

	CreateNinja(ctx context.Context, n domain.Ninja) error
	CreateMission(ctx context.Context, m domain.Mission) error
	RunAtomic(ctx context.Context, fn func(UnitOfWork) error) error

	Close() error
}
