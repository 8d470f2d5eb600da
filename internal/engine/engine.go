// Package engine implements the mission lifecycle: accept, report, abandon,
// and the reads that surround them. Every transition runs as one store unit
// so its precondition checks and writes land together.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"villagebrain/internal/apperr"
	"villagebrain/internal/domain"
	"villagebrain/internal/rank"
	"villagebrain/internal/store"
)

const xpDivisor = 10

type Engine struct {
	Store        store.Store
	NinjaRanks   rank.Scale
	MissionRanks rank.Scale
	Now          func() time.Time
}

// Options tune engine construction.
type Options struct {
	// AllowDegraded accepts a backend that cannot serialize concurrent
	// units. Accept races become possible under concurrent callers.
	AllowDegraded bool
}

// New builds an engine over s. Backends that cannot run units atomically
// are refused unless opts.AllowDegraded is set.
func New(s store.Store, opts Options) (Engine, error) {
	if !s.Capabilities().AtomicUnits && !opts.AllowDegraded {
		return Engine{}, fmt.Errorf("storage backend does not serialize concurrent units; pass --allow-degraded-store to use it anyway")
	}
	return Engine{
		Store:        s,
		NinjaRanks:   rank.NinjaRanks(),
		MissionRanks: rank.MissionRanks(),
		Now:          time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ListMissions returns one page of missions, newest first, optionally
// filtered by rank requirement and status.
func (e Engine) ListMissions(ctx context.Context, f store.MissionFilters) (store.MissionPage, error) {
	if f.RankRequirement != "" && !e.MissionRanks.Contains(f.RankRequirement) {
		return store.MissionPage{}, apperr.Validation(fmt.Sprintf("unknown rank requirement %q", f.RankRequirement))
	}
	switch f.Status {
	case "", domain.StatusOpen, domain.StatusInProgress, domain.StatusCompleted:
	default:
		return store.MissionPage{}, apperr.Validation(fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	return e.Store.ListMissions(ctx, f)
}

// GetMission returns a single mission by id.
func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return e.Store.GetMission(ctx, id)
}

// MissionCreateOptions are parameters for creating a mission.
type MissionCreateOptions struct {
	ID              string
	Title           string
	Description     string
	RankRequirement string
	Reward          int
}

func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if opts.Title == "" {
		return domain.Mission{}, apperr.Validation("title is required")
	}
	if opts.Reward <= 0 {
		return domain.Mission{}, apperr.Validation("reward must be positive")
	}
	if opts.RankRequirement == "" {
		opts.RankRequirement = e.MissionRanks.Lowest()
	}
	if !e.MissionRanks.Contains(opts.RankRequirement) {
		return domain.Mission{}, apperr.Validation(fmt.Sprintf("unknown rank requirement %q", opts.RankRequirement))
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	ts := e.timestamp()
	m := domain.Mission{
		ID:              opts.ID,
		Title:           opts.Title,
		Description:     opts.Description,
		RankRequirement: opts.RankRequirement,
		Reward:          opts.Reward,
		Status:          domain.StatusOpen,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if err := e.Store.CreateMission(ctx, m); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// AcceptMission assigns an open mission to the ninja. Preconditions run in
// order: the mission must exist, must be open, and the ninja's rank must
// meet the requirement.
func (e Engine) AcceptMission(ctx context.Context, missionID, ninjaID string) (domain.Mission, error) {
	var out domain.Mission
	err := e.Store.RunAtomic(ctx, func(u store.UnitOfWork) error {
		m, err := u.Mission(ctx, missionID)
		if err != nil {
			return err
		}
		if m.Status != domain.StatusOpen {
			return apperr.Conflict("mission unavailable")
		}
		n, err := u.Ninja(ctx, ninjaID)
		if err != nil {
			return err
		}
		ok, err := rank.Eligible(e.NinjaRanks, e.MissionRanks, n.Rank, m.RankRequirement)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Forbidden("rank insufficient")
		}

		ts := e.timestamp()
		if err := u.InsertAssignment(ctx, domain.Assignment{
			MissionID:  missionID,
			NinjaID:    ninjaID,
			AssignedAt: ts,
		}); err != nil {
			return err
		}
		if err := u.SetMissionStatus(ctx, missionID, domain.StatusInProgress, ts); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, u, domain.EventMissionAccepted, missionID, ninjaID, map[string]any{
			"rankRequirement": m.RankRequirement,
		}); err != nil {
			return err
		}
		m.Status = domain.StatusInProgress
		m.UpdatedAt = ts
		out = m
		return nil
	})
	return out, err
}

// ReportOptions carry a completion report.
type ReportOptions struct {
	MissionID   string
	NinjaID     string
	ReportText  string
	EvidenceURL string
}

// SubmitReport completes an in-progress mission held by the ninja and
// grants experience equal to the reward divided by ten, rounded down.
func (e Engine) SubmitReport(ctx context.Context, opts ReportOptions) (domain.Mission, int, error) {
	if opts.ReportText == "" {
		return domain.Mission{}, 0, apperr.Validation("report text is required")
	}
	var (
		out domain.Mission
		xp  int
	)
	err := e.Store.RunAtomic(ctx, func(u store.UnitOfWork) error {
		a, err := u.Assignment(ctx, opts.MissionID, opts.NinjaID)
		if err != nil {
			return err
		}
		if a.ReportText != nil {
			return apperr.Conflict("already completed")
		}
		m, err := u.Mission(ctx, opts.MissionID)
		if err != nil {
			return err
		}

		ts := e.timestamp()
		if err := u.SetAssignmentReport(ctx, opts.MissionID, opts.ReportText, opts.EvidenceURL); err != nil {
			return err
		}
		if err := u.SetMissionStatus(ctx, opts.MissionID, domain.StatusCompleted, ts); err != nil {
			return err
		}
		xp = m.Reward / xpDivisor
		if xp > 0 {
			if err := u.AddExperience(ctx, opts.NinjaID, xp); err != nil {
				return err
			}
		}
		if err := e.appendEvent(ctx, u, domain.EventMissionCompleted, opts.MissionID, opts.NinjaID, map[string]any{
			"experienceGained": xp,
		}); err != nil {
			return err
		}
		m.Status = domain.StatusCompleted
		m.UpdatedAt = ts
		out = m
		return nil
	})
	return out, xp, err
}

// AbandonMission releases an in-progress mission back to open. Completed
// missions cannot be abandoned.
func (e Engine) AbandonMission(ctx context.Context, missionID, ninjaID string) (domain.Mission, error) {
	var out domain.Mission
	err := e.Store.RunAtomic(ctx, func(u store.UnitOfWork) error {
		a, err := u.Assignment(ctx, missionID, ninjaID)
		if err != nil {
			return err
		}
		m, err := u.Mission(ctx, missionID)
		if err != nil {
			return err
		}
		if a.ReportText != nil || m.Status == domain.StatusCompleted {
			return apperr.Conflict("cannot abandon completed mission")
		}

		ts := e.timestamp()
		if err := u.DeleteAssignment(ctx, missionID, ninjaID); err != nil {
			return err
		}
		if err := u.SetMissionStatus(ctx, missionID, domain.StatusOpen, ts); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, u, domain.EventMissionAbandoned, missionID, ninjaID, nil); err != nil {
			return err
		}
		m.Status = domain.StatusOpen
		m.UpdatedAt = ts
		out = m
		return nil
	})
	return out, err
}

// Profile returns a ninja's public record and assignment stats.
func (e Engine) Profile(ctx context.Context, ninjaID string) (domain.Ninja, domain.NinjaStats, error) {
	n, err := e.Store.GetNinja(ctx, ninjaID)
	if err != nil {
		return domain.Ninja{}, domain.NinjaStats{}, err
	}
	st, err := e.Store.NinjaStats(ctx, ninjaID)
	if err != nil {
		return domain.Ninja{}, domain.NinjaStats{}, err
	}
	return n, st, nil
}

func (e Engine) appendEvent(ctx context.Context, u store.UnitOfWork, typ, missionID, actorID string, payload map[string]any) error {
	body := "{}"
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = string(raw)
	}
	return u.AppendEvent(ctx, domain.Event{
		TS:         e.timestamp(),
		Type:       typ,
		EntityKind: "mission",
		EntityID:   missionID,
		ActorID:    actorID,
		Payload:    body,
	})
}
