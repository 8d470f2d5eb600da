package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"villagebrain/internal/apperr"
	"villagebrain/internal/db"
	"villagebrain/internal/domain"
	"villagebrain/internal/engine"
	"villagebrain/internal/migrate"
	"villagebrain/internal/store"
	"villagebrain/internal/store/sqlitestore"
)

type testEnv struct {
	Engine engine.Engine
	DB     *sql.DB
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(sqlitestore.New(conn), engine.Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env := &testEnv{Engine: eng, DB: conn, Ctx: context.Background()}
	// Each call advances the clock so created_at ordering is deterministic.
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int64
	env.Engine.Now = func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second)
	}
	return env
}

func (env *testEnv) seedNinja(t *testing.T, username, rank string) domain.Ninja {
	t.Helper()
	n := domain.Ninja{
		ID:        uuid.NewString(),
		Username:  username,
		Rank:      rank,
		CreatedAt: "2024-01-01T00:00:00Z",
	}
	if err := env.Engine.Store.CreateNinja(env.Ctx, n); err != nil {
		t.Fatalf("seed ninja %s: %v", username, err)
	}
	return n
}

func (env *testEnv) seedMission(t *testing.T, title, rankReq string, reward int) domain.Mission {
	t.Helper()
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		Title:           title,
		RankRequirement: rankReq,
		Reward:          reward,
	})
	if err != nil {
		t.Fatalf("seed mission %s: %v", title, err)
	}
	return m
}

func (env *testEnv) assignmentCount(t *testing.T, missionID string) int {
	t.Helper()
	var n int
	if err := env.DB.QueryRow(`SELECT count(*) FROM assignments WHERE mission_id=?`, missionID).Scan(&n); err != nil {
		t.Fatalf("count assignments: %v", err)
	}
	return n
}

func TestAcceptMission(t *testing.T) {
	env := newTestEnv(t)
	ninja := env.seedNinja(t, "iruka", "Chunin")
	mission := env.seedMission(t, "Patrol the gates", "C", 100)

	got, err := env.Engine.AcceptMission(env.Ctx, mission.ID, ninja.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %q, want in_progress", got.Status)
	}
	if n := env.assignmentCount(t, mission.ID); n != 1 {
		t.Fatalf("assignment count = %d, want 1", n)
	}

	// The same mission cannot be accepted again, by anyone.
	other := env.seedNinja(t, "kakashi", "Jonin")
	_, err = env.Engine.AcceptMission(env.Ctx, mission.ID, other.ID)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second accept: got %v, want conflict", err)
	}
	if n := env.assignmentCount(t, mission.ID); n != 1 {
		t.Fatalf("assignment count after conflict = %d, want 1", n)
	}
}

func TestAcceptMissionRankGate(t *testing.T) {
	env := newTestEnv(t)
	ninja := env.seedNinja(t, "naruto", "Genin")
	mission := env.seedMission(t, "Assassinate a warlord", "S", 1000)

	for i := 0; i < 3; i++ {
		_, err := env.Engine.AcceptMission(env.Ctx, mission.ID, ninja.ID)
		if !errors.Is(err, apperr.ErrForbidden) {
			t.Fatalf("attempt %d: got %v, want forbidden", i, err)
		}
	}
	m, err := env.Engine.GetMission(env.Ctx, mission.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.StatusOpen {
		t.Fatalf("status mutated to %q by forbidden accepts", m.Status)
	}
	if n := env.assignmentCount(t, mission.ID); n != 0 {
		t.Fatalf("assignment count = %d, want 0", n)
	}
}

func TestAcceptMissionNotFound(t *testing.T) {
	env := newTestEnv(t)
	ninja := env.seedNinja(t, "sakura", "Chunin")
	_, err := env.Engine.AcceptMission(env.Ctx, "no-such-mission", ninja.ID)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestSubmitReportExperience(t *testing.T) {
	cases := []struct {
		reward int
		wantXP int
	}{
		{100, 10},
		{55, 5},
		{5, 0},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("reward-%d", c.reward), func(t *testing.T) {
			env := newTestEnv(t)
			ninja := env.seedNinja(t, "shikamaru", "Jonin")
			mission := env.seedMission(t, "Escort duty", "B", c.reward)
			if _, err := env.Engine.AcceptMission(env.Ctx, mission.ID, ninja.ID); err != nil {
				t.Fatalf("accept: %v", err)
			}
			m, xp, err := env.Engine.SubmitReport(env.Ctx, engine.ReportOptions{
				MissionID:  mission.ID,
				NinjaID:    ninja.ID,
				ReportText: "done without incident",
			})
			if err != nil {
				t.Fatalf("report: %v", err)
			}
			if xp != c.wantXP {
				t.Fatalf("xp = %d, want %d", xp, c.wantXP)
			}
			if m.Status != domain.StatusCompleted {
				t.Fatalf("status = %q, want completed", m.Status)
			}
			n, err := env.Engine.Store.GetNinja(env.Ctx, ninja.ID)
			if err != nil {
				t.Fatal(err)
			}
			if n.Experience != c.wantXP {
				t.Fatalf("stored experience = %d, want %d", n.Experience, c.wantXP)
			}
		})
	}
}

func TestSubmitReportTwice(t *testing.T) {
	env := newTestEnv(t)
	ninja := env.seedNinja(t, "choji", "Chunin")
	mission := env.seedMission(t, "Guard the granary", "C", 80)
	if _, err := env.Engine.AcceptMission(env.Ctx, mission.ID, ninja.ID); err != nil {
		t.Fatal(err)
	}
	opts := engine.ReportOptions{MissionID: mission.ID, NinjaID: ninja.ID, ReportText: "all clear"}
	if _, _, err := env.Engine.SubmitReport(env.Ctx, opts); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if _, _, err := env.Engine.SubmitReport(env.Ctx, opts); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second report: got %v, want conflict", err)
	}
	n, err := env.Engine.Store.GetNinja(env.Ctx, ninja.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n.Experience != 8 {
		t.Fatalf("experience granted twice: %d", n.Experience)
	}
}

func TestSubmitReportRequiresAssignment(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedNinja(t, "ino", "Chunin")
	outsider := env.seedNinja(t, "kiba", "Chunin")
	mission := env.seedMission(t, "Track a missing cat", "D", 30)
	if _, err := env.Engine.AcceptMission(env.Ctx, mission.ID, owner.ID); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.SubmitReport(env.Ctx, engine.ReportOptions{
		MissionID:  mission.ID,
		NinjaID:    outsider.ID,
		ReportText: "I found it",
	})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestAbandonRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	first := env.seedNinja(t, "neji", "Jonin")
	second := env.seedNinja(t, "lee", "Chunin")
	mission := env.seedMission(t, "Deliver a scroll", "C", 60)

	if _, err := env.Engine.AcceptMission(env.Ctx, mission.ID, first.ID); err != nil {
		t.Fatal(err)
	}
	m, err := env.Engine.AbandonMission(env.Ctx, mission.ID, first.ID)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if m.Status != domain.StatusOpen {
		t.Fatalf("status = %q, want open", m.Status)
	}
	if n := env.assignmentCount(t, mission.ID); n != 0 {
		t.Fatalf("residual assignments = %d", n)
	}
	if _, err := env.Engine.AcceptMission(env.Ctx, mission.ID, second.ID); err != nil {
		t.Fatalf("re-accept by another ninja: %v", err)
	}
}

func TestAbandonCompletedMission(t *testing.T) {
	env := newTestEnv(t)
	ninja := env.seedNinja(t, "tenten", "Chunin")
	mission := env.seedMission(t, "Sharpen the armory", "D", 20)
	if _, err := env.Engine.AcceptMission(env.Ctx, mission.ID, ninja.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.SubmitReport(env.Ctx, engine.ReportOptions{
		MissionID:  mission.ID,
		NinjaID:    ninja.ID,
		ReportText: "every blade gleams",
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AbandonMission(env.Ctx, mission.ID, ninja.ID)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("got %v, want conflict", err)
	}
}

func TestAbandonRequiresAssignment(t *testing.T) {
	env := newTestEnv(t)
	ninja := env.seedNinja(t, "hinata", "Chunin")
	mission := env.seedMission(t, "Night watch", "D", 20)
	_, err := env.Engine.AbandonMission(env.Ctx, mission.ID, ninja.ID)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestConcurrentAccepts(t *testing.T) {
	env := newTestEnv(t)
	mission := env.seedMission(t, "Contested contract", "D", 50)

	const callers = 8
	ninjas := make([]domain.Ninja, callers)
	for i := range ninjas {
		ninjas[i] = env.seedNinja(t, fmt.Sprintf("ninja-%d", i), "Genin")
	}

	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.Engine.AcceptMission(env.Ctx, mission.ID, ninjas[i].ID)
		}(i)
	}
	wg.Wait()

	var successes, conflicts int
	for i, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, apperr.ErrConflict):
			conflicts++
		default:
			t.Fatalf("caller %d: unexpected error %v", i, err)
		}
	}
	if successes != 1 || conflicts != callers-1 {
		t.Fatalf("successes = %d, conflicts = %d, want 1 and %d", successes, conflicts, callers-1)
	}
	if n := env.assignmentCount(t, mission.ID); n != 1 {
		t.Fatalf("assignment count = %d, want exactly 1", n)
	}
}

func TestListMissions(t *testing.T) {
	env := newTestEnv(t)
	ninja := env.seedNinja(t, "iruka", "Kage")
	a := env.seedMission(t, "first", "C", 10)
	b := env.seedMission(t, "second", "D", 10)
	c := env.seedMission(t, "third", "C", 10)

	// Newest first.
	page, err := env.Engine.ListMissions(env.Ctx, store.MissionFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 3 {
		t.Fatalf("total = %d, items = %d", page.Total, len(page.Items))
	}
	if page.Items[0].ID != c.ID || page.Items[1].ID != b.ID || page.Items[2].ID != a.ID {
		t.Fatalf("unexpected order: %s %s %s", page.Items[0].ID, page.Items[1].ID, page.Items[2].ID)
	}

	// Rank filter.
	page, err = env.Engine.ListMissions(env.Ctx, store.MissionFilters{RankRequirement: "C"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Fatalf("rank=C total = %d, want 2", page.Total)
	}
	for _, m := range page.Items {
		if m.RankRequirement != "C" {
			t.Fatalf("rank filter leaked %q", m.RankRequirement)
		}
	}

	// Pagination: page 2 of size 1 is the second-newest mission.
	page, err = env.Engine.ListMissions(env.Ctx, store.MissionFilters{Page: 2, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Items) != 1 || page.Items[0].ID != b.ID {
		t.Fatalf("page 2 limit 1: total=%d items=%d", page.Total, len(page.Items))
	}

	// Assignee enrichment.
	if _, err := env.Engine.AcceptMission(env.Ctx, b.ID, ninja.ID); err != nil {
		t.Fatal(err)
	}
	page, err = env.Engine.ListMissions(env.Ctx, store.MissionFilters{Status: domain.StatusInProgress})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("in_progress items = %d", len(page.Items))
	}
	if page.Items[0].AssigneeName == nil || *page.Items[0].AssigneeName != "iruka" {
		t.Fatalf("assignee enrichment missing: %+v", page.Items[0])
	}

	// Unknown filter values are validation errors.
	if _, err := env.Engine.ListMissions(env.Ctx, store.MissionFilters{RankRequirement: "Z"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("got %v, want validation", err)
	}
	if _, err := env.Engine.ListMissions(env.Ctx, store.MissionFilters{Status: "paused"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("got %v, want validation", err)
	}
}

func TestProfileStats(t *testing.T) {
	env := newTestEnv(t)
	ninja := env.seedNinja(t, "gaara", "Kage")
	done := env.seedMission(t, "Defend the village", "S", 500)
	open := env.seedMission(t, "Sand duty", "D", 10)

	if _, err := env.Engine.AcceptMission(env.Ctx, done.ID, ninja.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.SubmitReport(env.Ctx, engine.ReportOptions{
		MissionID:  done.ID,
		NinjaID:    ninja.ID,
		ReportText: "village stands",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptMission(env.Ctx, open.ID, ninja.ID); err != nil {
		t.Fatal(err)
	}

	n, st, err := env.Engine.Profile(env.Ctx, ninja.ID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if n.Experience != 50 {
		t.Fatalf("experience = %d, want 50", n.Experience)
	}
	if st.TotalAssignments != 2 || st.CompletedMissions != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	ninja := env.seedNinja(t, "shino", "Chunin")
	mission := env.seedMission(t, "Bug collection", "D", 40)

	if _, err := env.Engine.AcceptMission(env.Ctx, mission.ID, ninja.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AbandonMission(env.Ctx, mission.ID, ninja.ID); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Store.LatestEvents(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	// Newest first.
	if events[0].Type != domain.EventMissionAbandoned || events[1].Type != domain.EventMissionAccepted {
		t.Fatalf("event order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].EntityID != mission.ID || events[0].ActorID != ninja.ID {
		t.Fatalf("event attribution: %+v", events[0])
	}
}

// checkInvariants verifies the state machine's structural invariants: an
// open mission has no assignment, an in-progress mission has exactly one
// unreported assignment, a completed mission has exactly one reported
// assignment, and each ninja's experience equals the summed floor(reward/10)
// of the completed missions they hold.
func (env *testEnv) checkInvariants(t *testing.T) {
	t.Helper()
	page, err := env.Engine.ListMissions(env.Ctx, store.MissionFilters{Limit: 100})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	earned := map[string]int{}
	for _, m := range page.Items {
		var count int
		var report sql.NullString
		var ninjaID string
		err := env.DB.QueryRow(`SELECT count(*) FROM assignments WHERE mission_id=?`, m.ID).Scan(&count)
		if err != nil {
			t.Fatal(err)
		}
		if count > 0 {
			err = env.DB.QueryRow(`SELECT ninja_id, report_text FROM assignments WHERE mission_id=?`, m.ID).Scan(&ninjaID, &report)
			if err != nil {
				t.Fatal(err)
			}
		}
		switch m.Status {
		case domain.StatusOpen:
			if count != 0 {
				t.Fatalf("open mission %s has %d assignments", m.ID, count)
			}
		case domain.StatusInProgress:
			if count != 1 || report.Valid {
				t.Fatalf("in_progress mission %s: assignments=%d reported=%v", m.ID, count, report.Valid)
			}
		case domain.StatusCompleted:
			if count != 1 || !report.Valid {
				t.Fatalf("completed mission %s: assignments=%d reported=%v", m.ID, count, report.Valid)
			}
			earned[ninjaID] += m.Reward / 10
		default:
			t.Fatalf("mission %s has status %q", m.ID, m.Status)
		}
	}
	rows, err := env.DB.Query(`SELECT id, experience FROM ninjas`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var xp int
		if err := rows.Scan(&id, &xp); err != nil {
			t.Fatal(err)
		}
		if xp != earned[id] {
			t.Fatalf("ninja %s experience = %d, want %d", id, xp, earned[id])
		}
	}
}

func TestInvariantsHoldAcrossOperationSequences(t *testing.T) {
	env := newTestEnv(t)
	strong := env.seedNinja(t, "strong", "Kage")
	weak := env.seedNinja(t, "weak", "Academy")
	easy := env.seedMission(t, "easy", "D", 35)
	hard := env.seedMission(t, "hard", "A", 120)
	spare := env.seedMission(t, "spare", "D", 5)

	steps := []func() error{
		func() error { _, err := env.Engine.AcceptMission(env.Ctx, easy.ID, weak.ID); return err },
		func() error { _, err := env.Engine.AcceptMission(env.Ctx, hard.ID, weak.ID); return err },   // forbidden
		func() error { _, err := env.Engine.AcceptMission(env.Ctx, easy.ID, strong.ID); return err }, // conflict
		func() error { _, err := env.Engine.AbandonMission(env.Ctx, easy.ID, weak.ID); return err },
		func() error { _, err := env.Engine.AcceptMission(env.Ctx, easy.ID, strong.ID); return err },
		func() error { _, err := env.Engine.AcceptMission(env.Ctx, hard.ID, strong.ID); return err }, // second active mission is allowed
		func() error {
			_, _, err := env.Engine.SubmitReport(env.Ctx, engine.ReportOptions{MissionID: easy.ID, NinjaID: strong.ID, ReportText: "done"})
			return err
		},
		func() error {
			_, _, err := env.Engine.SubmitReport(env.Ctx, engine.ReportOptions{MissionID: easy.ID, NinjaID: strong.ID, ReportText: "done again"})
			return err // conflict
		},
		func() error { _, err := env.Engine.AbandonMission(env.Ctx, easy.ID, strong.ID); return err }, // conflict
		func() error { _, err := env.Engine.AcceptMission(env.Ctx, spare.ID, weak.ID); return err },
		func() error {
			_, _, err := env.Engine.SubmitReport(env.Ctx, engine.ReportOptions{MissionID: spare.ID, NinjaID: weak.ID, ReportText: "swept"})
			return err
		},
	}
	for i, step := range steps {
		err := step()
		if err != nil && !errors.Is(err, apperr.ErrConflict) && !errors.Is(err, apperr.ErrForbidden) {
			t.Fatalf("step %d: unexpected error %v", i, err)
		}
		env.checkInvariants(t)
	}

	// Final state spot checks: easy completed by strong (3 xp), spare
	// completed by weak (0 xp), hard still held by strong.
	n, err := env.Engine.Store.GetNinja(env.Ctx, strong.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n.Experience != 3 {
		t.Fatalf("strong experience = %d, want 3", n.Experience)
	}
	n, err = env.Engine.Store.GetNinja(env.Ctx, weak.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n.Experience != 0 {
		t.Fatalf("weak experience = %d, want 0", n.Experience)
	}
}

func TestCreateMissionValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Reward: 10}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("missing title: %v", err)
	}
	if _, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "x", Reward: 0}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("zero reward: %v", err)
	}
	if _, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "x", Reward: 10, RankRequirement: "Z"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("bad rank: %v", err)
	}
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "defaulted", Reward: 10})
	if err != nil {
		t.Fatal(err)
	}
	if m.RankRequirement != "D" || m.Status != domain.StatusOpen {
		t.Fatalf("defaults: %+v", m)
	}
}
