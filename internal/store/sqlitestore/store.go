// Package sqlitestore is the transactional persistence backend. Units run
// inside IMMEDIATE transactions, so a unit's precondition check and its
// writes happen under the same write lock and concurrent units on the same
// mission serialize.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"villagebrain/internal/apperr"
	"villagebrain/internal/domain"
	"villagebrain/internal/rank"
	"villagebrain/internal/store"
)

type Store struct {
	DB           *sql.DB
	ninjaRanks   rank.Scale
	missionRanks rank.Scale
}

func New(db *sql.DB) *Store {
	return &Store{
		DB:           db,
		ninjaRanks:   rank.NinjaRanks(),
		missionRanks: rank.MissionRanks(),
	}
}

func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{AtomicUnits: true}
}

func (s *Store) Close() error { return s.DB.Close() }

func storageErr(op string, err error) error {
	return apperr.StorageUnavailable(fmt.Sprintf("%s: storage error", op), err)
}

const missionColumns = `id,title,COALESCE(description,'') AS description,rank_requirement,reward,status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMission(row rowScanner) (domain.Mission, error) {
	var m domain.Mission
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.RankRequirement, &m.Reward, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, apperr.NotFound("mission not found")
	}
	if err != nil {
		return m, storageErr("read mission", err)
	}
	return m, s.validateMission(m)
}

func (s *Store) validateMission(m domain.Mission) error {
	if _, err := s.missionRanks.Index(m.RankRequirement); err != nil {
		return err
	}
	switch m.Status {
	case domain.StatusOpen, domain.StatusInProgress, domain.StatusCompleted:
		return nil
	}
	return apperr.DataCorruption(fmt.Sprintf("unknown mission status %q", m.Status))
}

func (s *Store) validateNinja(n domain.Ninja) error {
	if _, err := s.ninjaRanks.Index(n.Rank); err != nil {
		return err
	}
	return nil
}

func (s *Store) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return s.scanMission(s.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (s *Store) ListMissions(ctx context.Context, f store.MissionFilters) (store.MissionPage, error) {
	var clauses []string
	var args []any
	if f.RankRequirement != "" {
		clauses = append(clauses, "m.rank_requirement=?")
		args = append(args, f.RankRequirement)
	}
	if f.Status != "" {
		clauses = append(clauses, "m.status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	page := store.MissionPage{Items: []domain.MissionListing{}}
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM missions m `+where, args...).Scan(&page.Total); err != nil {
		return page, storageErr("count missions", err)
	}

	query := `SELECT m.id,m.title,COALESCE(m.description,'') AS description,m.rank_requirement,m.reward,m.status,m.created_at,m.updated_at,
n.username,n.avatar_url
FROM missions m
LEFT JOIN assignments a ON a.mission_id=m.id
LEFT JOIN ninjas n ON n.id=a.ninja_id
` + where + `
ORDER BY m.created_at DESC, m.id DESC
LIMIT ? OFFSET ?`
	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return page, storageErr("list missions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.MissionListing
		var name, avatar sql.NullString
		if err := rows.Scan(&l.ID, &l.Title, &l.Description, &l.RankRequirement, &l.Reward, &l.Status, &l.CreatedAt, &l.UpdatedAt, &name, &avatar); err != nil {
			return page, storageErr("scan mission", err)
		}
		if err := s.validateMission(l.Mission); err != nil {
			return page, err
		}
		if name.Valid {
			l.AssigneeName = &name.String
		}
		if avatar.Valid {
			l.AssigneeAvatar = &avatar.String
		}
		page.Items = append(page.Items, l)
	}
	if err := rows.Err(); err != nil {
		return page, storageErr("list missions", err)
	}
	return page, nil
}

func (s *Store) scanNinja(row rowScanner, notFoundMsg string) (domain.Ninja, error) {
	var n domain.Ninja
	var avatar sql.NullString
	err := row.Scan(&n.ID, &n.Username, &n.PasswordHash, &n.Rank, &n.Experience, &avatar, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return n, apperr.NotFound(notFoundMsg)
	}
	if err != nil {
		return n, storageErr("read ninja", err)
	}
	if avatar.Valid {
		n.AvatarURL = avatar.String
	}
	return n, s.validateNinja(n)
}

const ninjaColumns = `id,username,password_hash,rank,experience,avatar_url,created_at`

func (s *Store) GetNinja(ctx context.Context, id string) (domain.Ninja, error) {
	return s.scanNinja(s.DB.QueryRowContext(ctx, `SELECT `+ninjaColumns+` FROM ninjas WHERE id=?`, id), "ninja not found")
}

func (s *Store) GetNinjaByUsername(ctx context.Context, username string) (domain.Ninja, error) {
	return s.scanNinja(s.DB.QueryRowContext(ctx, `SELECT `+ninjaColumns+` FROM ninjas WHERE username=?`, username), "ninja not found")
}

func (s *Store) CreateNinja(ctx context.Context, n domain.Ninja) error {
	if err := s.validateNinja(n); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO ninjas(id,username,password_hash,rank,experience,avatar_url,created_at) VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.Username, n.PasswordHash, n.Rank, n.Experience, nullable(n.AvatarURL), n.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("username already taken")
		}
		return storageErr("insert ninja", err)
	}
	return nil
}

func (s *Store) CreateMission(ctx context.Context, m domain.Mission) error {
	if err := s.validateMission(m); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO missions(id,title,description,rank_requirement,reward,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Title, nullable(m.Description), m.RankRequirement, m.Reward, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return storageErr("insert mission", err)
	}
	return nil
}

func (s *Store) GetAssignment(ctx context.Context, missionID, ninjaID string) (domain.Assignment, error) {
	return scanAssignment(s.DB.QueryRowContext(ctx,
		`SELECT mission_id,ninja_id,assigned_at,report_text,evidence_url FROM assignments WHERE mission_id=? AND ninja_id=?`,
		missionID, ninjaID))
}

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var report, evidence sql.NullString
	err := row.Scan(&a.MissionID, &a.NinjaID, &a.AssignedAt, &report, &evidence)
	if err == sql.ErrNoRows {
		return a, apperr.NotFound("not assigned")
	}
	if err != nil {
		return a, storageErr("read assignment", err)
	}
	if report.Valid {
		a.ReportText = &report.String
	}
	if evidence.Valid {
		a.EvidenceURL = &evidence.String
	}
	return a, nil
}

func (s *Store) NinjaStats(ctx context.Context, ninjaID string) (domain.NinjaStats, error) {
	var st domain.NinjaStats
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM assignments WHERE ninja_id=?`, ninjaID).Scan(&st.TotalAssignments); err != nil {
		return st, storageErr("count assignments", err)
	}
	err := s.DB.QueryRowContext(ctx, `
SELECT count(*)
FROM assignments a
JOIN missions m ON m.id=a.mission_id
WHERE a.ninja_id=? AND m.status=?`, ninjaID, domain.StatusCompleted).Scan(&st.CompletedMissions)
	if err != nil {
		return st, storageErr("count completed missions", err)
	}
	return st, nil
}

func (s *Store) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, storageErr("scan event", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// RunAtomic runs fn inside a single transaction. The connection opens write
// transactions IMMEDIATE, so the unit holds the write lock from its first
// read and concurrent units on the same mission serialize.
func (s *Store) RunAtomic(ctx context.Context, fn func(store.UnitOfWork) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin unit", err)
	}
	defer tx.Rollback()
	if err := fn(&unit{tx: tx, store: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit unit", err)
	}
	return nil
}

type unit struct {
	tx    *sql.Tx
	store *Store
}

func (u *unit) Mission(ctx context.Context, id string) (domain.Mission, error) {
	return u.store.scanMission(u.tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (u *unit) Ninja(ctx context.Context, id string) (domain.Ninja, error) {
	return u.store.scanNinja(u.tx.QueryRowContext(ctx, `SELECT `+ninjaColumns+` FROM ninjas WHERE id=?`, id), "ninja not found")
}

func (u *unit) Assignment(ctx context.Context, missionID, ninjaID string) (domain.Assignment, error) {
	return scanAssignment(u.tx.QueryRowContext(ctx,
		`SELECT mission_id,ninja_id,assigned_at,report_text,evidence_url FROM assignments WHERE mission_id=? AND ninja_id=?`,
		missionID, ninjaID))
}

func (u *unit) SetMissionStatus(ctx context.Context, id, status, updatedAt string) error {
	res, err := u.tx.ExecContext(ctx, `UPDATE missions SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return storageErr("update mission status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("mission not found")
	}
	return nil
}

func (u *unit) InsertAssignment(ctx context.Context, a domain.Assignment) error {
	_, err := u.tx.ExecContext(ctx, `INSERT INTO assignments(mission_id,ninja_id,assigned_at,report_text,evidence_url) VALUES (?,?,?,?,?)`,
		a.MissionID, a.NinjaID, a.AssignedAt, nullableStringPtr(a.ReportText), nullableStringPtr(a.EvidenceURL))
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("mission unavailable")
		}
		return storageErr("insert assignment", err)
	}
	return nil
}

func (u *unit) SetAssignmentReport(ctx context.Context, missionID, reportText, evidenceURL string) error {
	res, err := u.tx.ExecContext(ctx, `UPDATE assignments SET report_text=?, evidence_url=? WHERE mission_id=?`,
		reportText, nullable(evidenceURL), missionID)
	if err != nil {
		return storageErr("update assignment report", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("not assigned")
	}
	return nil
}

func (u *unit) DeleteAssignment(ctx context.Context, missionID, ninjaID string) error {
	res, err := u.tx.ExecContext(ctx, `DELETE FROM assignments WHERE mission_id=? AND ninja_id=?`, missionID, ninjaID)
	if err != nil {
		return storageErr("delete assignment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("not assigned")
	}
	return nil
}

func (u *unit) AddExperience(ctx context.Context, ninjaID string, amount int) error {
	res, err := u.tx.ExecContext(ctx, `UPDATE ninjas SET experience=experience+? WHERE id=?`, amount, ninjaID)
	if err != nil {
		return storageErr("add experience", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("ninja not found")
	}
	return nil
}

func (u *unit) AppendEvent(ctx context.Context, e domain.Event) error {
	_, err := u.tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		e.TS, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, e.Payload)
	if err != nil {
		return storageErr("append event", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

var _ store.Store = (*Store)(nil)
