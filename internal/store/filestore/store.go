// Package filestore is the degraded persistence backend: the whole dataset
// lives in one JSON document. A unit's writes reach disk only if the unit
// succeeds, so the file never holds a half-applied unit. What the backend
// cannot do is serialize concurrent units: two units may both read the same
// document and both pass their precondition checks. Capabilities reports
// AtomicUnits=false and callers decide whether that is acceptable.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"villagebrain/internal/apperr"
	"villagebrain/internal/domain"
	"villagebrain/internal/rank"
	"villagebrain/internal/store"
)

// document is the on-disk shape. Records carry their own tags because the
// domain types hide the password hash from API serialization.
type document struct {
	Ninjas      []ninjaRecord       `json:"ninjas"`
	Missions    []domain.Mission    `json:"missions"`
	Assignments []domain.Assignment `json:"assignments"`
	Events      []domain.Event      `json:"events"`
	NextEventID int64               `json:"next_event_id"`
}

type ninjaRecord struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	Rank         string `json:"rank"`
	Experience   int    `json:"experience"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func toNinja(r ninjaRecord) domain.Ninja {
	return domain.Ninja{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Rank:         r.Rank,
		Experience:   r.Experience,
		AvatarURL:    r.AvatarURL,
		CreatedAt:    r.CreatedAt,
	}
}

func toRecord(n domain.Ninja) ninjaRecord {
	return ninjaRecord{
		ID:           n.ID,
		Username:     n.Username,
		PasswordHash: n.PasswordHash,
		Rank:         n.Rank,
		Experience:   n.Experience,
		AvatarURL:    n.AvatarURL,
		CreatedAt:    n.CreatedAt,
	}
}

type Store struct {
	path         string
	mu           sync.Mutex // guards file reads and writes, not units
	ninjaRanks   rank.Scale
	missionRanks rank.Scale
}

// Open creates or opens the document at path.
func Open(path string) (*Store, error) {
	s := &Store{
		path:         path,
		ninjaRanks:   rank.NinjaRanks(),
		missionRanks: rank.MissionRanks(),
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := s.save(&document{NextEventID: 1}); err != nil {
			return nil, err
		}
	}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{AtomicUnits: false}
}

func (s *Store) Close() error { return nil }

func (s *Store) load() (*document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, apperr.StorageUnavailable("read record store", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperr.DataCorruption(fmt.Sprintf("record store is not valid JSON: %v", err))
	}
	if doc.NextEventID == 0 {
		doc.NextEventID = 1
	}
	return &doc, nil
}

// save writes the document through a temp file and rename so a crash
// mid-write cannot leave a truncated store behind.
func (s *Store) save(doc *document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperr.StorageUnavailable("encode record store", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.StorageUnavailable("write record store", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return apperr.StorageUnavailable("replace record store", err)
	}
	return nil
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

func (doc *document) mission(id string) (int, bool) {
	for i := range doc.Missions {
		if doc.Missions[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func (doc *document) assignment(missionID, ninjaID string) (int, bool) {
	for i := range doc.Assignments {
		a := doc.Assignments[i]
		if a.MissionID == missionID && (ninjaID == "" || a.NinjaID == ninjaID) {
			return i, true
		}
	}
	return 0, false
}

func (doc *document) ninja(id string) (int, bool) {
	for i := range doc.Ninjas {
		if doc.Ninjas[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *Store) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	doc, err := s.load()
	if err != nil {
		return domain.Mission{}, err
	}
	i, ok := doc.mission(id)
	if !ok {
		return domain.Mission{}, apperr.NotFound("mission not found")
	}
	m := doc.Missions[i]
	return m, s.validateMission(m)
}

func (s *Store) ListMissions(ctx context.Context, f store.MissionFilters) (store.MissionPage, error) {
	page := store.MissionPage{Items: []domain.MissionListing{}}
	doc, err := s.load()
	if err != nil {
		return page, err
	}

	var matched []domain.Mission
	for _, m := range doc.Missions {
		if err := s.validateMission(m); err != nil {
			return page, err
		}
		if f.RankRequirement != "" && m.RankRequirement != f.RankRequirement {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		matched = append(matched, m)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID > matched[j].ID
	})
	page.Total = len(matched)

	start := (f.Page - 1) * f.Limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	for _, m := range matched[start:end] {
		l := domain.MissionListing{Mission: m}
		if i, ok := doc.assignment(m.ID, ""); ok {
			if j, ok := doc.ninja(doc.Assignments[i].NinjaID); ok {
				n := doc.Ninjas[j]
				l.AssigneeName = &n.Username
				if n.AvatarURL != "" {
					avatar := n.AvatarURL
					l.AssigneeAvatar = &avatar
				}
			}
		}
		page.Items = append(page.Items, l)
	}
	return page, nil
}

func (s *Store) GetAssignment(ctx context.Context, missionID, ninjaID string) (domain.Assignment, error) {
	doc, err := s.load()
	if err != nil {
		return domain.Assignment{}, err
	}
	i, ok := doc.assignment(missionID, ninjaID)
	if !ok {
		return domain.Assignment{}, apperr.NotFound("not assigned")
	}
	return doc.Assignments[i], nil
}

func (s *Store) GetNinja(ctx context.Context, id string) (domain.Ninja, error) {
	doc, err := s.load()
	if err != nil {
		return domain.Ninja{}, err
	}
	i, ok := doc.ninja(id)
	if !ok {
		return domain.Ninja{}, apperr.NotFound("ninja not found")
	}
	n := toNinja(doc.Ninjas[i])
	if _, err := s.ninjaRanks.Index(n.Rank); err != nil {
		return domain.Ninja{}, err
	}
	return n, nil
}

func (s *Store) GetNinjaByUsername(ctx context.Context, username string) (domain.Ninja, error) {
	doc, err := s.load()
	if err != nil {
		return domain.Ninja{}, err
	}
	for _, r := range doc.Ninjas {
		if r.Username == username {
			n := toNinja(r)
			if _, err := s.ninjaRanks.Index(n.Rank); err != nil {
				return domain.Ninja{}, err
			}
			return n, nil
		}
	}
	return domain.Ninja{}, apperr.NotFound("ninja not found")
}

func (s *Store) NinjaStats(ctx context.Context, ninjaID string) (domain.NinjaStats, error) {
	var st domain.NinjaStats
	doc, err := s.load()
	if err != nil {
		return st, err
	}
	for _, a := range doc.Assignments {
		if a.NinjaID != ninjaID {
			continue
		}
		st.TotalAssignments++
		if i, ok := doc.mission(a.MissionID); ok && doc.Missions[i].Status == domain.StatusCompleted {
			st.CompletedMissions++
		}
	}
	return st, nil
}

func (s *Store) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	events := append([]domain.Event(nil), doc.Events...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].ID > events[j].ID })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) CreateNinja(ctx context.Context, n domain.Ninja) error {
	if _, err := s.ninjaRanks.Index(n.Rank); err != nil {
		return err
	}
	doc, err := s.load()
	if err != nil {
		return err
	}
	for _, r := range doc.Ninjas {
		if strings.EqualFold(r.Username, n.Username) {
			return apperr.Validation("username already taken")
		}
	}
	doc.Ninjas = append(doc.Ninjas, toRecord(n))
	return s.save(doc)
}

func (s *Store) CreateMission(ctx context.Context, m domain.Mission) error {
	if err := s.validateMission(m); err != nil {
		return err
	}
	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.mission(m.ID); ok {
		return apperr.Conflict("mission id already exists")
	}
	doc.Missions = append(doc.Missions, m)
	return s.save(doc)
}

// RunAtomic applies fn to an in-memory copy of the document and persists
// only if fn succeeds, so a failed unit leaves no partial writes behind.
// It does not isolate concurrent units: that is the degradation the
// Capabilities flag declares.
func (s *Store) RunAtomic(ctx context.Context, fn func(store.UnitOfWork) error) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(&unit{doc: doc, store: s}); err != nil {
		return err
	}
	return s.save(doc)
}

type unit struct {
	doc   *document
	store *Store
}

func (u *unit) Mission(ctx context.Context, id string) (domain.Mission, error) {
	i, ok := u.doc.mission(id)
	if !ok {
		return domain.Mission{}, apperr.NotFound("mission not found")
	}
	m := u.doc.Missions[i]
	return m, u.store.validateMission(m)
}

func (u *unit) Ninja(ctx context.Context, id string) (domain.Ninja, error) {
	i, ok := u.doc.ninja(id)
	if !ok {
		return domain.Ninja{}, apperr.NotFound("ninja not found")
	}
	n := toNinja(u.doc.Ninjas[i])
	if _, err := u.store.ninjaRanks.Index(n.Rank); err != nil {
		return domain.Ninja{}, err
	}
	return n, nil
}

func (u *unit) Assignment(ctx context.Context, missionID, ninjaID string) (domain.Assignment, error) {
	i, ok := u.doc.assignment(missionID, ninjaID)
	if !ok {
		return domain.Assignment{}, apperr.NotFound("not assigned")
	}
	return u.doc.Assignments[i], nil
}

func (u *unit) SetMissionStatus(ctx context.Context, id, status, updatedAt string) error {
	i, ok := u.doc.mission(id)
	if !ok {
		return apperr.NotFound("mission not found")
	}
	u.doc.Missions[i].Status = status
	u.doc.Missions[i].UpdatedAt = updatedAt
	return nil
}

func (u *unit) InsertAssignment(ctx context.Context, a domain.Assignment) error {
	if _, ok := u.doc.assignment(a.MissionID, ""); ok {
		return apperr.Conflict("mission unavailable")
	}
	u.doc.Assignments = append(u.doc.Assignments, a)
	return nil
}

func (u *unit) SetAssignmentReport(ctx context.Context, missionID, reportText, evidenceURL string) error {
	i, ok := u.doc.assignment(missionID, "")
	if !ok {
		return apperr.NotFound("not assigned")
	}
	u.doc.Assignments[i].ReportText = &reportText
	if evidenceURL != "" {
		u.doc.Assignments[i].EvidenceURL = &evidenceURL
	} else {
		u.doc.Assignments[i].EvidenceURL = nil
	}
	return nil
}

func (u *unit) DeleteAssignment(ctx context.Context, missionID, ninjaID string) error {
	i, ok := u.doc.assignment(missionID, ninjaID)
	if !ok {
		return apperr.NotFound("not assigned")
	}
	u.doc.Assignments = append(u.doc.Assignments[:i], u.doc.Assignments[i+1:]...)
	return nil
}

func (u *unit) AddExperience(ctx context.Context, ninjaID string, amount int) error {
	i, ok := u.doc.ninja(ninjaID)
	if !ok {
		return apperr.NotFound("ninja not found")
	}
	u.doc.Ninjas[i].Experience += amount
	return nil
}

func (u *unit) AppendEvent(ctx context.Context, e domain.Event) error {
	e.ID = u.doc.NextEventID
	u.doc.NextEventID++
	u.doc.Events = append(u.doc.Events, e)
	return nil
}

var _ store.Store = (*Store)(nil)
