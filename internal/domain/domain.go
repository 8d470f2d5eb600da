package domain

// Mission lifecycle statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Event types recorded by lifecycle transitions.
const (
	EventMissionAccepted  = "mission.accepted"
	EventMissionCompleted = "mission.completed"
	EventMissionAbandoned = "mission.abandoned"
)

type Ninja struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Rank         string `json:"rank" enum:"Academy,Genin,Chunin,Jonin,Kage"`
	Experience   int    `json:"experiencePoints"`
	AvatarURL    string `json:"avatarUrl,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Mission struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	RankRequirement string `json:"rankRequirement" enum:"D,C,B,A,S"`
	Reward          int    `json:"reward"`
	Status          string `json:"status" enum:"open,in_progress,completed"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type Assignment struct {
	MissionID   string  `json:"mission_id"`
	NinjaID     string  `json:"ninja_id"`
	AssignedAt  string  `json:"assigned_at" format:"date-time"`
	ReportText  *string `json:"report_text,omitempty"`
	EvidenceURL *string `json:"evidence_url,omitempty"`
}

// MissionListing is a mission enriched with the assignee's public fields
// when an assignment exists.
type MissionListing struct {
	Mission
	AssigneeName   *string `json:"acceptedByNinjaName,omitempty"`
	AssigneeAvatar *string `json:"acceptedByNinjaAvatar,omitempty"`
}

type NinjaStats struct {
	TotalAssignments  int `json:"totalAssignments"`
	CompletedMissions int `json:"completedMissions"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
