package server

import "villagebrain/internal/domain"

type MissionListResponse struct {
	Total int                     `json:"total"`
	Page  int                     `json:"page"`
	Limit int                     `json:"limit"`
	Data  []domain.MissionListing `json:"data"`
}

type MissionActionResponse struct {
	Message string          `json:"message"`
	Mission *domain.Mission `json:"mission,omitempty"`
}

type ReportRequest struct {
	ReportText       string `json:"reportText" minLength:"1"`
	EvidenceImageURL string `json:"evidenceImageUrl,omitempty" required:"false"`
}

type ReportResponse struct {
	Message          string          `json:"message"`
	ExperienceGained int             `json:"experienceGained"`
	Mission          *domain.Mission `json:"mission,omitempty"`
}

type StatsResponse struct {
	Profile domain.Ninja      `json:"profile"`
	Stats   domain.NinjaStats `json:"stats"`
}

type RegisterRequest struct {
	Username string `json:"username" minLength:"3"`
	Password string `json:"password" minLength:"6"`
	Rank     string `json:"rank,omitempty" required:"false" enum:"Academy,Genin,Chunin,Jonin,Kage"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	Ninja domain.Ninja `json:"ninja"`
}
