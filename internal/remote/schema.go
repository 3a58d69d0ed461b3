package remote

import (
	"campaign-pipeline/internal/models"
)

// APIVersion tags the wire schema below; it is sent with every request.
const APIVersion = "v1"

// StageName identifies a stage submission endpoint on the service.
type StageName string

const (
	StageProductInfo StageName = "product-info"
	StageResearch    StageName = "research"
	StageIdeas       StageName = "generate-ideas"
	StageGeneration  StageName = "generate-ads"
)

// ResearchRequest is the research stage payload.
type ResearchRequest struct {
	SessionID         string   `json:"session_id"`
	CompanyWebsite    string   `json:"company_website,omitempty"`
	AdditionalSources []string `json:"additional_sources,omitempty"`
}

// GenerateIdeasRequest asks for candidate ideas.
type GenerateIdeasRequest struct {
	SessionID     string               `json:"session_id"`
	Customization models.Customization `json:"customization"`
}

// GenerateAdsRequest submits the selected ideas for generation.
type GenerateAdsRequest struct {
	SessionID         string   `json:"session_id"`
	SelectedIdeaIDs   []string `json:"selected_idea_ids"`
	VariationsPerIdea int      `json:"variations_per_idea"`
}

type productInfoResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	NextStep  string `json:"next_step"`
}

type researchResponse struct {
	SessionID string                 `json:"session_id"`
	Summary   models.ResearchSummary `json:"summary"`
}

type generateIdeasResponse struct {
	SessionID string          `json:"session_id"`
	Ideas     []models.AdIdea `json:"ideas"`
}

type generateAdsResponse struct {
	JobIDs        []string `json:"job_ids"`
	EstimatedTime int      `json:"estimated_time"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// StageResult is the union of what stage submissions return. Only the fields
// relevant to the submitted stage are set.
type StageResult struct {
	SessionID        string
	Research         *models.ResearchSummary
	Ideas            []models.AdIdea
	JobIDs           []string
	EstimatedSeconds int
}

// JobStatusReport is one status answer for a generation job.
type JobStatusReport struct {
	JobID    string              `json:"job_id"`
	Status   models.JobStatus    `json:"status"`
	Progress *int                `json:"progress,omitempty"`
	Result   *models.GeneratedAd `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
}
