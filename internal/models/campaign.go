package models

import (
	"time"
)

// Stage is the pipeline phase a campaign is in.
type Stage string

const (
	StageIntake     Stage = "intake"
	StageResearch   Stage = "research"
	StageIdeas      Stage = "ideas"
	StageGenerating Stage = "generating"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Final reports whether no further transitions are possible from s.
func (s Stage) Final() bool {
	return s == StageCompleted || s == StageFailed
}

// Advertising focus values accepted by the generation service.
const (
	FocusCompany = "company"
	FocusProduct = "product"
	FocusOffer   = "offer"
)

// ProductInfo is the intake form submitted in the first stage.
type ProductInfo struct {
	ProductName       string `json:"product_name,omitempty"`
	ProductType       string `json:"product_type" validate:"required"`
	CompanyName       string `json:"company_name" validate:"required"`
	AdvertisingFocus  string `json:"advertising_focus" validate:"required,oneof=company product offer"`
	OfferDetails      string `json:"offer_details,omitempty" validate:"required_if=AdvertisingFocus offer"`
	BusinessType      string `json:"business_type,omitempty"`
	BusinessLocation  string `json:"business_location,omitempty"`
	TargetLocation    string `json:"target_location,omitempty"`
	TargetDemographic string `json:"target_demographic,omitempty"`
	TargetAgeGroup    string `json:"target_age_group,omitempty"`
}

// ResearchInput carries the optional sources for the research stage.
type ResearchInput struct {
	CompanyWebsite    string   `json:"company_website,omitempty" validate:"omitempty,url"`
	AdditionalSources []string `json:"additional_sources,omitempty" validate:"omitempty,dive,url"`
}

// TrendingTheme is one theme surfaced by market research.
type TrendingTheme struct {
	Theme           string   `json:"theme"`
	PopularityScore float64  `json:"popularity_score"`
	Description     string   `json:"description"`
	Examples        []string `json:"examples"`
}

// ResearchSummary holds the structured insights produced by the research stage.
type ResearchSummary struct {
	ProductInsights      map[string]any  `json:"product_insights"`
	TrendingInCategory   []string        `json:"trending_in_category"`
	TrendingThemes       []TrendingTheme `json:"trending_themes"`
	ColorTrends          []string        `json:"color_trends"`
	StyleRecommendations []string        `json:"style_recommendations"`
	CompetitorInsights   map[string]any  `json:"competitor_insights,omitempty"`
}

// Customization narrows idea generation.
type Customization struct {
	IncludeText      *bool    `json:"include_text,omitempty"`
	TextContent      string   `json:"text_content,omitempty"`
	PreferredTheme   string   `json:"preferred_theme,omitempty"`
	ColorPreferences []string `json:"color_preferences,omitempty"`
	StylePreferences []string `json:"style_preferences,omitempty"`
	AvoidElements    []string `json:"avoid_elements,omitempty"`
}

// AdIdea is one creative concept offered for generation.
type AdIdea struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	Type                   string   `json:"type"`
	Description            string   `json:"description"`
	Theme                  string   `json:"theme"`
	KeyElements            []string `json:"key_elements"`
	ColorPalette           []string `json:"color_palette"`
	EstimatedEffectiveness float64  `json:"estimated_effectiveness"`
	Rationale              string   `json:"rationale"`
}

// Campaign is the aggregate state of one pipeline run. Only the orchestrator
// mutates it; everyone else works on a Clone.
type Campaign struct {
	ID                string               `json:"id"`
	Stage             Stage                `json:"stage"`
	ProductInfo       *ProductInfo         `json:"product_info,omitempty"`
	ResearchSummary   *ResearchSummary     `json:"research_summary,omitempty"`
	ResearchSkipped   bool                 `json:"research_skipped,omitempty"`
	Ideas             []AdIdea             `json:"ideas,omitempty"`
	SelectedIdeas     []string             `json:"selected_ideas,omitempty"`
	VariationsPerIdea int                  `json:"variations_per_idea,omitempty"`
	BatchID           string               `json:"batch_id,omitempty"`
	Jobs              map[string]JobRecord `json:"jobs,omitempty"`
	JobOrder          []string             `json:"job_order,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// NewCampaign returns an empty run sitting in the intake stage.
func NewCampaign(now time.Time) Campaign {
	return Campaign{
		Stage:     StageIntake,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch bumps UpdatedAt without ever moving it backwards.
func (c *Campaign) Touch(now time.Time) {
	if now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
}

// JobIDs returns the job ids in submission order.
func (c Campaign) JobIDs() []string {
	if len(c.JobOrder) > 0 {
		return append([]string(nil), c.JobOrder...)
	}
	ids := make([]string, 0, len(c.Jobs))
	for id := range c.Jobs {
		ids = append(ids, id)
	}
	return ids
}

// Results lists the generated ads of completed jobs in submission order.
func (c Campaign) Results() []GeneratedAd {
	var out []GeneratedAd
	for _, id := range c.JobIDs() {
		if rec, ok := c.Jobs[id]; ok && rec.Status == JobCompleted && rec.Result != nil {
			out = append(out, *rec.Result)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c Campaign) Clone() Campaign {
	out := c
	if c.ProductInfo != nil {
		pi := *c.ProductInfo
		out.ProductInfo = &pi
	}
	if c.ResearchSummary != nil {
		rs := c.ResearchSummary.clone()
		out.ResearchSummary = &rs
	}
	if c.Ideas != nil {
		out.Ideas = make([]AdIdea, len(c.Ideas))
		for i, idea := range c.Ideas {
			idea.KeyElements = append([]string(nil), idea.KeyElements...)
			idea.ColorPalette = append([]string(nil), idea.ColorPalette...)
			out.Ideas[i] = idea
		}
	}
	if c.SelectedIdeas != nil {
		out.SelectedIdeas = append([]string(nil), c.SelectedIdeas...)
	}
	if c.JobOrder != nil {
		out.JobOrder = append([]string(nil), c.JobOrder...)
	}
	if c.Jobs != nil {
		out.Jobs = make(map[string]JobRecord, len(c.Jobs))
		for id, rec := range c.Jobs {
			out.Jobs[id] = rec.Clone()
		}
	}
	return out
}

func (r ResearchSummary) clone() ResearchSummary {
	out := r
	out.ProductInsights = cloneMap(r.ProductInsights)
	out.CompetitorInsights = cloneMap(r.CompetitorInsights)
	out.TrendingInCategory = append([]string(nil), r.TrendingInCategory...)
	out.ColorTrends = append([]string(nil), r.ColorTrends...)
	out.StyleRecommendations = append([]string(nil), r.StyleRecommendations...)
	if r.TrendingThemes != nil {
		out.TrendingThemes = make([]TrendingTheme, len(r.TrendingThemes))
		for i, t := range r.TrendingThemes {
			t.Examples = append([]string(nil), t.Examples...)
			out.TrendingThemes[i] = t
		}
	}
	return out
}

// cloneMap copies the top level only; nested values are JSON-decoded data
// that nobody mutates in place.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
