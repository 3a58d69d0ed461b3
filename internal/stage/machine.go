package stage

import (
	"time"

	"campaign-pipeline/internal/errs"
	"campaign-pipeline/internal/models"
)

// Event is a stage-completion signal fed to the machine.
type Event string

const (
	EventProductInfoSubmitted Event = "product_info_submitted"
	EventResearchCompleted    Event = "research_completed"
	EventResearchSkipped      Event = "research_skipped"
	EventIdeasSelected        Event = "ideas_selected"
	EventJobsSucceeded        Event = "jobs_succeeded"
	EventJobsFailed           Event = "jobs_failed"
)

type edge struct {
	from  models.Stage
	event Event
}

var table = map[edge]models.Stage{
	{models.StageIntake, EventProductInfoSubmitted}: models.StageResearch,
	{models.StageResearch, EventResearchCompleted}:  models.StageIdeas,
	{models.StageResearch, EventResearchSkipped}:    models.StageIdeas,
	{models.StageIdeas, EventIdeasSelected}:         models.StageGenerating,
	{models.StageGenerating, EventJobsSucceeded}:    models.StageCompleted,
	{models.StageGenerating, EventJobsFailed}:       models.StageFailed,
}

// eventOrder fixes the order Allowed reports events in.
var eventOrder = []Event{
	EventProductInfoSubmitted,
	EventResearchCompleted,
	EventResearchSkipped,
	EventIdeasSelected,
	EventJobsSucceeded,
	EventJobsFailed,
}

// Next returns the stage reached by applying ev in from.
func Next(from models.Stage, ev Event) (models.Stage, error) {
	to, ok := table[edge{from, ev}]
	if !ok {
		return "", errs.StageViolation(string(ev), "not allowed in stage %q", from)
	}
	return to, nil
}

// Allowed lists the events legal in s.
func Allowed(s models.Stage) []Event {
	var out []Event
	for _, ev := range eventOrder {
		if _, ok := table[edge{s, ev}]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// Transition is an event plus the data it carries into the campaign.
type Transition struct {
	Event Event
	// SessionID is issued by the service on product info submission.
	SessionID         string
	ProductInfo       *models.ProductInfo
	ResearchSummary   *models.ResearchSummary
	SelectedIdeas     []string
	VariationsPerIdea int
	BatchID           string
	JobIDs            []string
	// Jobs carries the settled records for the terminal events.
	Jobs []models.JobRecord
}

// Apply returns c advanced by t. On error the returned campaign is the zero
// value and c is untouched.
func Apply(c models.Campaign, t Transition, now time.Time) (models.Campaign, error) {
	to, err := Next(c.Stage, t.Event)
	if err != nil {
		return models.Campaign{}, err
	}
	op := string(t.Event)
	next := c.Clone()

	switch t.Event {
	case EventProductInfoSubmitted:
		if t.ProductInfo == nil {
			return models.Campaign{}, errs.Validation(op, "product info is required")
		}
		if err := ValidateProductInfo(*t.ProductInfo); err != nil {
			return models.Campaign{}, err
		}
		if t.SessionID == "" {
			return models.Campaign{}, errs.Validation(op, "service returned no session id")
		}
		pi := *t.ProductInfo
		next.ID = t.SessionID
		next.ProductInfo = &pi

	case EventResearchCompleted:
		if t.ResearchSummary == nil {
			return models.Campaign{}, errs.Validation(op, "research summary is required")
		}
		rs := *t.ResearchSummary
		next.ResearchSummary = &rs
		next.ResearchSkipped = false

	case EventResearchSkipped:
		next.ResearchSummary = nil
		next.ResearchSkipped = true

	case EventIdeasSelected:
		if err := ValidateSelection(t.SelectedIdeas, nil); err != nil {
			return models.Campaign{}, err
		}
		ids := uniqueNonEmpty(t.JobIDs)
		if len(ids) == 0 {
			return models.Campaign{}, errs.Validation(op, "service returned no job ids")
		}
		next.SelectedIdeas = append([]string(nil), t.SelectedIdeas...)
		next.VariationsPerIdea = t.VariationsPerIdea
		next.BatchID = t.BatchID
		next.Jobs = make(map[string]models.JobRecord, len(ids))
		next.JobOrder = ids
		for _, id := range ids {
			next.Jobs[id] = models.NewJobRecord(id)
		}

	case EventJobsSucceeded, EventJobsFailed:
		if len(t.Jobs) > 0 {
			for _, rec := range t.Jobs {
				if _, ok := next.Jobs[rec.JobID]; ok {
					next.Jobs[rec.JobID] = rec.Clone()
				}
			}
		}
		ev, settled := SettleEvent(next.Jobs)
		if !settled {
			return models.Campaign{}, errs.Validation(op, "jobs are not all terminal")
		}
		if ev != t.Event {
			return models.Campaign{}, errs.Validation(op, "job outcomes call for %s", ev)
		}
	}

	next.Stage = to
	next.Touch(now)
	return next, nil
}

// SettleEvent decides the terminal event for a set of jobs. settled is false
// while any job is still pending or processing, or when there are no jobs.
func SettleEvent(jobs map[string]models.JobRecord) (ev Event, settled bool) {
	if len(jobs) == 0 {
		return "", false
	}
	failed := false
	for _, rec := range jobs {
		if !rec.Status.Terminal() {
			return "", false
		}
		if rec.Status == models.JobFailed {
			failed = true
		}
	}
	if failed {
		return EventJobsFailed, true
	}
	return EventJobsSucceeded, true
}

// Check verifies that the populated fields of c agree with its stage.
func Check(c models.Campaign) error {
	const op = "check campaign"
	rank := map[models.Stage]int{
		models.StageIntake:     0,
		models.StageResearch:   1,
		models.StageIdeas:      2,
		models.StageGenerating: 3,
		models.StageCompleted:  4,
		models.StageFailed:     4,
	}
	r, ok := rank[c.Stage]
	if !ok {
		return errs.Validation(op, "unknown stage %q", c.Stage)
	}
	if r >= 1 {
		if c.ProductInfo == nil {
			return errs.Validation(op, "stage %s requires product info", c.Stage)
		}
		if c.ID == "" {
			return errs.Validation(op, "stage %s requires a session id", c.Stage)
		}
	}
	if r >= 2 && c.ResearchSummary == nil && !c.ResearchSkipped {
		return errs.Validation(op, "stage %s requires research or an explicit skip", c.Stage)
	}
	if r >= 3 {
		if len(c.SelectedIdeas) == 0 {
			return errs.Validation(op, "stage %s requires selected ideas", c.Stage)
		}
		if len(c.Jobs) == 0 {
			return errs.Validation(op, "stage %s requires jobs", c.Stage)
		}
	}
	if c.Stage.Final() {
		ev, settled := SettleEvent(c.Jobs)
		if !settled {
			return errs.Validation(op, "stage %s requires every job terminal", c.Stage)
		}
		if (ev == EventJobsFailed) != (c.Stage == models.StageFailed) {
			return errs.Validation(op, "stage %s disagrees with job outcomes", c.Stage)
		}
	}
	return nil
}

func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
