package events

import (
	"fmt"

	"crm-workflow-engine/internal/models"
)

// Routing maps an event type to the job types it fans out to. An event type
// absent from the map produces no jobs; that is how alert-only events like
// system.job_dead_lettered stay visible to downstream integrations without
// queueing work.
type Routing map[string][]string

// DefaultRouting is the engine's static event-to-job table.
func DefaultRouting() Routing {
	return Routing{
		models.EventLeadCreated:    {models.JobLeadEnrich, models.JobLeadQualify, models.JobWebhookNotify},
		models.EventDealWon:        {models.JobWebhookNotify, models.JobScheduleTestimonial},
		models.EventCallCompleted:  {models.JobCallSummarize},
		models.EventInvoiceOverdue: {models.JobWebhookNotify},
		models.EventTestimonialDue: {models.JobSendTestimonial},
		models.EventDigestDue:      {models.JobDigestBuild},
		models.EventRetentionDue:   {models.JobRetentionScan},
	}
}

// Validate asserts every routed job type is in the known set, so a typo in
// the table fails at startup instead of silently dropping work.
func (r Routing) Validate(knownJobTypes []string) error {
	known := make(map[string]struct{}, len(knownJobTypes))
	for _, jt := range knownJobTypes {
		known[jt] = struct{}{}
	}
	for eventType, jobTypes := range r {
		if len(jobTypes) == 0 {
			return fmt.Errorf("event type %q routes to an empty job list; remove the entry instead", eventType)
		}
		for _, jt := range jobTypes {
			if _, ok := known[jt]; !ok {
				return fmt.Errorf("event type %q routes to unknown job type %q", eventType, jt)
			}
		}
	}
	return nil
}

// JobTypes returns the fan-out targets for an event type, nil when unmapped.
func (r Routing) JobTypes(eventType string) []string {
	return r[eventType]
}
