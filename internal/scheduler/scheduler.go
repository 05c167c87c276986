// Package scheduler turns active automations into pending scheduled emails.
// The refresh is idempotent: the dedup key (automation, account, template,
// qualification value) guarantees a re-run never duplicates pending work.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/insurgrid/email-engine/internal/filter"
	"github.com/insurgrid/email-engine/internal/store"
)

// Scheduler builds schedules from automation definitions.
type Scheduler struct {
	store *store.Store
	now   func() time.Time
}

// New builds a scheduler.
func New(st *store.Store) *Scheduler {
	return &Scheduler{store: st, now: time.Now}
}

// RefreshResult summarizes one refresh run. Errors are per-automation; one
// broken automation never aborts the run.
type RefreshResult struct {
	AutomationsSeen int
	RowsInserted    int
	Errors          map[uuid.UUID]string
}

// RefreshAll rebuilds the schedule for every Active automation.
func (s *Scheduler) RefreshAll(ctx context.Context) (*RefreshResult, error) {
	automations, err := s.store.ListActiveAutomations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active automations: %w", err)
	}

	result := &RefreshResult{Errors: make(map[uuid.UUID]string)}
	for i := range automations {
		inserted, err := s.refreshAutomation(ctx, &automations[i])
		result.AutomationsSeen++
		result.RowsInserted += inserted
		if err != nil {
			result.Errors[automations[i].ID] = err.Error()
			log.Printf("[Scheduler] Automation %s: %v", automations[i].ID, err)
			if recErr := s.store.RecordAutomationError(ctx, automations[i].ID, err.Error()); recErr != nil {
				log.Printf("[Scheduler] Failed to record automation error: %v", recErr)
			}
			continue
		}
		if clrErr := s.store.ClearAutomationError(ctx, automations[i].ID); clrErr != nil {
			log.Printf("[Scheduler] Failed to clear automation error: %v", clrErr)
		}
	}
	log.Printf("[Scheduler] Refresh complete: %d automations, %d rows inserted, %d errors",
		result.AutomationsSeen, result.RowsInserted, len(result.Errors))
	return result, nil
}

// RefreshOne rebuilds the schedule for a single automation, the activation
// flow. The automation does not need to be Active yet when called mid-flip.
func (s *Scheduler) RefreshOne(ctx context.Context, automationID uuid.UUID) (*RefreshResult, error) {
	automation, err := s.store.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, fmt.Errorf("load automation: %w", err)
	}
	if automation == nil {
		return nil, fmt.Errorf("automation %s not found", automationID)
	}

	result := &RefreshResult{AutomationsSeen: 1, Errors: make(map[uuid.UUID]string)}
	inserted, err := s.refreshAutomation(ctx, automation)
	result.RowsInserted = inserted
	if err != nil {
		result.Errors[automationID] = err.Error()
		if recErr := s.store.RecordAutomationError(ctx, automationID, err.Error()); recErr != nil {
			log.Printf("[Scheduler] Failed to record automation error: %v", recErr)
		}
		return result, nil
	}
	if clrErr := s.store.ClearAutomationError(ctx, automationID); clrErr != nil {
		log.Printf("[Scheduler] Failed to clear automation error: %v", clrErr)
	}
	return result, nil
}

func (s *Scheduler) refreshAutomation(ctx context.Context, a *store.Automation) (int, error) {
	cfg, err := filter.Parse(a.FilterConfig)
	if err != nil {
		return 0, fmt.Errorf("invalid filter config: %w", err)
	}
	nodes, err := ParseNodes(a.Nodes)
	if err != nil {
		return 0, err
	}
	steps, err := WalkEmailSteps(nodes)
	if err != nil {
		return 0, err
	}
	if len(steps) == 0 {
		return 0, nil
	}

	dedup, err := s.store.LoadDedupKeys(ctx, a.ID)
	if err != nil {
		return 0, fmt.Errorf("load dedup keys: %w", err)
	}

	accounts, err := s.store.ListCandidateAccounts(ctx, a.OwnerID)
	if err != nil {
		return 0, fmt.Errorf("list candidate accounts: %w", err)
	}
	if len(accounts) == 0 {
		return 0, nil
	}

	accountIDs := make([]uuid.UUID, len(accounts))
	for i := range accounts {
		accountIDs[i] = accounts[i].ID
	}
	policiesByAccount, err := s.store.ListActivePolicies(ctx, accountIDs)
	if err != nil {
		return 0, fmt.Errorf("list active policies: %w", err)
	}

	// Resolve every step's template up front; a missing mapping fails the
	// whole automation so the owner sees one clear error.
	templates, err := s.resolveTemplates(ctx, a, steps)
	if err != nil {
		return 0, err
	}

	zone := s.resolveZone(ctx, a)
	triggerTime := TriggerTime(nodes)
	dateTriggers := CollapseDateRules(cfg.DateRules())

	var pending []store.ScheduledEmail
	for i := range accounts {
		account := &accounts[i]
		policies := policiesByAccount[account.ID]
		if !cfg.Matches(account, policies) {
			continue
		}
		recipientEmail := account.BestEmail()
		if recipientEmail == "" {
			continue
		}

		if len(dateTriggers) > 0 {
			pending = append(pending, s.emitDateTriggered(a, account, policies, dateTriggers, steps, templates, zone, triggerTime, dedup)...)
		} else {
			pending = append(pending, s.emitActivation(a, account, steps, templates, zone, triggerTime, dedup)...)
		}
	}

	inserted, err := s.store.InsertScheduledBatch(ctx, pending)
	if err != nil {
		return inserted, fmt.Errorf("insert scheduled batch: %w", err)
	}
	return inserted, nil
}

func (s *Scheduler) resolveTemplates(ctx context.Context, a *store.Automation, steps []EmailStep) (map[string]*store.EmailTemplate, error) {
	templates := make(map[string]*store.EmailTemplate)
	for _, step := range steps {
		switch {
		case step.Template != "":
			if _, ok := templates[step.Template]; ok {
				continue
			}
			id, err := uuid.Parse(step.Template)
			if err != nil {
				return nil, fmt.Errorf("node %s: invalid template id %q", step.NodeID, step.Template)
			}
			tpl, err := s.store.GetTemplate(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("node %s: load template: %w", step.NodeID, err)
			}
			if tpl == nil {
				return nil, fmt.Errorf("node %s: template %s not found", step.NodeID, step.Template)
			}
			templates[step.Template] = tpl
		case step.TemplateKey != "":
			if _, ok := templates[step.TemplateKey]; ok {
				continue
			}
			if a.OwnerID == nil {
				return nil, fmt.Errorf("node %s: templateKey %q needs an owner-scoped automation", step.NodeID, step.TemplateKey)
			}
			tpl, err := s.store.GetTemplateByKey(ctx, *a.OwnerID, step.TemplateKey)
			if err != nil {
				return nil, fmt.Errorf("node %s: resolve templateKey: %w", step.NodeID, err)
			}
			if tpl == nil {
				return nil, fmt.Errorf("node %s: no template mapped for key %q", step.NodeID, step.TemplateKey)
			}
			templates[step.TemplateKey] = tpl
		default:
			return nil, fmt.Errorf("node %s: send_email has neither template nor templateKey", step.NodeID)
		}
	}
	return templates, nil
}

// resolveZone picks the wall-clock zone for the trigger time: automation
// override, then owner profile, then UTC.
func (s *Scheduler) resolveZone(ctx context.Context, a *store.Automation) *time.Location {
	name := a.Timezone
	if name == "" && a.OwnerID != nil {
		owner, err := s.store.GetOwner(ctx, *a.OwnerID)
		if err == nil && owner != nil {
			name = owner.Timezone
		}
	}
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("[Scheduler] Unknown timezone %q on automation %s, using UTC", name, a.ID)
		return time.UTC
	}
	return loc
}

func (s *Scheduler) emitDateTriggered(a *store.Automation, account *store.Account, policies []store.Policy,
	triggers []DateTrigger, steps []EmailStep, templates map[string]*store.EmailTemplate,
	zone *time.Location, triggerTime string, dedup map[string]bool) []store.ScheduledEmail {

	now := s.now().UTC()
	todayMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	horizon := todayMidnight.AddDate(1, 0, 0)

	var out []store.ScheduledEmail
	for _, trig := range triggers {
		for _, triggerDate := range triggerDates(trig.Field, account, policies) {
			firstQualification := triggerDate.AddDate(0, 0, -trig.DaysBefore)
			for _, step := range steps {
				tpl := templates[stepKey(step)]
				sendAt := stepSendAt(firstQualification, step.DaysOffset, triggerTime, zone)
				if sendAt.Before(todayMidnight) || sendAt.After(horizon) {
					continue
				}
				row := s.buildRow(a, account, tpl, step, sendAt, triggerDate.Format("2006-01-02"), trig.Field, true)
				if dedup[row.DedupKey()] {
					continue
				}
				dedup[row.DedupKey()] = true
				out = append(out, row)
			}
		}
	}
	return out
}

func (s *Scheduler) emitActivation(a *store.Automation, account *store.Account,
	steps []EmailStep, templates map[string]*store.EmailTemplate,
	zone *time.Location, triggerTime string, dedup map[string]bool) []store.ScheduledEmail {

	now := s.now()
	today := now.In(zone)
	base := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, zone)

	// If the first step's time has already passed today, start tomorrow.
	hh, mm := parseClock(triggerTime)
	if time.Date(today.Year(), today.Month(), today.Day(), hh, mm, 0, 0, zone).Before(now) {
		base = base.AddDate(0, 0, 1)
	}

	var out []store.ScheduledEmail
	for _, step := range steps {
		tpl := templates[stepKey(step)]
		sendAt := stepSendAt(base, step.DaysOffset, triggerTime, zone)
		row := s.buildRow(a, account, tpl, step, sendAt, "immediate", store.TriggerActivation, false)
		if dedup[row.DedupKey()] {
			continue
		}
		dedup[row.DedupKey()] = true
		out = append(out, row)
	}
	return out
}

func (s *Scheduler) buildRow(a *store.Automation, account *store.Account, tpl *store.EmailTemplate,
	step EmailStep, sendAt time.Time, qualificationValue, triggerField string, requiresVerification bool) store.ScheduledEmail {

	ownerID := tpl.OwnerID
	if a.OwnerID != nil {
		ownerID = *a.OwnerID
	}
	automationID := a.ID
	return store.ScheduledEmail{
		OwnerID:              ownerID,
		AutomationID:         &automationID,
		AccountID:            account.ID,
		TemplateID:           tpl.ID,
		NodeID:               step.NodeID,
		RecipientEmail:       account.BestEmail(),
		RecipientName:        account.Name,
		FromEmail:            tpl.FromEmail,
		FromName:             tpl.FromName,
		Subject:              tpl.Subject,
		ScheduledFor:         sendAt.UTC(),
		RequiresVerification: requiresVerification,
		QualificationValue:   qualificationValue,
		TriggerField:         triggerField,
	}
}

// triggerDates returns the candidate trigger dates for a field on this
// account: one per matching active policy, or the account creation date.
func triggerDates(field string, account *store.Account, policies []store.Policy) []time.Time {
	var out []time.Time
	switch field {
	case store.TriggerPolicyExpiration:
		for _, p := range policies {
			if p.ExpirationDate != nil {
				out = append(out, *p.ExpirationDate)
			}
		}
	case store.TriggerPolicyEffective:
		for _, p := range policies {
			if p.EffectiveDate != nil {
				out = append(out, *p.EffectiveDate)
			}
		}
	case store.TriggerAccountCreated:
		out = append(out, account.CreatedAt)
	}
	return out
}

// stepSendAt lands the step on its calendar day at the trigger wall-clock
// time. Fractional day offsets (hour delays) spill into the time of day.
func stepSendAt(qualificationDate time.Time, daysOffset float64, triggerTime string, zone *time.Location) time.Time {
	wholeDays := int(daysOffset)
	fraction := daysOffset - float64(wholeDays)

	day := qualificationDate.In(zone).AddDate(0, 0, wholeDays)
	hh, mm := parseClock(triggerTime)
	at := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, zone)
	if fraction > 0 {
		at = at.Add(time.Duration(fraction * 24 * float64(time.Hour)))
	}
	return at
}

func parseClock(clock string) (int, int) {
	var hh, mm int
	if _, err := fmt.Sscanf(clock, "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 9, 0
	}
	return hh, mm
}

func stepKey(step EmailStep) string {
	if step.Template != "" {
		return step.Template
	}
	return step.TemplateKey
}
