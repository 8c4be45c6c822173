package lifecycle

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/permission"
)

// Timeline is an application's audit trail as seen by one caller.
type Timeline struct {
	Events []models.TimelineEvent `json:"events"`
	Notes  []models.Note          `json:"notes"`
}

// Get returns the application if actor owns it or holds VIEW_APPLICATIONS
// on its tenant.
func (s *Service) Get(ctx context.Context, appID uuid.UUID, actor models.Principal) (*models.Application, error) {
	app, _, err := s.loadForRead(ctx, "lifecycle.Get", appID, actor)
	return app, err
}

// Timeline returns events and notes. The owning applicant does not see
// internal notes.
func (s *Service) Timeline(ctx context.Context, appID uuid.UUID, actor models.Principal) (*Timeline, error) {
	const op = "lifecycle.Timeline"

	_, staff, err := s.loadForRead(ctx, op, appID, actor)
	if err != nil {
		return nil, err
	}

	events, err := s.apps.ListTimeline(ctx, appID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "", err)
	}
	notes, err := s.apps.ListNotes(ctx, appID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "", err)
	}

	if !staff {
		visible := notes[:0]
		for _, n := range notes {
			if !n.IsInternal {
				visible = append(visible, n)
			}
		}
		notes = visible
		// Internal note events carry the author's staff role; drop them too.
		filtered := events[:0]
		for _, e := range events {
			if e.Action == models.ActionNoteAdded && e.Details["internal"] == "true" {
				continue
			}
			filtered = append(filtered, e)
		}
		events = filtered
	}
	return &Timeline{Events: events, Notes: notes}, nil
}

// loadForRead reports staff=true when access came from a tenant capability
// rather than ownership.
func (s *Service) loadForRead(ctx context.Context, op string, appID uuid.UUID, actor models.Principal) (*models.Application, bool, error) {
	app, err := s.apps.GetByID(ctx, appID)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindInternal, op, "", err)
	}
	if app == nil {
		return nil, false, apperr.New(apperr.KindNotFound, op, "application not found")
	}

	if app.ApplicantID == actor.ID && actor.GlobalRole == models.GlobalRoleApplicant {
		return app, false, nil
	}
	if _, err := s.authorize(ctx, op, actor, app, permission.ViewApplications); err != nil {
		return nil, false, err
	}
	return app, true, nil
}
