package lifecycle

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/permission"
	"go.uber.org/zap"
)

// maxNoteLength bounds free text stored on notes and timeline events.
const maxNoteLength = 4000

// Transition moves an application to newStatus.
//
// Leaving accepted or rejected for a different status is an
// InvalidTransition. Every other move is allowed, including a move to the
// current status, which records an event with previousValue == newValue.
// reviewedAt and decidedAt are stamped on first entry and never again.
func (s *Service) Transition(ctx context.Context, appID uuid.UUID, actor models.Principal, newStatus models.ApplicationStatus, note string) (*models.Application, error) {
	const op = "lifecycle.Transition"

	if !newStatus.Valid() {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "unknown status "+string(newStatus))
	}
	note = strings.TrimSpace(note)
	if len(note) > maxNoteLength {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "note too long")
	}

	req := request{op: op, action: models.ActionStatusChanged, appID: appID, actor: &actor, cap: permission.ChangeStatus}
	return s.mutate(ctx, req, func(app *models.Application, _ *permission.Resolution) (*edit, error) {
		previous := app.Status
		if previous.Terminal() && newStatus != previous {
			return nil, apperr.New(apperr.KindInvalidTransition, op,
				"application is "+string(previous)+" and cannot move to "+string(newStatus))
		}

		now := s.now()
		app.Status = newStatus
		if newStatus == models.StatusInReview && app.ReviewedAt == nil {
			app.ReviewedAt = &now
		}
		if newStatus.Terminal() && app.DecidedAt == nil {
			app.DecidedAt = &now
		}

		e := &edit{event: models.TimelineEvent{
			PerformedBy:   actor.ID.String(),
			PreviousValue: models.StringPtr(string(previous)),
			NewValue:      models.StringPtr(string(newStatus)),
		}}
		if note != "" {
			e.event.Details = map[string]string{"note": note}
		}
		return e, nil
	})
}

// AssignReviewer sets the assigned reviewer. The assignee must hold
// CHANGE_STATUS on the application's tenant through a staff record or the
// legacy admin list; anyone else is an InvalidArgument. Re-assigning the
// same reviewer still records an event.
func (s *Service) AssignReviewer(ctx context.Context, appID uuid.UUID, actor models.Principal, reviewerID uuid.UUID) (*models.Application, error) {
	const op = "lifecycle.AssignReviewer"

	if reviewerID == uuid.Nil {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "reviewer id is required")
	}

	req := request{op: op, action: models.ActionReviewerAssigned, appID: appID, actor: &actor, cap: permission.AssignReviewer}
	return s.mutate(ctx, req, func(app *models.Application, _ *permission.Resolution) (*edit, error) {
		if err := s.checkAssignee(ctx, op, app.TenantID, reviewerID); err != nil {
			return nil, err
		}
		e := &edit{event: models.TimelineEvent{
			PerformedBy: actor.ID.String(),
			NewValue:    models.StringPtr(reviewerID.String()),
		}}
		if app.AssignedReviewerID != nil {
			e.event.PreviousValue = models.StringPtr(app.AssignedReviewerID.String())
		}
		id := reviewerID
		app.AssignedReviewerID = &id
		return e, nil
	})
}

// checkAssignee resolves the prospective reviewer on tenantID. Only tenant
// authority counts: a bare id carries no global role.
func (s *Service) checkAssignee(ctx context.Context, op string, tenantID, reviewerID uuid.UUID) error {
	res, err := s.perms.Resolve(ctx, models.Principal{ID: reviewerID}, tenantID)
	switch {
	case apperr.KindOf(err) == apperr.KindForbidden:
		return apperr.New(apperr.KindInvalidArgument, op, "reviewer is not staff of this university")
	case err != nil:
		return err
	case !res.Can(permission.ChangeStatus):
		return apperr.New(apperr.KindInvalidArgument, op, "reviewer cannot review applications")
	}
	return nil
}

// Bulk outcomes.
const (
	BulkUpdated = "updated"
	BulkSkipped = "skipped"
)

// BulkItem is the per-application outcome of a bulk assignment.
type BulkItem struct {
	ApplicationID uuid.UUID `json:"application_id"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
}

// BulkResult summarizes a bulk assignment.
type BulkResult struct {
	Updated int        `json:"updated"`
	Skipped int        `json:"skipped"`
	Items   []BulkItem `json:"items"`
}

// BulkAssignReviewer assigns reviewerID to each application independently.
// A failure on one id never aborts the others and nothing is rolled back;
// every id is reported as updated or skipped. Duplicate ids are processed
// once.
func (s *Service) BulkAssignReviewer(ctx context.Context, appIDs []uuid.UUID, actor models.Principal, reviewerID uuid.UUID) (*BulkResult, error) {
	const op = "lifecycle.BulkAssignReviewer"

	if reviewerID == uuid.Nil {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "reviewer id is required")
	}

	result := &BulkResult{Items: make([]BulkItem, 0, len(appIDs))}
	seen := make(map[uuid.UUID]struct{}, len(appIDs))
	for _, id := range appIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if err := ctx.Err(); err != nil {
			result.Skipped++
			result.Items = append(result.Items, BulkItem{ApplicationID: id, Outcome: BulkSkipped, Error: "request cancelled"})
			continue
		}

		if _, err := s.AssignReviewer(ctx, id, actor, reviewerID); err != nil {
			result.Skipped++
			result.Items = append(result.Items, BulkItem{ApplicationID: id, Outcome: BulkSkipped, Error: apperr.MessageOf(err)})
			continue
		}
		result.Updated++
		result.Items = append(result.Items, BulkItem{ApplicationID: id, Outcome: BulkUpdated})
	}
	return result, nil
}

// AddNote appends a note. Any tenant member may write one. The author's
// authority at write time is copied onto the note and never re-derived.
func (s *Service) AddNote(ctx context.Context, appID uuid.UUID, actor models.Principal, text string, isInternal bool) (*models.Note, error) {
	const op = "lifecycle.AddNote"

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "note text is required")
	}
	if len(text) > maxNoteLength {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "note too long")
	}

	var written *models.Note
	req := request{op: op, action: models.ActionNoteAdded, appID: appID, actor: &actor, cap: permission.ViewApplications}
	_, err := s.mutate(ctx, req, func(app *models.Application, res *permission.Resolution) (*edit, error) {
		note := &models.Note{
			AuthorID:   actor.ID,
			AuthorRole: res.AuthorityLabel(),
			Text:       text,
			IsInternal: isInternal,
		}
		written = note
		details := map[string]string{"author_role": note.AuthorRole}
		if isInternal {
			details["internal"] = "true"
		}
		return &edit{
			event: models.TimelineEvent{PerformedBy: actor.ID.String(), Details: details},
			note:  note,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// SetDocumentStatus records a review decision on one document. A rejection
// needs a reason; any other status stores no reason at all.
func (s *Service) SetDocumentStatus(ctx context.Context, appID uuid.UUID, docID string, actor models.Principal, status models.DocumentStatus, rejectionReason string) (*models.Application, error) {
	const op = "lifecycle.SetDocumentStatus"

	docID = strings.TrimSpace(docID)
	if docID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "document id is required")
	}
	if !status.Valid() {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "unknown document status "+string(status))
	}
	rejectionReason = strings.TrimSpace(rejectionReason)
	var reason *string
	if status == models.DocumentRejected {
		if rejectionReason == "" {
			return nil, apperr.New(apperr.KindInvalidArgument, op, "rejection reason is required")
		}
		if len(rejectionReason) > maxNoteLength {
			return nil, apperr.New(apperr.KindInvalidArgument, op, "rejection reason too long")
		}
		reason = &rejectionReason
	}

	req := request{op: op, action: models.ActionDocumentStatusChanged, appID: appID, actor: &actor, cap: permission.ChangeStatus}
	return s.mutate(ctx, req, func(app *models.Application, _ *permission.Resolution) (*edit, error) {
		e := &edit{event: models.TimelineEvent{
			PerformedBy: actor.ID.String(),
			NewValue:    models.StringPtr(string(status)),
			Details:     map[string]string{"document_id": docID},
		}}
		if prev, ok := app.Documents[docID]; ok {
			e.event.PreviousValue = models.StringPtr(string(prev.Status))
		}
		if reason != nil {
			e.event.Details["rejection_reason"] = *reason
		}

		if app.Documents == nil {
			app.Documents = make(map[string]models.DocumentReview)
		}
		app.Documents[docID] = models.DocumentReview{
			Status:          status,
			RejectionReason: reason,
			ReviewedBy:      actor.ID,
			ReviewedAt:      s.now(),
		}
		return e, nil
	})
}

// MarkPaymentReceived is the system mutation used by payment
// reconciliation. It sets checklist.paymentReceived and the payment id, and
// appends payment_confirmed performed by "system:<provider>". It checks no
// capability and never touches the application status.
//
// Repeating the call for the recorded payment changes nothing. A different
// payment confirmed after the flag is set is a second charge: the recorded
// payment id stays, but the new payment still gets its own
// payment_confirmed event (once) so finance can see and refund it.
// applied reports whether this call wrote.
func (s *Service) MarkPaymentReceived(ctx context.Context, appID, paymentID uuid.UUID, provider models.PaymentProvider) (applied bool, err error) {
	const op = "lifecycle.MarkPaymentReceived"

	var (
		additional bool
		recorded   string
	)
	req := request{op: op, action: models.ActionPaymentConfirmed, appID: appID}
	_, err = s.mutate(ctx, req, func(app *models.Application, _ *permission.Resolution) (*edit, error) {
		applied, additional, recorded = false, false, ""
		e := &edit{event: models.TimelineEvent{
			PerformedBy: "system:" + strings.ToLower(string(provider)),
			NewValue:    models.StringPtr(paymentID.String()),
			Details:     map[string]string{"provider": string(provider)},
		}}

		if app.Checklist.PaymentReceived {
			if app.PaymentID != nil && *app.PaymentID == paymentID {
				return nil, nil
			}
			seen, err := s.paymentConfirmed(ctx, appID, paymentID)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, op, "", err)
			}
			if seen {
				return nil, nil
			}
			if app.PaymentID != nil {
				recorded = app.PaymentID.String()
				e.event.PreviousValue = models.StringPtr(recorded)
			}
			e.event.Details["additional_charge"] = "true"
			applied, additional = true, true
			return e, nil
		}

		app.Checklist.PaymentReceived = true
		id := paymentID
		app.PaymentID = &id
		applied = true
		return e, nil
	})
	if err != nil {
		return false, err
	}
	if additional {
		s.logger.Warn("additional payment confirmed for an already paid application",
			zap.String("target", appID.String()),
			zap.String("payment", paymentID.String()),
			zap.String("recorded_payment", recorded),
			zap.String("provider", string(provider)),
		)
	}
	return applied, nil
}

// paymentConfirmed reports whether the timeline already holds a
// payment_confirmed event for paymentID. Called inside mutate, so a
// concurrent append moves the version and forces a fresh read.
func (s *Service) paymentConfirmed(ctx context.Context, appID, paymentID uuid.UUID) (bool, error) {
	events, err := s.apps.ListTimeline(ctx, appID)
	if err != nil {
		return false, err
	}
	want := paymentID.String()
	for _, ev := range events {
		if ev.Action == models.ActionPaymentConfirmed && ev.NewValue != nil && *ev.NewValue == want {
			return true, nil
		}
	}
	return false, nil
}
