// Package lifecycle owns every mutation of an application record: status
// transitions, reviewer assignment, notes, document decisions and the
// system-initiated payment checklist update.
//
// All of them go through one read-modify-write primitive (mutate) that
// commits against the version it read and retries on contention, so two
// concurrent writers never overwrite each other's timeline entries.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/observ"
	"github.com/lalith-99/admitflow/internal/permission"
	"github.com/lalith-99/admitflow/internal/repository"
	"go.uber.org/zap"
)

// DefaultConflictRetries is used when the service is built with a negative
// retry count.
const DefaultConflictRetries = 3

type Service struct {
	apps    repository.ApplicationRepository
	perms   *permission.Resolver
	metrics *observ.Metrics
	logger  *zap.Logger
	retries int
	now     func() time.Time
}

func NewService(
	apps repository.ApplicationRepository,
	perms *permission.Resolver,
	metrics *observ.Metrics,
	logger *zap.Logger,
	conflictRetries int,
) *Service {
	if conflictRetries < 0 {
		conflictRetries = DefaultConflictRetries
	}
	return &Service{
		apps:    apps,
		perms:   perms,
		metrics: metrics,
		logger:  logger,
		retries: conflictRetries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// edit is what a mutation produces from one attempt: the event to append
// and, for notes, the note row. A nil *edit means nothing changed.
type edit struct {
	event models.TimelineEvent
	note  *models.Note
}

// mutation changes app in place. res is nil for system mutations.
type mutation func(app *models.Application, res *permission.Resolution) (*edit, error)

// request describes one call into mutate.
type request struct {
	op     string
	action string
	appID  uuid.UUID
	actor  *models.Principal // nil for system mutations
	cap    permission.Capability
}

// mutate loads the application, authorizes the actor once, applies fn to a
// copy and commits it conditionally on the version it read. On a version
// conflict the whole read-apply-commit cycle runs again against fresh state,
// up to s.retries extra attempts.
func (s *Service) mutate(ctx context.Context, req request, fn mutation) (*models.Application, error) {
	var res *permission.Resolution

	for attempt := 0; ; attempt++ {
		current, err := s.apps.GetByID(ctx, req.appID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, req.op, "", err)
		}
		if current == nil {
			s.reject(req, apperr.KindNotFound)
			return nil, apperr.New(apperr.KindNotFound, req.op, "application not found")
		}

		if req.actor != nil && res == nil {
			res, err = s.authorize(ctx, req.op, *req.actor, current, req.cap)
			if err != nil {
				s.reject(req, apperr.KindOf(err))
				return nil, err
			}
		}

		working := current.Clone()
		e, err := fn(working, res)
		if err != nil {
			s.reject(req, apperr.KindOf(err))
			return nil, err
		}
		if e == nil {
			s.metrics.ApplicationMutation(req.action, "noop")
			return current, nil
		}

		now := s.now()
		working.Version = current.Version + 1
		working.UpdatedAt = now

		e.event.ID = uuid.New()
		e.event.ApplicationID = working.ID
		e.event.Action = req.action
		e.event.PerformedAt = now
		if e.note != nil {
			e.note.ID = uuid.New()
			e.note.ApplicationID = working.ID
			e.note.CreatedAt = now
			e.event.Details = withDetail(e.event.Details, "note_id", e.note.ID.String())
		}

		err = s.apps.Commit(ctx, repository.ApplicationChange{
			Application:     working,
			ExpectedVersion: current.Version,
			Event:           e.event,
			Note:            e.note,
		})
		if err == nil {
			s.metrics.ApplicationMutation(req.action, "applied")
			return working, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, apperr.Wrap(apperr.KindInternal, req.op, "", err)
		}
		if attempt >= s.retries {
			s.metrics.ApplicationMutation(req.action, "conflict")
			s.logger.Warn("application write contention, giving up",
				zap.String("op", req.op),
				zap.String("target", req.appID.String()),
				zap.Int("attempts", attempt+1),
			)
			return nil, apperr.New(apperr.KindConflict, req.op, "application was modified concurrently, retry")
		}
		s.logger.Debug("application version moved, retrying",
			zap.String("op", req.op),
			zap.String("target", req.appID.String()),
			zap.Int("attempt", attempt+1),
		)
	}
}

// authorize checks cap on the application's tenant. A caller with no
// membership at all on that tenant gets NotFound, so the record's existence
// is not confirmed across tenants.
func (s *Service) authorize(ctx context.Context, op string, actor models.Principal, app *models.Application, cap permission.Capability) (*permission.Resolution, error) {
	res, err := s.perms.Require(ctx, actor, app.TenantID, cap)
	if err == nil {
		return res, nil
	}
	if permission.IsNonMember(err) {
		return nil, apperr.New(apperr.KindNotFound, op, "application not found")
	}
	return nil, err
}

func (s *Service) reject(req request, kind apperr.Kind) {
	s.metrics.ApplicationMutation(req.action, "rejected")
	fields := []zap.Field{
		zap.String("op", req.op),
		zap.String("target", req.appID.String()),
		zap.Stringer("kind", kind),
	}
	if req.actor != nil {
		fields = append(fields, zap.String("actor", req.actor.ID.String()))
	}
	s.logger.Info("application mutation rejected", fields...)
}

func withDetail(details map[string]string, key, value string) map[string]string {
	if details == nil {
		details = make(map[string]string, 1)
	}
	details[key] = value
	return details
}
