package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/observ"
	"github.com/lalith-99/admitflow/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Resolution is the outcome of resolving a principal against a tenant.
type Resolution struct {
	TenantID        uuid.UUID         `json:"tenant_id"`
	Role            models.TenantRole `json:"role"`
	Capabilities    CapabilitySet     `json:"-"`
	IsPlatformAdmin bool              `json:"is_platform_admin"`
	IsLegacyAdmin   bool              `json:"is_legacy_admin"`
}

func (r *Resolution) Can(c Capability) bool {
	return r != nil && r.Capabilities.Has(c)
}

// AuthorityLabel is the role name recorded on notes and logs.
func (r *Resolution) AuthorityLabel() string {
	if r.IsPlatformAdmin {
		return string(models.GlobalRolePlatformAdmin)
	}
	return string(r.Role)
}

// Resolver combines the three authority sources: platform role, legacy
// tenant admin list and granular staff records.
type Resolver struct {
	tenants repository.TenantRepository
	staff   repository.StaffRepository
	metrics *observ.Metrics
	logger  *zap.Logger
}

func NewResolver(tenants repository.TenantRepository, staff repository.StaffRepository, metrics *observ.Metrics, logger *zap.Logger) *Resolver {
	return &Resolver{tenants: tenants, staff: staff, metrics: metrics, logger: logger}
}

// Resolve returns the principal's role and capabilities on tenantID, or a
// Forbidden error when the principal holds no authority there.
//
// Resolution order:
//  1. PLATFORM_ADMIN short-circuits with every capability.
//  2. Legacy adminUids membership contributes UNI_ADMIN capabilities.
//  3. A granular staff record contributes its role's table entry.
//
// 2 and 3 are unioned. Resolve has no side effects besides logging.
func (r *Resolver) Resolve(ctx context.Context, p models.Principal, tenantID uuid.UUID) (*Resolution, error) {
	const op = "permission.Resolve"

	if p.GlobalRole == models.GlobalRolePlatformAdmin {
		return &Resolution{
			TenantID:        tenantID,
			Role:            models.RoleUniAdmin,
			Capabilities:    CapabilitiesFor(models.RoleUniAdmin),
			IsPlatformAdmin: true,
		}, nil
	}

	// The legacy and granular sources are independent reads.
	var (
		tenant *models.Tenant
		member *models.StaffMember
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := r.tenants.GetByID(gctx, tenantID)
		if err != nil {
			return fmt.Errorf("load tenant: %w", err)
		}
		tenant = t
		return nil
	})
	g.Go(func() error {
		m, err := r.staff.Get(gctx, tenantID, p.ID)
		if err != nil {
			return fmt.Errorf("load staff member: %w", err)
		}
		member = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "", err)
	}

	res := &Resolution{TenantID: tenantID, Capabilities: CapabilitySet{}}
	matched := false

	if tenant != nil && tenant.HasLegacyAdmin(p.ID) {
		res.IsLegacyAdmin = true
		res.Role = models.RoleUniAdmin
		res.Capabilities.union(CapabilitiesFor(models.RoleUniAdmin))
		matched = true
	}

	if member != nil {
		res.Capabilities.union(CapabilitiesFor(member.Role))
		if roleRank[member.Role] > roleRank[res.Role] {
			res.Role = member.Role
		}
		matched = true
	}

	if !matched {
		return nil, apperr.New(apperr.KindForbidden, op, "no membership in tenant")
	}
	return res, nil
}

// Require resolves and checks one capability. It distinguishes "no
// membership at all" (returned as-is, Forbidden) from "member without the
// capability" (Forbidden naming the capability) so callers can apply
// cross-tenant concealment with IsNonMember.
func (r *Resolver) Require(ctx context.Context, p models.Principal, tenantID uuid.UUID, c Capability) (*Resolution, error) {
	res, err := r.Resolve(ctx, p, tenantID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindForbidden {
			r.denied(p, tenantID, c, "no membership")
			return nil, &nonMemberError{cause: err}
		}
		return nil, err
	}
	if !res.Can(c) {
		r.denied(p, tenantID, c, "missing capability")
		return res, apperr.New(apperr.KindForbidden, "permission.Require", fmt.Sprintf("missing capability %s", c))
	}
	return res, nil
}

func (r *Resolver) denied(p models.Principal, tenantID uuid.UUID, c Capability, reason string) {
	r.metrics.PermissionDenied(string(c))
	r.logger.Info("permission denied",
		zap.String("actor", p.ID.String()),
		zap.String("tenant", tenantID.String()),
		zap.String("capability", string(c)),
		zap.String("reason", reason),
	)
}

// nonMemberError marks a Forbidden caused by the absence of any membership.
type nonMemberError struct {
	cause error
}

func (e *nonMemberError) Error() string { return e.cause.Error() }
func (e *nonMemberError) Unwrap() error { return e.cause }

// IsNonMember reports whether err came from Require for a principal with
// no authority at all on the tenant.
func IsNonMember(err error) bool {
	var nm *nonMemberError
	return errors.As(err, &nm)
}
