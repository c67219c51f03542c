package sharing

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/identity"
	"github.com/nestlog/nestlog/internal/profile"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Updated int
	Removed int
	Failed  int
}

// Reconcile aligns the local subject list with remote truth. Owned subjects
// are re-fetched in one query keyed by the caller; member subjects are
// fetched individually. A subject that is missing or soft-deleted remotely
// is hard-deleted locally; everything else is refreshed without ever
// downgrading a locally known role. Failures are isolated per subject: one
// bad fetch never aborts the pass.
func (p *Protocol) Reconcile(ctx context.Context, caller identity.CallerIdentity) (ReconcileReport, error) {
	if err := caller.Validate(); err != nil {
		return ReconcileReport{}, err
	}

	var report ReconcileReport
	locals := p.registry.List()

	ownedDocs, err := p.remote.Query(ctx, docstore.CollectionSubjects, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("creatorId", caller.UserID)},
	})
	if err != nil {
		// Without the owner snapshot, absence proves nothing; skip the
		// owner pass rather than misreading connectivity loss as deletion.
		p.logger.Warn("owned subject fetch failed, skipping owner reconciliation", zap.Error(err))
		report.Failed++
	} else {
		ownedByID := make(map[string]profile.Subject, len(ownedDocs))
		for _, doc := range ownedDocs {
			subject := profile.SubjectFromDocument(doc)
			ownedByID[subject.ID] = subject
		}

		for _, local := range locals {
			if local.Role != profile.RoleOwner {
				continue
			}
			remote, ok := ownedByID[local.ID]
			if !ok || remote.Deleted {
				p.removeLocal(local.ID, &report)
				continue
			}
			p.applyRemote(remote, profile.RoleOwner, &report)
		}
		// owned subjects not yet known locally (fresh device) come back too
		for id, remote := range ownedByID {
			if remote.Deleted || hasSubject(locals, id) {
				continue
			}
			p.applyRemote(remote, profile.RoleOwner, &report)
		}
	}

	for _, local := range locals {
		if local.Role != profile.RoleMember {
			continue
		}
		doc, err := p.remote.Get(ctx, docstore.CollectionSubjects, local.ID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				p.removeLocal(local.ID, &report)
				continue
			}
			p.logger.Warn("member subject fetch failed",
				zap.String("subject_id", local.ID), zap.Error(err))
			report.Failed++
			continue
		}
		remote := profile.SubjectFromDocument(doc)
		if remote.Deleted {
			p.removeLocal(local.ID, &report)
			continue
		}
		p.applyRemote(remote, profile.RoleMember, &report)
	}

	return report, nil
}

func (p *Protocol) applyRemote(subject profile.Subject, fallbackRole profile.Role, report *ReconcileReport) {
	if err := p.registry.ApplyRemote(subject, fallbackRole); err != nil {
		p.logger.Warn("local subject refresh failed",
			zap.String("subject_id", subject.ID), zap.Error(err))
		report.Failed++
		return
	}
	report.Updated++
}

func (p *Protocol) removeLocal(subjectID string, report *ReconcileReport) {
	if err := p.registry.Delete(subjectID); err != nil {
		p.logger.Warn("local subject removal failed",
			zap.String("subject_id", subjectID), zap.Error(err))
		report.Failed++
		return
	}
	report.Removed++
}

func hasSubject(subjects []profile.Subject, id string) bool {
	for _, subject := range subjects {
		if subject.ID == id {
			return true
		}
	}
	return false
}
