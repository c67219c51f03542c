// Package sharing implements the family-sharing protocol: time-limited
// invitation codes, the join-request state machine, membership listings,
// and the reconciliation pass that keeps local profiles aligned with
// remote truth.
package sharing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/identity"
	"github.com/nestlog/nestlog/internal/profile"
)

const invitationTTL = 30 * time.Minute

var (
	// ErrEmptyCode indicates a redeem attempt with a blank share code.
	ErrEmptyCode = errors.New("sharing: invitation code is required")
	// ErrMissingSubjectID indicates an issue attempt without a subject.
	ErrMissingSubjectID = errors.New("sharing: subject id is required")
)

// InvitationStatus tracks an invitation's lifecycle.
type InvitationStatus string

const (
	InvitationActive  InvitationStatus = "active"
	InvitationUsed    InvitationStatus = "used"
	InvitationExpired InvitationStatus = "expired"
)

// Invitation is a short-lived join credential. Expiry is enforced at query
// time; no background sweep flips stale invitations over.
type Invitation struct {
	RemoteID        string
	Code            string
	SubjectID       string
	ExpiresAtMillis int64
	Status          InvitationStatus
}

// JoinStatus tracks one user's membership request for one subject.
type JoinStatus string

const (
	JoinPending  JoinStatus = "pending"
	JoinApproved JoinStatus = "approved"
	JoinRejected JoinStatus = "rejected"
)

// ProtocolConfig describes the collaborators a Protocol needs.
type ProtocolConfig struct {
	Remote   docstore.Client
	Registry *profile.Registry
	Clock    func() time.Time
	Logger   *zap.Logger
	// Avatars resolves remote blob references to display URLs; optional.
	Avatars AvatarResolver
	// CodeSource feeds invitation code generation; defaults to crypto/rand.
	CodeSource io.Reader
}

// Protocol runs the sharing state machine for one device:
// NotMember -> (create) -> Owner, NotMember -> (redeem) -> Member,
// Owner/Member -> (soft-delete/exit) -> NotMember.
type Protocol struct {
	remote   docstore.Client
	registry *profile.Registry
	clock    func() time.Time
	logger   *zap.Logger
	avatars  AvatarResolver
	codes    io.Reader
}

// NewProtocol constructs a Protocol.
func NewProtocol(cfg ProtocolConfig) (*Protocol, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("sharing: remote document store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("sharing: profile registry is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	codes := cfg.CodeSource
	if codes == nil {
		codes = rand.Reader
	}
	return &Protocol{
		remote:   cfg.Remote,
		registry: cfg.Registry,
		clock:    clock,
		logger:   logger,
		avatars:  cfg.Avatars,
		codes:    codes,
	}, nil
}

// IssueInvitation creates a six-digit invitation code for the subject,
// valid for thirty minutes. Issuing requires remote connectivity; there is
// no offline fallback for handing out credentials.
func (p *Protocol) IssueInvitation(ctx context.Context, subjectID string) (Invitation, error) {
	if strings.TrimSpace(subjectID) == "" {
		return Invitation{}, ErrMissingSubjectID
	}

	code, err := p.generateCode()
	if err != nil {
		return Invitation{}, fmt.Errorf("sharing: code generation failed: %w", err)
	}

	now := p.clock().UnixMilli()
	expiresAt := now + invitationTTL.Milliseconds()
	remoteID, err := p.remote.Add(ctx, docstore.CollectionInvitations, map[string]any{
		"code":      code,
		"subjectId": subjectID,
		"status":    string(InvitationActive),
		"createdAt": now,
		"expiresAt": expiresAt,
	})
	if err != nil {
		return Invitation{}, fmt.Errorf("sharing: invitation write failed: %w", err)
	}

	return Invitation{
		RemoteID:        remoteID,
		Code:            code,
		SubjectID:       subjectID,
		ExpiresAtMillis: expiresAt,
		Status:          InvitationActive,
	}, nil
}

// RedeemResult reports the outcome of an invitation redemption. An invalid
// or expired code is a typed failure, not an error.
type RedeemResult struct {
	Success       bool
	AlreadyMember bool
	Subject       *profile.Subject
}

// RedeemInvitation validates the code and, on success, records the caller's
// membership and returns the subject for local persistence with the member
// role. Redeeming twice is an idempotent success.
func (p *Protocol) RedeemInvitation(ctx context.Context, code string, caller identity.CallerIdentity) (RedeemResult, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return RedeemResult{}, ErrEmptyCode
	}
	if err := caller.Validate(); err != nil {
		return RedeemResult{}, err
	}

	now := p.clock().UnixMilli()
	invitations, err := p.remote.Query(ctx, docstore.CollectionInvitations, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("code", trimmed),
			docstore.Eq("status", string(InvitationActive)),
			docstore.Gt("expiresAt", now),
		},
		Limit: 1,
	})
	if err != nil {
		return RedeemResult{}, fmt.Errorf("sharing: invitation lookup failed: %w", err)
	}
	if len(invitations) == 0 {
		return RedeemResult{Success: false}, nil
	}

	subjectID := docstore.StringField(invitations[0].Data, "subjectId")
	doc, err := p.remote.Get(ctx, docstore.CollectionSubjects, subjectID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return RedeemResult{Success: false}, nil
		}
		return RedeemResult{}, fmt.Errorf("sharing: subject fetch failed: %w", err)
	}
	subject := profile.SubjectFromDocument(doc)
	if subject.Deleted {
		return RedeemResult{Success: false}, nil
	}
	subject.Role = profile.RoleMember

	existing, err := p.remote.Query(ctx, docstore.CollectionJoinRecords, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("subjectId", subjectID),
			docstore.Eq("userId", caller.UserID),
		},
		Limit: 1,
	})
	if err != nil {
		return RedeemResult{}, fmt.Errorf("sharing: join record lookup failed: %w", err)
	}
	if len(existing) > 0 {
		return RedeemResult{Success: true, AlreadyMember: true, Subject: &subject}, nil
	}

	_, err = p.remote.Add(ctx, docstore.CollectionJoinRecords, map[string]any{
		"subjectId":  subjectID,
		"userId":     caller.UserID,
		"userName":   caller.DisplayName,
		"userAvatar": caller.AvatarURL,
		"status":     string(JoinApproved),
		"createdAt":  now,
		"updatedAt":  now,
	})
	if err != nil {
		return RedeemResult{}, fmt.Errorf("sharing: join record write failed: %w", err)
	}

	return RedeemResult{Success: true, Subject: &subject}, nil
}

// SetJoinStatus mutates one join record, for deployments that review joins
// instead of approving them on redemption.
func (p *Protocol) SetJoinStatus(ctx context.Context, recordID string, status JoinStatus) error {
	if recordID == "" {
		return fmt.Errorf("sharing: join record id is required")
	}
	return p.remote.Update(ctx, docstore.CollectionJoinRecords, recordID, map[string]any{
		"status":    string(status),
		"updatedAt": p.clock().UnixMilli(),
	})
}

// Member is one row of a subject's membership listing.
type Member struct {
	RecordID       string
	UserID         string
	DisplayName    string
	AvatarRef      string
	AvatarURL      string
	Status         JoinStatus
	JoinedAtMillis int64
}

// MembersResult carries a membership listing. LimitedVisibility means some
// avatars could not be resolved; the listing itself is still complete.
type MembersResult struct {
	Members           []Member
	LimitedVisibility bool
}

// ListMembers returns the subject's join records in join order, with blob
// avatar references resolved to display URLs where possible.
func (p *Protocol) ListMembers(ctx context.Context, subjectID string) (MembersResult, error) {
	if strings.TrimSpace(subjectID) == "" {
		return MembersResult{}, ErrMissingSubjectID
	}

	docs, err := p.remote.Query(ctx, docstore.CollectionJoinRecords, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("subjectId", subjectID)},
		OrderBy: "createdAt",
	})
	if err != nil {
		return MembersResult{}, fmt.Errorf("sharing: member listing failed: %w", err)
	}

	members := make([]Member, 0, len(docs))
	var blobRefs []string
	for _, doc := range docs {
		member := Member{
			RecordID:       doc.ID,
			UserID:         docstore.StringField(doc.Data, "userId"),
			DisplayName:    docstore.StringField(doc.Data, "userName"),
			AvatarRef:      docstore.StringField(doc.Data, "userAvatar"),
			Status:         JoinStatus(docstore.StringField(doc.Data, "status")),
			JoinedAtMillis: docstore.Int64Field(doc.Data, "createdAt"),
		}
		if isBlobRef(member.AvatarRef) {
			blobRefs = append(blobRefs, member.AvatarRef)
		} else {
			member.AvatarURL = member.AvatarRef
		}
		members = append(members, member)
	}

	resolved, limited := p.resolveAvatars(ctx, blobRefs)
	for i := range members {
		if url, ok := resolved[members[i].AvatarRef]; ok {
			members[i].AvatarURL = url
		}
	}
	return MembersResult{Members: members, LimitedVisibility: limited}, nil
}

func (p *Protocol) generateCode() (string, error) {
	var buf [4]byte
	if _, err := io.ReadFull(p.codes, buf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(buf[:])
	return fmt.Sprintf("%06d", 100000+n%900000), nil
}
