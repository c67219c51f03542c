package profile

import (
	"errors"
	"strings"

	"github.com/nestlog/nestlog/internal/docstore"
)

// Role is a subject's membership role from this device's point of view. It
// is computed locally and never trusted from an arbitrary remote payload.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

const defaultDisplayName = "Baby"

var (
	// ErrMissingSubjectID indicates an operation on a subject without an id.
	ErrMissingSubjectID = errors.New("profile: subject id is required")
	// ErrDuplicateSubjectID indicates an upsert that would collide with a
	// different subject already holding the id.
	ErrDuplicateSubjectID = errors.New("profile: subject id already in use")
)

// Subject is a tracked child profile. The id doubles as the shareable join
// code, is user-supplied at creation, globally unique and case-sensitive.
type Subject struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Gender      string `json:"gender,omitempty"`
	BirthDate   string `json:"birthDate,omitempty"`
	Role        Role   `json:"role"`
	// Denormalized display info of the creating user.
	CreatorName   string `json:"creatorName,omitempty"`
	CreatorAvatar string `json:"creatorAvatar,omitempty"`
	// Deleted is the remote soft-delete flag; locally deleted subjects are
	// removed outright.
	Deleted         bool  `json:"-"`
	UpdatedAtMillis int64 `json:"updatedAt,omitempty"`
}

func (s Subject) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrMissingSubjectID
	}
	return nil
}

// normalized fills display defaults and the locally-computed role so legacy
// cache entries stay readable.
func (s Subject) normalized() Subject {
	if s.DisplayName == "" {
		s.DisplayName = defaultDisplayName
	}
	if s.Role != RoleOwner && s.Role != RoleMember {
		s.Role = RoleOwner
	}
	return s
}

func (s Subject) docData(creatorID string, updatedAtMillis int64) map[string]any {
	return map[string]any{
		"id":            s.ID,
		"name":          s.DisplayName,
		"avatar":        s.AvatarRef,
		"gender":        s.Gender,
		"birthDate":     s.BirthDate,
		"creatorId":     creatorID,
		"creatorName":   s.CreatorName,
		"creatorAvatar": s.CreatorAvatar,
		"deleted":       false,
		"updatedAt":     updatedAtMillis,
	}
}

// SubjectFromDocument decodes a remote subject document. The role is left
// empty on purpose: membership is decided locally, not by remote data.
func SubjectFromDocument(doc docstore.Document) Subject {
	id := docstore.StringField(doc.Data, "id")
	if id == "" {
		id = doc.ID
	}
	return Subject{
		ID:              id,
		DisplayName:     docstore.StringField(doc.Data, "name"),
		AvatarRef:       docstore.StringField(doc.Data, "avatar"),
		Gender:          docstore.StringField(doc.Data, "gender"),
		BirthDate:       docstore.StringField(doc.Data, "birthDate"),
		CreatorName:     docstore.StringField(doc.Data, "creatorName"),
		CreatorAvatar:   docstore.StringField(doc.Data, "creatorAvatar"),
		Deleted:         docstore.BoolField(doc.Data, "deleted"),
		UpdatedAtMillis: docstore.Int64Field(doc.Data, "updatedAt"),
	}
}
