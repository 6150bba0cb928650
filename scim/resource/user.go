package resource

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/storage"
)

const userSchema = "urn:ietf:params:scim:schemas:core:2.0:User"

// Name is the SCIM "name" complex attribute.
type Name struct {
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

// Email is one entry of the SCIM "emails" multi-valued attribute.
type Email struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary,omitempty"`
}

// PhoneNumber is one entry of the SCIM "phoneNumbers" multi-valued
// attribute.
type PhoneNumber struct {
	Value string `json:"value"`
}

// GroupRef is a back-reference to a group a user belongs to.
type GroupRef struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

// Meta is the SCIM "meta" complex attribute.
type Meta struct {
	ResourceType string    `json:"resourceType"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
	Location     string    `json:"location,omitempty"`
	Version      string    `json:"version"`
}

// User is the SCIM wire representation of storage.User.
type User struct {
	Schemas           []string      `json:"schemas"`
	ID                string        `json:"id"`
	ExternalID        string        `json:"externalId,omitempty"`
	UserName          string        `json:"userName"`
	Name              Name          `json:"name,omitempty"`
	PreferredUsername string        `json:"nickName,omitempty"`
	Emails            []Email       `json:"emails,omitempty"`
	PhoneNumbers      []PhoneNumber `json:"phoneNumbers,omitempty"`
	Active            bool          `json:"active"`
	Groups            []GroupRef    `json:"groups,omitempty"`
	Meta              Meta          `json:"meta"`
}

// userToStorage converts a SCIM User payload into a storage.User, preserving
// fields the wire payload does not carry (ID, Roles, audit timestamps,
// Version) from existing.
func userToStorage(u User, existing storage.User) storage.User {
	out := existing
	out.ExternalID = u.ExternalID
	out.Core.Username = u.UserName
	out.Core.PreferredUsername = u.PreferredUsername
	out.PII.GivenName = u.Name.GivenName
	out.PII.FamilyName = u.Name.FamilyName
	if len(u.Emails) > 0 {
		out.PII.Email = u.Emails[0].Value
		out.PII.EmailVerified = false
	}
	if len(u.PhoneNumbers) > 0 {
		out.PII.PhoneNumber = u.PhoneNumbers[0].Value
	}
	if u.Active {
		out.Status = storage.UserActive
	} else {
		out.Status = storage.UserInactive
	}
	return out
}

func storageToUser(u storage.User, groups []GroupRef) User {
	out := User{
		Schemas:           []string{userSchema},
		ID:                u.ID,
		ExternalID:        u.ExternalID,
		UserName:          u.Core.Username,
		PreferredUsername: u.Core.PreferredUsername,
		Name:              Name{GivenName: u.PII.GivenName, FamilyName: u.PII.FamilyName},
		Active:            u.Status == storage.UserActive,
		Groups:            groups,
		Meta: Meta{
			ResourceType: "User",
			Created:      u.CreatedAt,
			LastModified: u.UpdatedAt,
			Location:     "/Users/" + u.ID,
			Version:      u.Version,
		},
	}
	if u.PII.Email != "" {
		out.Emails = []Email{{Value: u.PII.Email, Primary: true}}
	}
	if u.PII.PhoneNumber != "" {
		out.PhoneNumbers = []PhoneNumber{{Value: u.PII.PhoneNumber}}
	}
	return out
}

// groupRefsForUser returns the GroupRef entries for u's role memberships.
func (s *Service) groupRefsForUser(ctx context.Context, u storage.User) []GroupRef {
	if len(u.Roles) == 0 {
		return nil
	}
	refs := make([]GroupRef, 0, len(u.Roles))
	for _, roleID := range u.Roles {
		r, err := s.Storage.GetRole(ctx, roleID)
		if err != nil {
			continue
		}
		refs = append(refs, GroupRef{Value: r.ID, Display: r.Name})
	}
	return refs
}

// GetUser fetches a single user by id.
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	u, err := s.Storage.GetUser(ctx, id)
	if err != nil {
		return User{}, mapStorageError(err)
	}
	return storageToUser(u, s.groupRefsForUser(ctx, u)), nil
}

// ListUsers returns a page of users matching a SCIM filter expression.
func (s *Service) ListUsers(ctx context.Context, filterExpr string, startIndex, count int) (ListResponse, error) {
	if startIndex <= 0 {
		startIndex = 1
	}
	users, total, err := s.Storage.ListUsers(ctx, storage.ListOptions{
		StartIndex: startIndex,
		Count:      clampCount(count),
		Filter:     filterExpr,
	})
	if err != nil {
		return ListResponse{}, mapStorageError(err)
	}
	resources := make([]interface{}, 0, len(users))
	for _, u := range users {
		resources = append(resources, storageToUser(u, s.groupRefsForUser(ctx, u)))
	}
	return newListResponse(startIndex, count, total, resources), nil
}

// CreateUser provisions a new user.
func (s *Service) CreateUser(ctx context.Context, actor string, payload User) (User, error) {
	if payload.UserName == "" {
		return User{}, apierr.Invalid("invalidValue", "userName is required")
	}
	now := time.Now()
	u := userToStorage(payload, storage.User{
		ID:        uuid.NewString(),
		Status:    storage.UserActive,
		Version:   newVersion(),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err := s.Storage.CreateUser(ctx, u); err != nil {
		return User{}, mapStorageError(err)
	}
	incMutation("User", "create")
	s.emit(ctx, audit.SeverityInfo, audit.KindSCIMMutation, actor, u.ID, map[string]any{"op": "create", "resource": "User"})
	return storageToUser(u, nil), nil
}

// ReplaceUser implements SCIM PUT: wholesale replacement of mutable fields.
func (s *Service) ReplaceUser(ctx context.Context, actor, id, ifMatch string, payload User) (User, error) {
	var result storage.User
	err := s.Storage.UpdateUser(ctx, id, func(old storage.User) (storage.User, error) {
		if err := CheckIfMatch(ifMatch, old.Version); err != nil {
			return storage.User{}, err
		}
		updated := userToStorage(payload, old)
		updated.Version = newVersion()
		updated.UpdatedAt = time.Now()
		result = updated
		return updated, nil
	})
	if err != nil {
		return User{}, mapStorageError(err)
	}
	incMutation("User", "replace")
	s.emit(ctx, audit.SeverityInfo, audit.KindSCIMMutation, actor, id, map[string]any{"op": "replace", "resource": "User"})
	return storageToUser(result, s.groupRefsForUser(ctx, result)), nil
}

// PatchUser implements SCIM PATCH (RFC 7644 §3.5.2).
func (s *Service) PatchUser(ctx context.Context, actor, id, ifMatch string, ops []PatchOp) (User, error) {
	var result storage.User
	err := s.Storage.UpdateUser(ctx, id, func(old storage.User) (storage.User, error) {
		if err := CheckIfMatch(ifMatch, old.Version); err != nil {
			return storage.User{}, err
		}
		current := storageToUser(old, nil)
		doc, err := toMap(current)
		if err != nil {
			return storage.User{}, apierr.Internal(err)
		}
		for _, op := range ops {
			if err := op.Apply(doc); err != nil {
				return storage.User{}, err
			}
		}
		var patched User
		if err := fromMap(doc, &patched); err != nil {
			return storage.User{}, apierr.Invalid("invalidSyntax", "patched resource is not a valid User")
		}
		updated := userToStorage(patched, old)
		updated.Version = newVersion()
		updated.UpdatedAt = time.Now()
		result = updated
		return updated, nil
	})
	if err != nil {
		return User{}, mapStorageError(err)
	}
	incMutation("User", "patch")
	s.emit(ctx, audit.SeverityInfo, audit.KindSCIMMutation, actor, id, map[string]any{"op": "patch", "resource": "User"})
	return storageToUser(result, s.groupRefsForUser(ctx, result)), nil
}

// DeleteUser removes a user.
func (s *Service) DeleteUser(ctx context.Context, actor, id string) error {
	if err := s.Storage.DeleteUser(ctx, id); err != nil {
		return mapStorageError(err)
	}
	incMutation("User", "delete")
	s.emit(ctx, audit.SeverityInfo, audit.KindSCIMMutation, actor, id, map[string]any{"op": "delete", "resource": "User"})
	return nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]interface{}, v interface{}) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
