package resource

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/storage"
)

const groupSchema = "urn:ietf:params:scim:schemas:core:2.0:Group"

// Group is the SCIM wire representation of storage.Role. Membership has no
// backing field on storage.Role — storage.User.Roles is the only record of
// membership — so Members is always derived, never stored on the group row
// directly; see membersForRole.
type Group struct {
	Schemas     []string   `json:"schemas"`
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	Members     []GroupRef `json:"members,omitempty"`
	Meta        Meta       `json:"meta"`
}

func roleToGroup(r storage.Role, members []GroupRef) Group {
	return Group{
		Schemas:     []string{groupSchema},
		ID:          r.ID,
		DisplayName: r.Name,
		Members:     members,
		Meta: Meta{
			ResourceType: "Group",
			Created:      r.CreatedAt,
			LastModified: r.UpdatedAt,
			Location:     "/Groups/" + r.ID,
			Version:      r.Version,
		},
	}
}

// membersForRole derives a group's membership by scanning every user for a
// Roles entry matching roleID. storage.Role carries no Members field — this
// is a deliberate simplification rather than a missing storage feature, and
// is bounded at MaxPageSize per scan rather than paging exhaustively.
func (s *Service) membersForRole(ctx context.Context, roleID string) ([]GroupRef, error) {
	users, _, err := s.Storage.ListUsers(ctx, storage.ListOptions{StartIndex: 1, Count: MaxPageSize})
	if err != nil {
		return nil, err
	}
	var refs []GroupRef
	for _, u := range users {
		for _, r := range u.Roles {
			if r == roleID {
				refs = append(refs, GroupRef{Value: u.ID, Display: u.Core.Username})
				break
			}
		}
	}
	return refs, nil
}

func (s *Service) addUserToRole(ctx context.Context, userID, roleID string) error {
	return s.Storage.UpdateUser(ctx, userID, func(u storage.User) (storage.User, error) {
		for _, existing := range u.Roles {
			if existing == roleID {
				return u, nil
			}
		}
		u.Roles = append(u.Roles, roleID)
		u.Version = newVersion()
		u.UpdatedAt = time.Now()
		return u, nil
	})
}

func (s *Service) removeUserFromRole(ctx context.Context, userID, roleID string) error {
	return s.Storage.UpdateUser(ctx, userID, func(u storage.User) (storage.User, error) {
		out := make([]string, 0, len(u.Roles))
		found := false
		for _, existing := range u.Roles {
			if existing == roleID {
				found = true
				continue
			}
			out = append(out, existing)
		}
		if !found {
			return u, nil
		}
		u.Roles = out
		u.Version = newVersion()
		u.UpdatedAt = time.Now()
		return u, nil
	})
}

// reconcileMembers makes roleID's membership match desired, adding and
// removing user role-references one user row at a time. storage.Storage has
// no cross-aggregate transaction primitive, so this is best-effort
// sequential application rather than an atomic membership swap.
func (s *Service) reconcileMembers(ctx context.Context, roleID string, current, desired []GroupRef) error {
	currentSet := make(map[string]bool, len(current))
	for _, m := range current {
		currentSet[m.Value] = true
	}
	desiredSet := make(map[string]bool, len(desired))
	for _, m := range desired {
		desiredSet[m.Value] = true
	}
	for uid := range desiredSet {
		if !currentSet[uid] {
			if err := s.addUserToRole(ctx, uid, roleID); err != nil {
				return err
			}
		}
	}
	for uid := range currentSet {
		if !desiredSet[uid] {
			if err := s.removeUserFromRole(ctx, uid, roleID); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetGroup fetches a single group by id.
func (s *Service) GetGroup(ctx context.Context, id string) (Group, error) {
	r, err := s.Storage.GetRole(ctx, id)
	if err != nil {
		return Group{}, mapStorageError(err)
	}
	members, err := s.membersForRole(ctx, r.ID)
	if err != nil {
		return Group{}, mapStorageError(err)
	}
	return roleToGroup(r, members), nil
}

// ListGroups returns a page of groups matching a SCIM filter expression.
func (s *Service) ListGroups(ctx context.Context, filterExpr string, startIndex, count int) (ListResponse, error) {
	if startIndex <= 0 {
		startIndex = 1
	}
	roles, total, err := s.Storage.ListRoles(ctx, storage.ListOptions{
		StartIndex: startIndex,
		Count:      clampCount(count),
		Filter:     filterExpr,
	})
	if err != nil {
		return ListResponse{}, mapStorageError(err)
	}
	resources := make([]interface{}, 0, len(roles))
	for _, r := range roles {
		members, err := s.membersForRole(ctx, r.ID)
		if err != nil {
			return ListResponse{}, mapStorageError(err)
		}
		resources = append(resources, roleToGroup(r, members))
	}
	return newListResponse(startIndex, count, total, resources), nil
}

// CreateGroup provisions a new group and its initial membership.
func (s *Service) CreateGroup(ctx context.Context, actor string, payload Group) (Group, error) {
	if payload.DisplayName == "" {
		return Group{}, apierr.Invalid("invalidValue", "displayName is required")
	}
	now := time.Now()
	r := storage.Role{
		ID:        uuid.NewString(),
		Name:      payload.DisplayName,
		Version:   newVersion(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Storage.CreateRole(ctx, r); err != nil {
		return Group{}, mapStorageError(err)
	}
	for _, m := range payload.Members {
		if err := s.addUserToRole(ctx, m.Value, r.ID); err != nil {
			return Group{}, mapStorageError(err)
		}
	}
	incMutation("Group", "create")
	s.emit(ctx, audit.SeverityInfo, audit.KindSCIMMutation, actor, r.ID, map[string]any{"op": "create", "resource": "Group"})
	members, err := s.membersForRole(ctx, r.ID)
	if err != nil {
		return Group{}, mapStorageError(err)
	}
	return roleToGroup(r, members), nil
}

// ReplaceGroup implements SCIM PUT: wholesale replacement of displayName and
// the member set.
func (s *Service) ReplaceGroup(ctx context.Context, actor, id, ifMatch string, payload Group) (Group, error) {
	current, err := s.membersForRole(ctx, id)
	if err != nil {
		return Group{}, mapStorageError(err)
	}
	var result storage.Role
	err = s.Storage.UpdateRole(ctx, id, func(old storage.Role) (storage.Role, error) {
		if err := CheckIfMatch(ifMatch, old.Version); err != nil {
			return storage.Role{}, err
		}
		updated := old
		updated.Name = payload.DisplayName
		updated.Version = newVersion()
		updated.UpdatedAt = time.Now()
		result = updated
		return updated, nil
	})
	if err != nil {
		return Group{}, mapStorageError(err)
	}
	if err := s.reconcileMembers(ctx, id, current, payload.Members); err != nil {
		return Group{}, mapStorageError(err)
	}
	incMutation("Group", "replace")
	s.emit(ctx, audit.SeverityInfo, audit.KindSCIMMutation, actor, id, map[string]any{"op": "replace", "resource": "Group"})
	members, err := s.membersForRole(ctx, id)
	if err != nil {
		return Group{}, mapStorageError(err)
	}
	return roleToGroup(result, members), nil
}

// PatchGroup implements SCIM PATCH (RFC 7644 §3.5.2) against a group,
// including add/remove of individual members via a "members[value eq \"id\"]"
// path selector.
func (s *Service) PatchGroup(ctx context.Context, actor, id, ifMatch string, ops []PatchOp) (Group, error) {
	current, err := s.GetGroup(ctx, id)
	if err != nil {
		return Group{}, err
	}
	if err := CheckIfMatch(ifMatch, current.Meta.Version); err != nil {
		return Group{}, err
	}
	doc, err := toMap(current)
	if err != nil {
		return Group{}, apierr.Internal(err)
	}
	for _, op := range ops {
		if err := op.Apply(doc); err != nil {
			return Group{}, err
		}
	}
	var patched Group
	if err := fromMap(doc, &patched); err != nil {
		return Group{}, apierr.Invalid("invalidSyntax", "patched resource is not a valid Group")
	}
	var result storage.Role
	err = s.Storage.UpdateRole(ctx, id, func(old storage.Role) (storage.Role, error) {
		if err := CheckIfMatch(ifMatch, old.Version); err != nil {
			return storage.Role{}, err
		}
		updated := old
		updated.Name = patched.DisplayName
		updated.Version = newVersion()
		updated.UpdatedAt = time.Now()
		result = updated
		return updated, nil
	})
	if err != nil {
		return Group{}, mapStorageError(err)
	}
	if err := s.reconcileMembers(ctx, id, current.Members, patched.Members); err != nil {
		return Group{}, mapStorageError(err)
	}
	incMutation("Group", "patch")
	s.emit(ctx, audit.SeverityInfo, audit.KindSCIMMutation, actor, id, map[string]any{"op": "patch", "resource": "Group"})
	members, err := s.membersForRole(ctx, id)
	if err != nil {
		return Group{}, mapStorageError(err)
	}
	return roleToGroup(result, members), nil
}

// DeleteGroup removes a group, clearing the role reference from every
// current member before deleting the role row.
func (s *Service) DeleteGroup(ctx context.Context, actor, id string) error {
	members, err := s.membersForRole(ctx, id)
	if err != nil {
		return mapStorageError(err)
	}
	for _, m := range members {
		if err := s.removeUserFromRole(ctx, m.Value, id); err != nil {
			return mapStorageError(err)
		}
	}
	if err := s.Storage.DeleteRole(ctx, id); err != nil {
		return mapStorageError(err)
	}
	incMutation("Group", "delete")
	s.emit(ctx, audit.SeverityInfo, audit.KindSCIMMutation, actor, id, map[string]any{"op": "delete", "resource": "Group"})
	return nil
}
