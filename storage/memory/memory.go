// Package memory provides an in-memory storage.Storage, grounded on the
// teacher's storage/memory: a mutex-guarded set of maps accessed through a
// single tx helper, generalized here to the spec's Client/User/Role/Keys
// model instead of dex's Password/Connector/OfflineSessions model. Intended
// for tests and single-process development; UpdateX runs under the same
// mutex as every reader, so the read-modify-write it performs is atomic by
// construction, no retry loop needed.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/authrim/authrim/scim/filter"
	"github.com/authrim/authrim/storage"
)

// userAttributes maps the SCIM attribute names ListOptions.Filter may
// reference to an accessor over storage.User, mirroring the attribute→column
// map storage/sql compiles the same filter against.
var userAttributes = map[string]func(storage.User) (interface{}, bool){
	"username":      func(u storage.User) (interface{}, bool) { return u.Core.Username, true },
	"externalid":    func(u storage.User) (interface{}, bool) { return u.ExternalID, u.ExternalID != "" },
	"active":        func(u storage.User) (interface{}, bool) { return u.Status == storage.UserActive, true },
	"emails.value":  func(u storage.User) (interface{}, bool) { return u.PII.Email, u.PII.Email != "" },
	"name.givenname": func(u storage.User) (interface{}, bool) { return u.PII.GivenName, u.PII.GivenName != "" },
	"name.familyname": func(u storage.User) (interface{}, bool) { return u.PII.FamilyName, u.PII.FamilyName != "" },
}

var roleAttributes = map[string]func(storage.Role) (interface{}, bool){
	"displayname": func(r storage.Role) (interface{}, bool) { return r.Name, true },
}

func filterUsers(all []storage.User, expr string) ([]storage.User, error) {
	if expr == "" {
		return all, nil
	}
	node, err := filter.Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]storage.User, 0, len(all))
	for _, u := range all {
		if filter.Eval(node, func(attr string) (interface{}, bool) {
			get, ok := userAttributes[normalizeAttr(attr)]
			if !ok {
				return nil, false
			}
			return get(u)
		}) {
			out = append(out, u)
		}
	}
	return out, nil
}

func filterRoles(all []storage.Role, expr string) ([]storage.Role, error) {
	if expr == "" {
		return all, nil
	}
	node, err := filter.Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Role, 0, len(all))
	for _, r := range all {
		if filter.Eval(node, func(attr string) (interface{}, bool) {
			get, ok := roleAttributes[normalizeAttr(attr)]
			if !ok {
				return nil, false
			}
			return get(r)
		}) {
			out = append(out, r)
		}
	}
	return out, nil
}

func normalizeAttr(attr string) string {
	out := make([]byte, 0, len(attr))
	for i := 0; i < len(attr); i++ {
		c := attr[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

var _ storage.Storage = (*memStorage)(nil)

// New returns an in-memory storage.Storage.
func New() storage.Storage {
	return &memStorage{
		clients: make(map[string]storage.Client),
		users:   make(map[string]storage.User),
		roles:   make(map[string]storage.Role),
	}
}

type memStorage struct {
	mu sync.Mutex

	clients map[string]storage.Client
	users   map[string]storage.User
	roles   map[string]storage.Role
	keys    storage.Keys
	hasKeys bool
}

func (s *memStorage) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *memStorage) Close() error { return nil }
func (s *memStorage) Ping() error  { return nil }

// --- Client -------------------------------------------------------------

func (s *memStorage) CreateClient(_ context.Context, cl storage.Client) error {
	var err error
	s.tx(func() {
		if _, ok := s.clients[cl.ID]; ok {
			err = storage.ErrUpdateConflict
			return
		}
		s.clients[cl.ID] = cl
	})
	return err
}

func (s *memStorage) GetClient(_ context.Context, id string) (storage.Client, error) {
	var cl storage.Client
	var err error
	s.tx(func() {
		var ok bool
		cl, ok = s.clients[id]
		if !ok {
			err = storage.ErrNotFound
		}
	})
	return cl, err
}

func (s *memStorage) ListClients(_ context.Context) ([]storage.Client, error) {
	var out []storage.Client
	s.tx(func() {
		for _, cl := range s.clients {
			out = append(out, cl)
		}
	})
	return out, nil
}

func (s *memStorage) UpdateClient(_ context.Context, id string, updater func(storage.Client) (storage.Client, error)) error {
	var err error
	s.tx(func() {
		old, ok := s.clients[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(old)
		if uerr != nil {
			err = uerr
			return
		}
		s.clients[id] = updated
	})
	return err
}

func (s *memStorage) DeleteClient(_ context.Context, id string) error {
	var err error
	s.tx(func() {
		if _, ok := s.clients[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.clients, id)
	})
	return err
}

// --- User -----------------------------------------------------------------

func (s *memStorage) CreateUser(_ context.Context, u storage.User) error {
	var err error
	s.tx(func() {
		if _, ok := s.users[u.ID]; ok {
			err = storage.ErrUpdateConflict
			return
		}
		for _, existing := range s.users {
			if existing.Core.Username == u.Core.Username {
				err = storage.ErrUpdateConflict
				return
			}
			if u.ExternalID != "" && existing.ExternalID == u.ExternalID {
				err = storage.ErrUpdateConflict
				return
			}
		}
		s.users[u.ID] = u
	})
	return err
}

func (s *memStorage) GetUser(_ context.Context, id string) (storage.User, error) {
	var u storage.User
	var err error
	s.tx(func() {
		var ok bool
		u, ok = s.users[id]
		if !ok {
			err = storage.ErrNotFound
		}
	})
	return u, err
}

func (s *memStorage) GetUserByExternalID(_ context.Context, externalID string) (storage.User, error) {
	var u storage.User
	err := storage.ErrNotFound
	s.tx(func() {
		for _, existing := range s.users {
			if existing.ExternalID == externalID {
				u, err = existing, nil
				return
			}
		}
	})
	return u, err
}

func (s *memStorage) GetUserByUsername(_ context.Context, username string) (storage.User, error) {
	var u storage.User
	err := storage.ErrNotFound
	s.tx(func() {
		for _, existing := range s.users {
			if existing.Core.Username == username {
				u, err = existing, nil
				return
			}
		}
	})
	return u, err
}

func (s *memStorage) ListUsers(_ context.Context, opts storage.ListOptions) ([]storage.User, int, error) {
	var all []storage.User
	s.tx(func() {
		for _, u := range s.users {
			all = append(all, u)
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	filtered, err := filterUsers(all, opts.Filter)
	if err != nil {
		return nil, 0, err
	}
	return paginateUsers(filtered, opts), len(filtered), nil
}

func paginateUsers(all []storage.User, opts storage.ListOptions) []storage.User {
	start := opts.StartIndex
	if start > 1 {
		start--
	} else {
		start = 0
	}
	if start >= len(all) {
		return nil
	}
	end := len(all)
	if opts.Count > 0 && start+opts.Count < end {
		end = start + opts.Count
	}
	return all[start:end]
}

func (s *memStorage) UpdateUser(_ context.Context, id string, updater func(storage.User) (storage.User, error)) error {
	var err error
	s.tx(func() {
		old, ok := s.users[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(old)
		if uerr != nil {
			err = uerr
			return
		}
		s.users[id] = updated
	})
	return err
}

func (s *memStorage) DeleteUser(_ context.Context, id string) error {
	var err error
	s.tx(func() {
		if _, ok := s.users[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.users, id)
	})
	return err
}

// --- Role -------------------------------------------------------------

func (s *memStorage) CreateRole(_ context.Context, r storage.Role) error {
	var err error
	s.tx(func() {
		if _, ok := s.roles[r.ID]; ok {
			err = storage.ErrUpdateConflict
			return
		}
		for _, existing := range s.roles {
			if existing.Name == r.Name {
				err = storage.ErrUpdateConflict
				return
			}
		}
		s.roles[r.ID] = r
	})
	return err
}

func (s *memStorage) GetRole(_ context.Context, id string) (storage.Role, error) {
	var r storage.Role
	var err error
	s.tx(func() {
		var ok bool
		r, ok = s.roles[id]
		if !ok {
			err = storage.ErrNotFound
		}
	})
	return r, err
}

func (s *memStorage) GetRoleByName(_ context.Context, name string) (storage.Role, error) {
	var r storage.Role
	err := storage.ErrNotFound
	s.tx(func() {
		for _, existing := range s.roles {
			if existing.Name == name {
				r, err = existing, nil
				return
			}
		}
	})
	return r, err
}

func (s *memStorage) ListRoles(_ context.Context, opts storage.ListOptions) ([]storage.Role, int, error) {
	var all []storage.Role
	s.tx(func() {
		for _, r := range s.roles {
			all = append(all, r)
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	filtered, err := filterRoles(all, opts.Filter)
	if err != nil {
		return nil, 0, err
	}
	start := opts.StartIndex
	if start > 1 {
		start--
	} else {
		start = 0
	}
	if start >= len(filtered) {
		return nil, len(filtered), nil
	}
	end := len(filtered)
	if opts.Count > 0 && start+opts.Count < end {
		end = start + opts.Count
	}
	return filtered[start:end], len(filtered), nil
}

func (s *memStorage) UpdateRole(_ context.Context, id string, updater func(storage.Role) (storage.Role, error)) error {
	var err error
	s.tx(func() {
		old, ok := s.roles[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(old)
		if uerr != nil {
			err = uerr
			return
		}
		s.roles[id] = updated
	})
	return err
}

func (s *memStorage) DeleteRole(_ context.Context, id string) error {
	var err error
	s.tx(func() {
		if _, ok := s.roles[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.roles, id)
	})
	return err
}

// --- Keys -------------------------------------------------------------

func (s *memStorage) GetKeys(_ context.Context) (storage.Keys, error) {
	var k storage.Keys
	var err error
	s.tx(func() {
		if !s.hasKeys {
			err = storage.ErrNotFound
			return
		}
		k = s.keys
	})
	return k, err
}

func (s *memStorage) UpdateKeys(_ context.Context, updater func(storage.Keys) (storage.Keys, error)) error {
	var err error
	s.tx(func() {
		var old storage.Keys
		if s.hasKeys {
			old = s.keys
		}
		updated, uerr := updater(old)
		if uerr != nil {
			err = uerr
			return
		}
		s.keys = updated
		s.hasKeys = true
	})
	return err
}

func (s *memStorage) GarbageCollect(_ context.Context, _ time.Time) (storage.GCResult, error) {
	return storage.GCResult{}, nil
}
