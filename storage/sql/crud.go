package sql

import (
	"context"
	gosql "database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/authrim/authrim/scim/filter"
	"github.com/authrim/authrim/storage"
)

// userFilterAttributes maps the SCIM attribute names a ListUsers filter may
// reference to the app_user column backing it, per spec.md §4.6's "compile
// to parameterized SQL against a static attribute→column map".
var userFilterAttributes = filter.AttributeMap{
	"username":         "username",
	"externalid":       "external_id",
	"emails.value":     "email",
	"name.givenname":   "given_name",
	"name.familyname":  "family_name",
	"phonenumbers.value": "phone_number",
}

var roleFilterAttributes = filter.AttributeMap{
	"displayname": "name",
}

// compileFilter parses and compiles a SCIM filter expression into a SQL
// clause using '?' placeholders, then renumbers them as Postgres-style
// "$N" starting at startAt so it can be spliced into a canonical query
// alongside other positional parameters; flavor.translate turns every "$N"
// back into "?" for SQLite/MySQL at execution time.
func compileFilter(expr string, attrs filter.AttributeMap, startAt int) (string, []interface{}, error) {
	if expr == "" {
		return "", nil, nil
	}
	node, err := filter.Parse(expr)
	if err != nil {
		return "", nil, err
	}
	clause, args, err := filter.Compile(node, attrs, sqlx.QUESTION)
	if err != nil {
		return "", nil, err
	}
	return renumberPlaceholders(clause, startAt), args, nil
}

// renumberPlaceholders rewrites each literal "?" in clause to "$N",
// "$N+1", ... in left-to-right order, starting at startAt.
func renumberPlaceholders(clause string, startAt int) string {
	var b strings.Builder
	n := startAt
	for i := 0; i < len(clause); i++ {
		if clause[i] == '?' {
			b.WriteString("$" + strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(clause[i])
	}
	return b.String()
}

// encoder/decoder wrap a Go value so database/sql can marshal/unmarshal it
// as a JSON column, grounded on the teacher's storage/sql/crud.go encoder
// and decoder helpers.
func encoder(i interface{}) driver.Valuer { return jsonEncoder{i} }
func decoder(i interface{}) gosql.Scanner { return jsonDecoder{i} }

type jsonEncoder struct{ i interface{} }

func (j jsonEncoder) Value() (driver.Value, error) {
	b, err := json.Marshal(j.i)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}

type jsonDecoder struct{ i interface{} }

func (j jsonDecoder) Scan(dest interface{}) error {
	if dest == nil {
		return errors.New("nil value")
	}
	b, ok := dest.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte got %T", dest)
	}
	return json.Unmarshal(b, j.i)
}

var _ storage.Storage = (*conn)(nil)

func isUniqueViolation(err error) bool {
	// lib/pq and go-sql-driver/mysql both surface a distinct duplicate-key
	// error string rather than a shared type; match loosely rather than
	// importing both drivers' error types here.
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "duplicate key", "UNIQUE constraint", "Duplicate entry")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// --- Client -------------------------------------------------------------

func (c *conn) CreateClient(ctx context.Context, cl storage.Client) error {
	_, err := c.Exec(`
		insert into client
			(id, type, name, logo_url, secret_hash, redirect_uris, grant_types,
			 response_types, require_pkce, require_dpop, allow_claims_without_scope,
			 allowed_scopes, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		cl.ID, string(cl.Type), cl.Name, cl.LogoURL, cl.SecretHash,
		encoder(cl.RedirectURIs), encoder(cl.GrantTypes), encoder(cl.ResponseTypes),
		cl.RequirePKCE, cl.RequireDPoP, cl.AllowClaimsWithoutScope,
		encoder(cl.AllowedScopes), cl.CreatedAt, cl.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrUpdateConflict
	}
	return err
}

func (c *conn) getClient(q querier, id string) (storage.Client, error) {
	var cl storage.Client
	var typ string
	row := q.QueryRow(`
		select id, type, name, logo_url, secret_hash, redirect_uris, grant_types,
		       response_types, require_pkce, require_dpop, allow_claims_without_scope,
		       allowed_scopes, created_at, updated_at
		from client where id = $1`, id)
	err := row.Scan(&cl.ID, &typ, &cl.Name, &cl.LogoURL, &cl.SecretHash,
		decoder(&cl.RedirectURIs), decoder(&cl.GrantTypes), decoder(&cl.ResponseTypes),
		&cl.RequirePKCE, &cl.RequireDPoP, &cl.AllowClaimsWithoutScope,
		decoder(&cl.AllowedScopes), &cl.CreatedAt, &cl.UpdatedAt)
	if err == gosql.ErrNoRows {
		return storage.Client{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Client{}, err
	}
	cl.Type = storage.ClientType(typ)
	return cl, nil
}

func (c *conn) GetClient(_ context.Context, id string) (storage.Client, error) {
	return c.getClient(c, id)
}

func (c *conn) ListClients(_ context.Context) ([]storage.Client, error) {
	rows, err := c.Query(`select id from client order by created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]storage.Client, 0, len(ids))
	for _, id := range ids {
		cl, err := c.getClient(c, id)
		if err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, nil
}

func (c *conn) UpdateClient(_ context.Context, id string, updater func(storage.Client) (storage.Client, error)) error {
	return c.executeTx(func(tx *gosql.Tx) error {
		tc := &txConn{tx: tx, flavor: c.flavor}
		old, err := c.getClient(tc, id)
		if err != nil {
			return err
		}
		updated, err := updater(old)
		if err != nil {
			return err
		}
		_, err = tc.Exec(`
			update client set type = $1, name = $2, logo_url = $3, secret_hash = $4,
			       redirect_uris = $5, grant_types = $6, response_types = $7,
			       require_pkce = $8, require_dpop = $9, allow_claims_without_scope = $10,
			       allowed_scopes = $11, updated_at = $12
			where id = $13`,
			string(updated.Type), updated.Name, updated.LogoURL, updated.SecretHash,
			encoder(updated.RedirectURIs), encoder(updated.GrantTypes), encoder(updated.ResponseTypes),
			updated.RequirePKCE, updated.RequireDPoP, updated.AllowClaimsWithoutScope,
			encoder(updated.AllowedScopes), updated.UpdatedAt, id)
		return err
	})
}

func (c *conn) DeleteClient(_ context.Context, id string) error {
	res, err := c.Exec(`delete from client where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// --- User -----------------------------------------------------------------

func (c *conn) CreateUser(_ context.Context, u storage.User) error {
	_, err := c.Exec(`
		insert into app_user
			(id, external_id, status, username, preferred_username, email, email_verified,
			 given_name, family_name, phone_number, roles, version, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		u.ID, u.ExternalID, string(u.Status), u.Core.Username, u.Core.PreferredUsername,
		u.PII.Email, u.PII.EmailVerified, u.PII.GivenName, u.PII.FamilyName, u.PII.PhoneNumber,
		encoder(u.Roles), u.Version, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrUpdateConflict
	}
	return err
}

func (c *conn) getUserWhere(q querier, where string, arg string) (storage.User, error) {
	var u storage.User
	var status string
	row := q.QueryRow(`
		select id, external_id, status, username, preferred_username, email, email_verified,
		       given_name, family_name, phone_number, roles, version, created_at, updated_at
		from app_user where `+where+` = $1`, arg)
	err := row.Scan(&u.ID, &u.ExternalID, &status, &u.Core.Username, &u.Core.PreferredUsername,
		&u.PII.Email, &u.PII.EmailVerified, &u.PII.GivenName, &u.PII.FamilyName, &u.PII.PhoneNumber,
		decoder(&u.Roles), &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err == gosql.ErrNoRows {
		return storage.User{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.User{}, err
	}
	u.Status = storage.UserStatus(status)
	return u, nil
}

func (c *conn) GetUser(_ context.Context, id string) (storage.User, error) {
	return c.getUserWhere(c, "id", id)
}

func (c *conn) GetUserByExternalID(_ context.Context, externalID string) (storage.User, error) {
	return c.getUserWhere(c, "external_id", externalID)
}

func (c *conn) GetUserByUsername(_ context.Context, username string) (storage.User, error) {
	return c.getUserWhere(c, "username", username)
}

func (c *conn) ListUsers(_ context.Context, opts storage.ListOptions) ([]storage.User, int, error) {
	where, whereArgs, err := compileFilter(opts.Filter, userFilterAttributes, 1)
	if err != nil {
		return nil, 0, err
	}
	whereClause := ""
	if where != "" {
		whereClause = " where " + where
	}

	var total int
	if err := c.QueryRow(`select count(*) from app_user`+whereClause, whereArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := opts.Count
	if limit <= 0 {
		limit = 200
	}
	offset := opts.StartIndex
	if offset > 0 {
		offset--
	}
	pageArgs := append(append([]interface{}{}, whereArgs...), limit, offset)
	limitPos := len(whereArgs) + 1
	query := fmt.Sprintf(`select id from app_user%s order by created_at limit $%d offset $%d`, whereClause, limitPos, limitPos+1)
	rows, err := c.Query(query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	out := make([]storage.User, 0, len(ids))
	for _, id := range ids {
		u, err := c.getUserWhere(c, "id", id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, nil
}

func (c *conn) UpdateUser(_ context.Context, id string, updater func(storage.User) (storage.User, error)) error {
	return c.executeTx(func(tx *gosql.Tx) error {
		tc := &txConn{tx: tx, flavor: c.flavor}
		old, err := c.getUserWhere(tc, "id", id)
		if err != nil {
			return err
		}
		updated, err := updater(old)
		if err != nil {
			return err
		}
		_, err = tc.Exec(`
			update app_user set external_id = $1, status = $2, username = $3, preferred_username = $4,
			       email = $5, email_verified = $6, given_name = $7, family_name = $8, phone_number = $9,
			       roles = $10, version = $11, updated_at = $12
			where id = $13`,
			updated.ExternalID, string(updated.Status), updated.Core.Username, updated.Core.PreferredUsername,
			updated.PII.Email, updated.PII.EmailVerified, updated.PII.GivenName, updated.PII.FamilyName, updated.PII.PhoneNumber,
			encoder(updated.Roles), updated.Version, updated.UpdatedAt, id)
		return err
	})
}

func (c *conn) DeleteUser(_ context.Context, id string) error {
	res, err := c.Exec(`delete from app_user where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// --- Role -------------------------------------------------------------

func (c *conn) CreateRole(_ context.Context, r storage.Role) error {
	_, err := c.Exec(`
		insert into role (id, name, description, version, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Name, r.Description, r.Version, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrUpdateConflict
	}
	return err
}

func (c *conn) getRoleWhere(q querier, where, arg string) (storage.Role, error) {
	var r storage.Role
	row := q.QueryRow(`
		select id, name, description, version, created_at, updated_at
		from role where `+where+` = $1`, arg)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err == gosql.ErrNoRows {
		return storage.Role{}, storage.ErrNotFound
	}
	return r, err
}

func (c *conn) GetRole(_ context.Context, id string) (storage.Role, error) {
	return c.getRoleWhere(c, "id", id)
}

func (c *conn) GetRoleByName(_ context.Context, name string) (storage.Role, error) {
	return c.getRoleWhere(c, "name", name)
}

func (c *conn) ListRoles(_ context.Context, opts storage.ListOptions) ([]storage.Role, int, error) {
	where, whereArgs, err := compileFilter(opts.Filter, roleFilterAttributes, 1)
	if err != nil {
		return nil, 0, err
	}
	whereClause := ""
	if where != "" {
		whereClause = " where " + where
	}

	var total int
	if err := c.QueryRow(`select count(*) from role`+whereClause, whereArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := opts.Count
	if limit <= 0 {
		limit = 200
	}
	offset := opts.StartIndex
	if offset > 0 {
		offset--
	}
	pageArgs := append(append([]interface{}{}, whereArgs...), limit, offset)
	limitPos := len(whereArgs) + 1
	query := fmt.Sprintf(`select id from role%s order by created_at limit $%d offset $%d`, whereClause, limitPos, limitPos+1)
	rows, err := c.Query(query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	out := make([]storage.Role, 0, len(ids))
	for _, id := range ids {
		r, err := c.getRoleWhere(c, "id", id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, nil
}

func (c *conn) UpdateRole(_ context.Context, id string, updater func(storage.Role) (storage.Role, error)) error {
	return c.executeTx(func(tx *gosql.Tx) error {
		tc := &txConn{tx: tx, flavor: c.flavor}
		old, err := c.getRoleWhere(tc, "id", id)
		if err != nil {
			return err
		}
		updated, err := updater(old)
		if err != nil {
			return err
		}
		_, err = tc.Exec(`update role set name = $1, description = $2, version = $3, updated_at = $4 where id = $5`,
			updated.Name, updated.Description, updated.Version, updated.UpdatedAt, id)
		return err
	})
}

func (c *conn) DeleteRole(_ context.Context, id string) error {
	res, err := c.Exec(`delete from role where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// --- Keys -------------------------------------------------------------

func (c *conn) getKeys(q querier) (storage.Keys, error) {
	var k storage.Keys
	row := q.QueryRow(`select keys, next_rotation from signing_keys where id = 'keys'`)
	err := row.Scan(decoder(&k.Keys), &k.NextRotation)
	if err == gosql.ErrNoRows {
		return storage.Keys{}, storage.ErrNotFound
	}
	return k, err
}

func (c *conn) GetKeys(_ context.Context) (storage.Keys, error) {
	return c.getKeys(c)
}

func (c *conn) UpdateKeys(_ context.Context, updater func(storage.Keys) (storage.Keys, error)) error {
	return c.executeTx(func(tx *gosql.Tx) error {
		tc := &txConn{tx: tx, flavor: c.flavor}
		old, err := c.getKeys(tc)
		if err != nil && err != storage.ErrNotFound {
			return err
		}
		updated, err := updater(old)
		if err != nil {
			return err
		}
		_, err = tc.Exec(`
			insert into signing_keys (id, keys, next_rotation) values ('keys', $1, $2)
			on conflict (id) do update set keys = excluded.keys, next_rotation = excluded.next_rotation`,
			encoder(updated.Keys), updated.NextRotation)
		return err
	})
}

func requireRowAffected(res gosql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
