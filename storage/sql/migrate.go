package sql

// schema is written once in Postgres syntax and translated per-flavor by
// conn.migrate, mirroring how crud.go's queries are written once and
// translated at execution time.
const schema = `
create table if not exists client (
	id text primary key,
	type text not null,
	name text not null,
	logo_url text not null,
	secret_hash text not null,
	redirect_uris bytea not null,
	grant_types bytea not null,
	response_types bytea not null,
	require_pkce boolean not null,
	require_dpop boolean not null,
	allow_claims_without_scope boolean not null default false,
	allowed_scopes bytea not null,
	created_at timestamptz not null,
	updated_at timestamptz not null
);

create table if not exists app_user (
	id text primary key,
	external_id text not null default '',
	status text not null,
	username text not null,
	preferred_username text not null,
	email text not null default '',
	email_verified boolean not null default false,
	given_name text not null default '',
	family_name text not null default '',
	phone_number text not null default '',
	roles bytea not null,
	version text not null,
	created_at timestamptz not null,
	updated_at timestamptz not null
);

create unique index if not exists app_user_external_id_idx on app_user (external_id) where external_id <> '';
create unique index if not exists app_user_username_idx on app_user (username);

create table if not exists role (
	id text primary key,
	name text not null,
	description text not null,
	version text not null,
	created_at timestamptz not null,
	updated_at timestamptz not null
);

create unique index if not exists role_name_idx on role (name);

create table if not exists signing_keys (
	id text primary key check (id = 'keys'),
	keys bytea not null,
	next_rotation timestamptz not null
);
`

func (c *conn) migrate() error {
	for _, stmt := range splitStatements(schema) {
		if _, err := c.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits the schema into statements, ending each at a
// semicolon; the schema above never embeds a semicolon inside a string
// literal, so a naive split is sufficient.
func splitStatements(schema string) []string {
	var stmts []string
	var cur []byte
	for i := 0; i < len(schema); i++ {
		cur = append(cur, schema[i])
		if schema[i] == ';' {
			stmts = append(stmts, string(cur))
			cur = nil
		}
	}
	return stmts
}
