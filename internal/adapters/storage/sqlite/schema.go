package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
	id             TEXT PRIMARY KEY,
	room_id        TEXT NOT NULL REFERENCES rooms(id),
	user_id        TEXT NOT NULL,
	role           TEXT NOT NULL,
	display_name   TEXT NOT NULL,
	avatar         TEXT NOT NULL DEFAULT '',
	banned         INTEGER NOT NULL DEFAULT 0,
	pending        INTEGER NOT NULL DEFAULT 0,
	active_session TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	UNIQUE (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	room_id      TEXT NOT NULL REFERENCES rooms(id),
	member_id    TEXT NOT NULL REFERENCES memberships(id),
	user_id      TEXT NOT NULL,
	display_name TEXT NOT NULL,
	avatar       TEXT NOT NULL DEFAULT '',
	server_id    TEXT NOT NULL,
	client_addr  TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	ended_at     INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS sessions_open
	ON sessions (server_id, member_id) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS session_producers (
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	producer_id TEXT NOT NULL,
	added_at    INTEGER NOT NULL,
	PRIMARY KEY (session_id, producer_id)
);

CREATE TABLE IF NOT EXISTS presentations (
	id             TEXT PRIMARY KEY,
	room_id        TEXT NOT NULL REFERENCES rooms(id),
	owner_id       TEXT NOT NULL,
	owner_user_id  TEXT NOT NULL,
	parent_session TEXT NOT NULL DEFAULT '',
	display_name   TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	started_at     INTEGER,
	ended_at       INTEGER
);
`
