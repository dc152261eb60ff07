package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/carpool-lifecycle/internal/models"
)

const schema = `CREATE TABLE IF NOT EXISTS ride_transitions (
	id         BIGSERIAL PRIMARY KEY,
	ride_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	op         TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ride_transitions_ride_id_idx ON ride_transitions (ride_id, at);`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the journal table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, t Transition) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_transitions(ride_id, role, op, from_state, to_state, at) VALUES($1,$2,$3,$4,$5,$6)`,
		t.RideID.String(), t.Role, t.Op, t.From, t.To, t.At)
	return err
}

func (p *PostgresStore) ListByRide(ctx context.Context, rideID models.ID) ([]Transition, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT ride_id, role, op, from_state, to_state, at FROM ride_transitions WHERE ride_id=$1 ORDER BY at, id`, rideID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var t Transition
		var id string
		if err := rows.Scan(&id, &t.Role, &t.Op, &t.From, &t.To, &t.At); err != nil {
			return nil, err
		}
		t.RideID = models.ID(id)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }
