package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/animus-labs/agent-gateway/internal/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS gateway_automations (
	automation_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	input JSONB NOT NULL,
	config JSONB,
	frequency TEXT NOT NULL,
	time_of_day TEXT NOT NULL,
	day_of_week SMALLINT,
	day_of_month SMALLINT,
	paused BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
)`

const selectColumns = `automation_id, agent_id, input, config, frequency, time_of_day, day_of_week, day_of_month, paused, created_at`

// PostgresStore keeps automations in the gateway_automations table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the table when missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create gateway_automations: %w", err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, a Automation) error {
	_, err := p.db.ExecContext(
		ctx,
		`INSERT INTO gateway_automations (
			automation_id,
			agent_id,
			input,
			config,
			frequency,
			time_of_day,
			day_of_week,
			day_of_month,
			paused,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID,
		a.AgentID,
		[]byte(a.Input),
		nullJSON(a.Config),
		string(a.Frequency),
		a.TimeOfDay,
		nullInt(a.DayOfWeek),
		nullInt(a.DayOfMonth),
		a.Paused,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert automation: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Automation, error) {
	row := p.db.QueryRowContext(
		ctx,
		`SELECT `+selectColumns+`
		 FROM gateway_automations
		 WHERE automation_id = $1`,
		id,
	)
	a, err := scanAutomation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Automation{}, domain.ErrNotFound
		}
		return Automation{}, fmt.Errorf("get automation: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Automation, error) {
	rows, err := p.db.QueryContext(
		ctx,
		`SELECT `+selectColumns+`
		 FROM gateway_automations
		 ORDER BY created_at ASC, automation_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) SetPaused(ctx context.Context, id string, paused bool) error {
	res, err := p.db.ExecContext(
		ctx,
		`UPDATE gateway_automations SET paused = $2 WHERE automation_id = $1`,
		id,
		paused,
	)
	if err != nil {
		return fmt.Errorf("update automation: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM gateway_automations WHERE automation_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete automation: %w", err)
	}
	return requireRow(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row scanner) (Automation, error) {
	var (
		a          Automation
		input      []byte
		config     []byte
		frequency  string
		dayOfWeek  sql.NullInt32
		dayOfMonth sql.NullInt32
	)
	if err := row.Scan(&a.ID, &a.AgentID, &input, &config, &frequency, &a.TimeOfDay, &dayOfWeek, &dayOfMonth, &a.Paused, &a.CreatedAt); err != nil {
		return Automation{}, err
	}
	a.Input = input
	if len(config) > 0 {
		a.Config = config
	}
	a.Frequency = Frequency(frequency)
	if dayOfWeek.Valid {
		v := int(dayOfWeek.Int32)
		a.DayOfWeek = &v
	}
	if dayOfMonth.Valid {
		v := int(dayOfMonth.Int32)
		a.DayOfMonth = &v
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nullInt(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true}
}
