package prescriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("clinicbooking.internal.prescriptions")

const defaultListLimit = 100

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists prescriptions in Postgres.
type PostgresStore struct {
	db  querier
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("prescriptions: pgx pool required")
	}
	return &PostgresStore{db: pool, now: time.Now}
}

func (s *PostgresStore) Create(ctx context.Context, p *Prescription) error {
	ctx, span := tracer.Start(ctx, "prescriptions.create")
	defer span.End()

	if err := prepare(p, s.now()); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO prescriptions (id, patient_name, content, created_at)
		VALUES ($1, $2, $3, $4)
	`, p.ID, p.PatientName, p.Content, p.CreatedAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("prescriptions: insert: %w", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Prescription, error) {
	ctx, span := tracer.Start(ctx, "prescriptions.list")
	defer span.End()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT id, patient_name, content, created_at FROM prescriptions`
	args := []any{}
	if name := strings.TrimSpace(filter.PatientName); name != "" {
		args = append(args, "%"+likeEscaper.Replace(name)+"%")
		query += ` WHERE patient_name ILIKE $1`
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("prescriptions: list: %w", err)
	}
	defer rows.Close()

	var out []Prescription
	for rows.Next() {
		var p Prescription
		if err := rows.Scan(&p.ID, &p.PatientName, &p.Content, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("prescriptions: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prescriptions: list rows: %w", err)
	}
	return out, nil
}
