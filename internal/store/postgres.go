package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"leaddispatch/internal/model"
)

//go:embed schema.sql
var schemaSQL string

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	return err
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

const contractorCols = `id, name, center_lat, center_lng, primary_radius_km, max_radius_km, response_minutes,
	service_types, availability, max_active_jobs, current_active_jobs, kpi_score, kpi_bonus_multiplier,
	lead_share_pct, COALESCE(notify_url,''), updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContractor(r rowScanner) (model.Contractor, error) {
	var c model.Contractor
	var respRaw, typesRaw []byte
	var avail string
	err := r.Scan(&c.ID, &c.Name, &c.ServiceArea.Center.Lat, &c.ServiceArea.Center.Lng,
		&c.ServiceArea.PrimaryRadiusKm, &c.ServiceArea.MaxRadiusKm, &respRaw, &typesRaw, &avail,
		&c.MaxActiveJobs, &c.CurrentActiveJobs, &c.KPIScore, &c.KPIBonusMultiplier, &c.LeadSharePct,
		&c.NotifyURL, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Availability = model.Availability(avail)
	if len(typesRaw) > 0 {
		if err := json.Unmarshal(typesRaw, &c.ServiceTypes); err != nil {
			return c, err
		}
	}
	if len(respRaw) > 0 {
		if err := json.Unmarshal(respRaw, &c.ServiceArea.ResponseMinutes); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (p *Postgres) ListContractors(ctx context.Context) ([]model.Contractor, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+contractorCols+` FROM contractors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Contractor
	for rows.Next() {
		c, err := scanContractor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) GetContractor(ctx context.Context, id string) (model.Contractor, error) {
	c, err := scanContractor(p.db.QueryRowContext(ctx, `SELECT `+contractorCols+` FROM contractors WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Contractor{}, ErrNotFound
	}
	return c, err
}

func (p *Postgres) UpsertContractor(ctx context.Context, c model.Contractor) error {
	types, err := json.Marshal(c.ServiceTypes)
	if err != nil {
		return err
	}
	var resp any
	if c.ServiceArea.ResponseMinutes != nil {
		b, err := json.Marshal(c.ServiceArea.ResponseMinutes)
		if err != nil {
			return err
		}
		resp = string(b)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO contractors (id, name, center_lat, center_lng, primary_radius_km, max_radius_km,
		response_minutes, service_types, availability, max_active_jobs, current_active_jobs, kpi_score, kpi_bonus_multiplier,
		lead_share_pct, notify_url, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, center_lat=EXCLUDED.center_lat, center_lng=EXCLUDED.center_lng,
		primary_radius_km=EXCLUDED.primary_radius_km, max_radius_km=EXCLUDED.max_radius_km, response_minutes=EXCLUDED.response_minutes,
		service_types=EXCLUDED.service_types, availability=EXCLUDED.availability, max_active_jobs=EXCLUDED.max_active_jobs,
		current_active_jobs=EXCLUDED.current_active_jobs, kpi_score=EXCLUDED.kpi_score,
		kpi_bonus_multiplier=EXCLUDED.kpi_bonus_multiplier, lead_share_pct=EXCLUDED.lead_share_pct,
		notify_url=EXCLUDED.notify_url, updated_at=EXCLUDED.updated_at`,
		c.ID, c.Name, c.ServiceArea.Center.Lat, c.ServiceArea.Center.Lng, c.ServiceArea.PrimaryRadiusKm,
		c.ServiceArea.MaxRadiusKm, resp, string(types), string(c.Availability), c.MaxActiveJobs, c.CurrentActiveJobs,
		c.KPIScore, c.KPIBonusMultiplier, c.LeadSharePct, nullIfEmpty(c.NotifyURL), c.UpdatedAt)
	return err
}

func (p *Postgres) SaveLead(ctx context.Context, lead model.Lead) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO leads (id, lat, lng, address, service_type, priority, estimated_value, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET lat=EXCLUDED.lat, lng=EXCLUDED.lng, address=EXCLUDED.address,
		service_type=EXCLUDED.service_type, priority=EXCLUDED.priority, estimated_value=EXCLUDED.estimated_value, updated_at=now()`,
		lead.ID, lead.Location.Lat, lead.Location.Lng, nullIfEmpty(lead.Address), lead.ServiceType, string(lead.Priority),
		lead.EstimatedValue, lead.CreatedAt)
	return err
}

func (p *Postgres) GetLead(ctx context.Context, id string) (LeadRecord, error) {
	var rec LeadRecord
	var prio, state string
	err := p.db.QueryRowContext(ctx, `SELECT id, lat, lng, COALESCE(address,''), service_type, priority, estimated_value,
		created_at, state, COALESCE(reason,''), updated_at FROM leads WHERE id=$1`, id).
		Scan(&rec.Lead.ID, &rec.Lead.Location.Lat, &rec.Lead.Location.Lng, &rec.Lead.Address, &rec.Lead.ServiceType,
			&prio, &rec.Lead.EstimatedValue, &rec.Lead.CreatedAt, &state, &rec.Reason, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LeadRecord{}, ErrNotFound
	}
	rec.Lead.Priority = model.Priority(prio)
	rec.State = model.LeadState(state)
	return rec, err
}

func (p *Postgres) UpdateLeadState(ctx context.Context, id string, state model.LeadState, reason string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE leads SET state=$2, reason=$3, updated_at=now() WHERE id=$1`,
		id, string(state), nullIfEmpty(reason))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RecordOffer(ctx context.Context, o model.Offer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO offers (id, lead_id, contractor_id, state, rank, score, issued_at, deadline, resolved_at, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET state=EXCLUDED.state, resolved_at=EXCLUDED.resolved_at, reason=EXCLUDED.reason`,
		o.ID, o.LeadID, o.ContractorID, string(o.State), o.Rank, o.Score, o.IssuedAt, o.Deadline, o.ResolvedAt, nullIfEmpty(o.Reason))
	return err
}

func (p *Postgres) ListOffers(ctx context.Context, leadID string) ([]model.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, lead_id, contractor_id, state, rank, score, issued_at, deadline, resolved_at,
		COALESCE(reason,'') FROM offers WHERE lead_id=$1 ORDER BY issued_at, rank`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Offer
	for rows.Next() {
		var o model.Offer
		var state string
		var resolved sql.NullTime
		if err := rows.Scan(&o.ID, &o.LeadID, &o.ContractorID, &state, &o.Rank, &o.Score, &o.IssuedAt, &o.Deadline,
			&resolved, &o.Reason); err != nil {
			return nil, err
		}
		o.State = model.OfferState(state)
		if resolved.Valid {
			t := resolved.Time
			o.ResolvedAt = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SaveAssignment relies on the unique lead_id to keep assignments write-once.
func (p *Postgres) SaveAssignment(ctx context.Context, a model.Assignment) error {
	res, err := p.db.ExecContext(ctx, `INSERT INTO assignments (id, lead_id, contractor_id, score, assigned_at)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (lead_id) DO NOTHING`,
		a.ID, a.LeadID, a.ContractorID, a.Score, a.AssignedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyAssigned
	}
	return nil
}

func (p *Postgres) GetAssignment(ctx context.Context, leadID string) (model.Assignment, error) {
	var a model.Assignment
	err := p.db.QueryRowContext(ctx, `SELECT id, lead_id, contractor_id, score, assigned_at FROM assignments WHERE lead_id=$1`, leadID).
		Scan(&a.ID, &a.LeadID, &a.ContractorID, &a.Score, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, ErrNotFound
	}
	return a, err
}

func (p *Postgres) RecentAssignmentCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT contractor_id, count(*) FROM assignments WHERE assigned_at >= $1 GROUP BY contractor_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (p *Postgres) CompleteJob(ctx context.Context, leadID string, at time.Time) (model.Assignment, error) {
	a, err := p.GetAssignment(ctx, leadID)
	if err != nil {
		return a, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE assignments SET completed_at=$2 WHERE lead_id=$1 AND completed_at IS NULL`, leadID, at)
	if err != nil {
		return a, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return a, ErrAlreadyCompleted
	}
	return a, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
