package fraud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists fraud data in PostgreSQL. Schema lives in
// migrations/.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) PutCampaign(ctx context.Context, c *Campaign) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, user_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, name = EXCLUDED.name`,
		c.ID, c.OwnerID, c.Name)
	return err
}

func (p *PostgresStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	c := &Campaign{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, name FROM campaigns WHERE id = $1`, id,
	).Scan(&c.ID, &c.OwnerID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) CreateAlert(ctx context.Context, a *Alert) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (
			id, campaign_id, alert_type, severity, description,
			affected_user_ids, detected_at, resolved_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.CampaignID, string(a.AlertType), a.Severity, a.Description,
		pq.Array(a.AffectedUserIDs), a.DetectedAt, nullTime(a.ResolvedAt), string(a.Status),
	)
	return err
}

const alertColumns = `fa.id, fa.campaign_id, fa.alert_type, fa.severity, fa.description,
		fa.affected_user_ids, fa.detected_at, fa.resolved_at, fa.status`

func (p *PostgresStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM fraud_alerts fa WHERE fa.id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	return a, err
}

// UpdateAlert locks the alert row for the duration of fn.
func (p *PostgresStore) UpdateAlert(ctx context.Context, id string, fn func(a *Alert, ownerID string) error) (*Alert, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var owner sql.NullString
	row := tx.QueryRowContext(ctx, `
		SELECT `+alertColumns+`, c.user_id
		FROM fraud_alerts fa
		LEFT JOIN campaigns c ON c.id = fa.campaign_id
		WHERE fa.id = $1
		FOR UPDATE OF fa`, id)
	a, err := scanAlert(row, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := fn(a, owner.String); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE fraud_alerts
		SET status = $1, resolved_at = $2, description = $3, severity = $4
		WHERE id = $5`,
		string(a.Status), nullTime(a.ResolvedAt), a.Description, a.Severity, a.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) ListAlerts(ctx context.Context, ownerID string, f AlertFilter) ([]*Alert, error) {
	var (
		where = []string{"c.user_id = $1"}
		args  = []interface{}{ownerID}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		where = append(where, "fa.status = "+arg(string(f.Status)))
	}
	if f.AlertType != "" {
		where = append(where, "fa.alert_type = "+arg(string(f.AlertType)))
	}
	if f.MinSeverity > 0 {
		where = append(where, "fa.severity >= "+arg(f.MinSeverity))
	}
	if !f.Since.IsZero() {
		where = append(where, "fa.detected_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "fa.detected_at <= "+arg(f.Until))
	}
	if f.Cursor != nil {
		where = append(where, fmt.Sprintf("(fa.detected_at, fa.id) < (%s, %s)", arg(f.Cursor.At), arg(f.Cursor.ID)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultAlertLimit
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM fraud_alerts fa
		JOIN campaigns c ON c.id = fa.campaign_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY fa.detected_at DESC, fa.id DESC
		LIMIT `+arg(limit+1), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordScreening(ctx context.Context, s *Screening) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_screenings (
			prediction_id, campaign_id, bid_price, flagged, fraud_type,
			device_type, browser, os, country, region, city, screened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.PredictionID, s.CampaignID, s.BidPrice, s.Flagged, nullString(string(s.FraudType)),
		s.DeviceType, s.Browser, s.OS, s.Country, s.Region, s.City, s.ScreenedAt,
	)
	return err
}

func (p *PostgresStore) AlertCounts(ctx context.Context, ownerID string, since time.Time) (*AlertCounts, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT fa.alert_type,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE fa.status = 'active')
		FROM fraud_alerts fa
		JOIN campaigns c ON c.id = fa.campaign_id
		WHERE c.user_id = $1 AND fa.detected_at >= $2
		GROUP BY fa.alert_type`, ownerID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := &AlertCounts{ByType: make(map[string]int)}
	for rows.Next() {
		var (
			typ           string
			total, active int
		)
		if err := rows.Scan(&typ, &total, &active); err != nil {
			return nil, err
		}
		counts.ByType[typ] = total
		counts.Total += total
		counts.Active += active
	}
	return counts, rows.Err()
}

func (p *PostgresStore) BlockedBids(ctx context.Context, ownerID string, since time.Time) (int64, decimal.Decimal, error) {
	var (
		n     int64
		saved decimal.Decimal
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(s.bid_price), 0)
		FROM fraud_screenings s
		JOIN campaigns c ON c.id = s.campaign_id
		WHERE c.user_id = $1 AND s.flagged AND s.screened_at >= $2`,
		ownerID, since,
	).Scan(&n, &saved)
	return n, saved, err
}

func (p *PostgresStore) TopCampaigns(ctx context.Context, ownerID string, since time.Time, limit int) ([]CampaignRisk, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.name, COUNT(fa.id) AS attempts
		FROM campaigns c
		JOIN fraud_alerts fa ON fa.campaign_id = c.id AND fa.detected_at >= $2
		WHERE c.user_id = $1
		GROUP BY c.id, c.name
		ORDER BY attempts DESC, c.id
		LIMIT $3`, ownerID, since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CampaignRisk
	for rows.Next() {
		var r CampaignRisk
		if err := rows.Scan(&r.CampaignID, &r.CampaignName, &r.FraudAttempts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Trends(ctx context.Context, ownerID string, since time.Time) ([]Trend, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT to_char(fa.detected_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		       fa.alert_type,
		       COUNT(*)
		FROM fraud_alerts fa
		JOIN campaigns c ON c.id = fa.campaign_id
		WHERE c.user_id = $1 AND fa.detected_at >= $2
		GROUP BY day, fa.alert_type
		ORDER BY day DESC, fa.alert_type ASC`, ownerID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Trend
	for rows.Next() {
		var (
			t   Trend
			typ string
		)
		if err := rows.Scan(&t.Date, &typ, &t.FraudAttempts); err != nil {
			return nil, err
		}
		t.AlertType = AlertType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeviceBreakdown(ctx context.Context, ownerID string, since time.Time, limit int) ([]DeviceRisk, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.device_type, s.browser, s.os,
		       COUNT(*) AS total_bids,
		       COUNT(*) FILTER (WHERE s.flagged) AS fraud_bids,
		       (COUNT(*) FILTER (WHERE s.flagged))::FLOAT8 / COUNT(*) AS fraud_rate
		FROM fraud_screenings s
		JOIN campaigns c ON c.id = s.campaign_id
		WHERE c.user_id = $1 AND s.screened_at >= $2
		GROUP BY s.device_type, s.browser, s.os
		HAVING COUNT(*) FILTER (WHERE s.flagged) > 0
		ORDER BY fraud_rate DESC, fraud_bids DESC
		LIMIT $3`, ownerID, since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DeviceRisk
	for rows.Next() {
		var d DeviceRisk
		if err := rows.Scan(&d.DeviceType, &d.Browser, &d.OS, &d.TotalBids, &d.FraudBids, &d.FraudRate); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GeoBreakdown(ctx context.Context, ownerID string, since time.Time, limit int) ([]GeoRisk, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.country, s.region, s.city,
		       COUNT(*) AS total_bids,
		       COUNT(*) FILTER (WHERE s.flagged) AS fraud_bids,
		       (COUNT(*) FILTER (WHERE s.flagged))::FLOAT8 / COUNT(*) AS fraud_rate
		FROM fraud_screenings s
		JOIN campaigns c ON c.id = s.campaign_id
		WHERE c.user_id = $1 AND s.screened_at >= $2
		GROUP BY s.country, s.region, s.city
		HAVING COUNT(*) FILTER (WHERE s.flagged) > 0
		ORDER BY fraud_bids DESC, fraud_rate DESC
		LIMIT $3`, ownerID, since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []GeoRisk
	for rows.Next() {
		var g GeoRisk
		if err := rows.Scan(&g.Country, &g.Region, &g.City, &g.TotalBids, &g.FraudBids, &g.FraudRate); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(s scanner, extra ...interface{}) (*Alert, error) {
	var (
		a          Alert
		typ        string
		status     string
		resolvedAt sql.NullTime
		users      pq.StringArray
	)
	dest := append([]interface{}{
		&a.ID, &a.CampaignID, &typ, &a.Severity, &a.Description,
		&users, &a.DetectedAt, &resolvedAt, &status,
	}, extra...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	a.AlertType = AlertType(typ)
	a.Status = Status(status)
	a.AffectedUserIDs = []string(users)
	if a.AffectedUserIDs == nil {
		a.AffectedUserIDs = []string{}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
