package bidding

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bidsense/bidengine/internal/features"
	"github.com/bidsense/bidengine/internal/fraud"
)

// PostgresStore persists decisions in the bid_decisions table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ HistoryStore = (*PostgresStore)(nil)

func (p *PostgresStore) RecordDecision(ctx context.Context, d *Decision) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bid_decisions (
			prediction_id, campaign_id, segment_id, floor_price, bid_price,
			confidence, strategy, model_version, fraud_risk, fraud_type,
			fraud_reason, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (prediction_id) DO NOTHING`,
		d.PredictionID, d.CampaignID, d.SegmentID,
		decimal.NewFromFloat(d.FloorPrice), decimal.NewFromFloat(d.BidPrice),
		d.Confidence, string(d.Strategy), d.ModelVersion, d.FraudRisk,
		nullString(string(d.FraudType)), nullString(d.FraudReason), d.DecidedAt,
	)
	return err
}

const decisionColumns = `prediction_id, campaign_id, segment_id, floor_price, bid_price,
		confidence, strategy, model_version, fraud_risk, fraud_type, fraud_reason,
		decided_at, won, win_price, converted, outcome_at`

func (p *PostgresStore) GetDecision(ctx context.Context, predictionID string) (*Decision, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM bid_decisions WHERE prediction_id = $1`, predictionID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDecisionNotFound
	}
	return d, err
}

// RecordOutcome only updates rows without an outcome, so concurrent reports
// for one decision resolve to a single winner.
func (p *PostgresStore) RecordOutcome(ctx context.Context, predictionID string, o Outcome, at time.Time) (*Decision, error) {
	var winPrice decimal.NullDecimal
	if o.Won {
		winPrice = decimal.NewNullDecimal(decimal.NewFromFloat(o.WinPrice))
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE bid_decisions
		SET won = $2, win_price = $3, converted = $4, outcome_at = $5
		WHERE prediction_id = $1 AND won IS NULL
		RETURNING `+decisionColumns,
		predictionID, o.Won, winPrice, o.Converted, at,
	)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.GetDecision(ctx, predictionID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrOutcomeRecorded
	}
	return d, err
}

func (p *PostgresStore) Stats(ctx context.Context, campaignID string, now time.Time) (features.History, error) {
	var (
		h                   features.History
		wins                int
		avgBid, avgWinPrice decimal.NullDecimal
		spend               decimal.Decimal
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE won),
			AVG(bid_price),
			AVG(win_price) FILTER (WHERE won),
			COALESCE(SUM(win_price) FILTER (WHERE won AND decided_at >= $3), 0),
			COUNT(*) FILTER (WHERE converted AND decided_at >= $3)
		FROM bid_decisions
		WHERE campaign_id = $1 AND decided_at >= $2 AND decided_at <= $4`,
		campaignID, now.Add(-StatsWindow), now.Add(-SpendWindow), now,
	).Scan(&h.TotalBids, &wins, &avgBid, &avgWinPrice, &spend, &h.Conversions7d)
	if err != nil {
		return features.History{}, err
	}
	if h.TotalBids == 0 {
		return features.History{}, nil
	}

	h.WinRate = float64(wins) / float64(h.TotalBids)
	h.AvgBid = avgBid.Decimal.InexactFloat64()
	if avgWinPrice.Valid {
		h.AvgWinPrice = avgWinPrice.Decimal.InexactFloat64()
	}
	h.Spend7d = spend.InexactFloat64()
	return h, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(s scanner) (*Decision, error) {
	var (
		d                      Decision
		floor, bid             decimal.Decimal
		strategy               string
		fraudType, fraudReason sql.NullString
		won                    sql.NullBool
		winPrice               decimal.NullDecimal
		outcomeAt              sql.NullTime
	)
	err := s.Scan(
		&d.PredictionID, &d.CampaignID, &d.SegmentID, &floor, &bid,
		&d.Confidence, &strategy, &d.ModelVersion, &d.FraudRisk, &fraudType, &fraudReason,
		&d.DecidedAt, &won, &winPrice, &d.Converted, &outcomeAt,
	)
	if err != nil {
		return nil, err
	}

	d.FloorPrice = floor.InexactFloat64()
	d.BidPrice = bid.InexactFloat64()
	d.Strategy = Strategy(strategy)
	d.FraudType = fraud.AlertType(fraudType.String)
	d.FraudReason = fraudReason.String
	if won.Valid {
		w := won.Bool
		d.Won = &w
	}
	if winPrice.Valid {
		v := winPrice.Decimal.InexactFloat64()
		d.WinPrice = &v
	}
	if outcomeAt.Valid {
		t := outcomeAt.Time
		d.OutcomeAt = &t
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
