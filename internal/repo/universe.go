package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"researchline/internal/domain"
)

func (r Repo) UpsertUniverse(ctx context.Context, tx *sql.Tx, e domain.UniverseEntry) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return err
		}
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO universe(ticker,name,sector,metadata_json) VALUES (?,?,?,?)
ON CONFLICT(ticker) DO UPDATE SET name=excluded.name, sector=excluded.sector, metadata_json=excluded.metadata_json`,
		e.Ticker, nullable(e.Name), nullable(e.Sector), string(meta))
	return err
}

func (r Repo) GetUniverse(ctx context.Context, ticker string) (domain.UniverseEntry, error) {
	var (
		e    domain.UniverseEntry
		meta string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT ticker,COALESCE(name,''),COALESCE(sector,''),metadata_json FROM universe WHERE ticker=?`, ticker).
		Scan(&e.Ticker, &e.Name, &e.Sector, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return e, err
		}
	}
	return e, nil
}

// UniverseTickers returns the first limit tickers in ticker order.
func (r Repo) UniverseTickers(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ticker FROM universe ORDER BY ticker LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountUniverse(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM universe`).Scan(&n)
	return n, err
}
