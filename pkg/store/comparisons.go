package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/exploopio/zapcontrol/pkg/model"
)

func assetKey(assetID *int64) int64 {
	if assetID == nil {
		return 0
	}
	return *assetID
}

// ReplaceComparison upserts the comparison row for (target, asset, from, to)
// and replaces its item list wholesale in one transaction. c.ID and the item
// IDs are set on return.
func (s *Store) ReplaceComparison(ctx context.Context, c *model.ScanComparison) error {
	return s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO scan_comparisons (target_id, asset_key, from_run_id, to_run_id,
				new_count, resolved_count, changed_count, risk_delta, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(target_id, asset_key, from_run_id, to_run_id) DO UPDATE SET
				new_count = excluded.new_count,
				resolved_count = excluded.resolved_count,
				changed_count = excluded.changed_count,
				risk_delta = excluded.risk_delta,
				created_at = excluded.created_at
		`, c.TargetID, assetKey(c.AssetID), c.FromRunID, c.ToRunID,
			c.Summary.New, c.Summary.Resolved, c.Summary.Changed, c.RiskDelta, ts(c.CreatedAt)); err != nil {
			return fmt.Errorf("upsert comparison: %w", err)
		}

		if err := tx.q.QueryRowContext(ctx, `
			SELECT id FROM scan_comparisons
			WHERE target_id = ? AND asset_key = ? AND from_run_id = ? AND to_run_id = ?
		`, c.TargetID, assetKey(c.AssetID), c.FromRunID, c.ToRunID).Scan(&c.ID); err != nil {
			return err
		}

		if _, err := tx.q.ExecContext(ctx, `DELETE FROM scan_comparison_items WHERE comparison_id = ?`, c.ID); err != nil {
			return fmt.Errorf("delete comparison items: %w", err)
		}
		for i := range c.Items {
			item := &c.Items[i]
			item.ComparisonID = c.ID
			res, err := tx.q.ExecContext(ctx, `
				INSERT INTO scan_comparison_items (comparison_id, fingerprint, finding_id, change_type, before_state, after_state)
				VALUES (?, ?, ?, ?, ?, ?)
			`, c.ID, item.Fingerprint, item.FindingID, item.Change, item.Before, item.After)
			if err != nil {
				return fmt.Errorf("insert comparison item: %w", err)
			}
			if item.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetComparison loads a comparison and its items. A nil comparison with nil
// error means none exists.
func (s *Store) GetComparison(ctx context.Context, targetID int64, assetID *int64, fromRunID, toRunID int64) (*model.ScanComparison, error) {
	var c model.ScanComparison
	var key int64
	var createdAt string
	err := s.q.QueryRowContext(ctx, `
		SELECT id, target_id, asset_key, from_run_id, to_run_id, new_count, resolved_count, changed_count,
			risk_delta, created_at
		FROM scan_comparisons
		WHERE target_id = ? AND asset_key = ? AND from_run_id = ? AND to_run_id = ?
	`, targetID, assetKey(assetID), fromRunID, toRunID).Scan(&c.ID, &c.TargetID, &key, &c.FromRunID, &c.ToRunID,
		&c.Summary.New, &c.Summary.Resolved, &c.Summary.Changed, &c.RiskDelta, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if key != 0 {
		c.AssetID = &key
	}
	c.CreatedAt = parseTS(createdAt)

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, comparison_id, fingerprint, finding_id, change_type, before_state, after_state
		FROM scan_comparison_items WHERE comparison_id = ? ORDER BY id
	`, c.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item model.ComparisonItem
		if err := rows.Scan(&item.ID, &item.ComparisonID, &item.Fingerprint, &item.FindingID, &item.Change,
			&item.Before, &item.After); err != nil {
			return nil, err
		}
		c.Items = append(c.Items, item)
	}
	return &c, rows.Err()
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
