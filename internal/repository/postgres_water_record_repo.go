package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/watertrack/internal/model"
)

// ownerScope はwater_recordsに対するすべてのクエリに付与する所有者条件。
// 所有者IDは常に$1で渡す。
const ownerScope = "owner_id = $1"

// PostgresWaterRecordRepo はPostgreSQLを使用した水分摂取記録リポジトリ。
type PostgresWaterRecordRepo struct {
	db *sql.DB
}

// NewPostgresWaterRecordRepo はPostgresWaterRecordRepoを生成する。
func NewPostgresWaterRecordRepo(db *sql.DB) *PostgresWaterRecordRepo {
	return &PostgresWaterRecordRepo{db: db}
}

// Create は記録を作成する。
func (r *PostgresWaterRecordRepo) Create(ctx context.Context, record *model.WaterRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO water_records (owner_id, id, time, amount) VALUES ($1, $2, $3, $4)`,
		record.OwnerID, record.ID, record.Time, record.Amount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert water record: %w", err)
	}
	return nil
}

// FindByID は所有者の記録をIDで取得する。見つからない場合はnilを返す。
func (r *PostgresWaterRecordRepo) FindByID(ctx context.Context, ownerID, id string) (*model.WaterRecord, error) {
	record := &model.WaterRecord{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, time, amount, owner_id FROM water_records WHERE `+ownerScope+` AND id = $2`,
		ownerID, id,
	).Scan(&record.ID, &record.Time, &record.Amount, &record.OwnerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find water record: %w", err)
	}
	return record, nil
}

// ListByTimePrefix は記録時刻が指定プレフィックスで始まる記録を時刻昇順で返す。
func (r *PostgresWaterRecordRepo) ListByTimePrefix(ctx context.Context, ownerID, prefix string) ([]*model.WaterRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, time, amount, owner_id FROM water_records
		 WHERE `+ownerScope+` AND time LIKE $2 ESCAPE '\'
		 ORDER BY time ASC, id ASC`,
		ownerID, escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list water records: %w", err)
	}
	defer rows.Close()

	records := make([]*model.WaterRecord, 0)
	for rows.Next() {
		record := &model.WaterRecord{}
		if err := rows.Scan(&record.ID, &record.Time, &record.Amount, &record.OwnerID); err != nil {
			return nil, fmt.Errorf("failed to scan water record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate water records: %w", err)
	}
	return records, nil
}

// Update は所有者の記録の時刻と量を更新する。
func (r *PostgresWaterRecordRepo) Update(ctx context.Context, record *model.WaterRecord) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE water_records SET time = $3, amount = $4 WHERE `+ownerScope+` AND id = $2`,
		record.OwnerID, record.ID, record.Time, record.Amount,
	)
	if err != nil {
		return fmt.Errorf("failed to update water record: %w", err)
	}
	return requireAffected(result)
}

// Delete は所有者の記録を削除する。
func (r *PostgresWaterRecordRepo) Delete(ctx context.Context, ownerID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM water_records WHERE `+ownerScope+` AND id = $2`,
		ownerID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete water record: %w", err)
	}
	return requireAffected(result)
}

// escapeLike はLIKEパターンのメタ文字をエスケープする。
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// compile-time interface check
var _ WaterRecordRepository = (*PostgresWaterRecordRepo)(nil)
