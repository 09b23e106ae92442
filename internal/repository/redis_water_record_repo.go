package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/watertrack/internal/model"
	"github.com/redis/go-redis/v9"
)

// キー構成:
//
//	<prefix>:water:<owner>:<id>  記録ドキュメント（JSON）
//	<prefix>:water:<owner>:index "<time>|<id>" を辞書順で保持するソート済みセット
//
// すべてのキーが所有者IDで名前空間化されるため、他ユーザーの記録には到達できない。

// updateRecordScript はドキュメントと索引を原子的に置き換える。
// ARGV[1]は読み取り時のドキュメントで、別の更新が先行していた場合は0を返す。
const updateRecordScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return -1
end
if data ~= ARGV[1] then
  return 0
end
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("ZADD", KEYS[2], 0, ARGV[3])
redis.call("SET", KEYS[1], ARGV[4])
return 1
`

var updateRecordLua = redis.NewScript(updateRecordScript)

// indexSeparator は索引メンバーの時刻とIDの区切り文字。
const indexSeparator = "|"

type redisWaterRecordDoc struct {
	ID      string `json:"id"`
	Time    string `json:"time"`
	Amount  int    `json:"amount"`
	OwnerID string `json:"ownerId"`
}

// RedisWaterRecordRepo はRedisをドキュメントストアとして使用する水分摂取記録リポジトリ。
type RedisWaterRecordRepo struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisWaterRecordRepo はRedisWaterRecordRepoを生成する。
func NewRedisWaterRecordRepo(rdb redis.UniversalClient, prefix string) *RedisWaterRecordRepo {
	return &RedisWaterRecordRepo{rdb: rdb, prefix: prefix}
}

func (r *RedisWaterRecordRepo) recordKey(ownerID, id string) string {
	return r.prefix + ":water:" + ownerID + ":" + id
}

func (r *RedisWaterRecordRepo) indexKey(ownerID string) string {
	return r.prefix + ":water:" + ownerID + ":index"
}

func indexMember(record *model.WaterRecord) string {
	return record.Time + indexSeparator + record.ID
}

func encodeRecord(record *model.WaterRecord) ([]byte, error) {
	data, err := json.Marshal(redisWaterRecordDoc{
		ID:      record.ID,
		Time:    record.Time,
		Amount:  record.Amount,
		OwnerID: record.OwnerID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode water record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*model.WaterRecord, error) {
	var doc redisWaterRecordDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode water record: %w", err)
	}
	return &model.WaterRecord{ID: doc.ID, Time: doc.Time, Amount: doc.Amount, OwnerID: doc.OwnerID}, nil
}

// Create は記録を作成する。
func (r *RedisWaterRecordRepo) Create(ctx context.Context, record *model.WaterRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.recordKey(record.OwnerID, record.ID), data, 0)
		pipe.ZAdd(ctx, r.indexKey(record.OwnerID), redis.Z{Score: 0, Member: indexMember(record)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert water record: %w", err)
	}
	return nil
}

// FindByID は所有者の記録をIDで取得する。見つからない場合はnilを返す。
func (r *RedisWaterRecordRepo) FindByID(ctx context.Context, ownerID, id string) (*model.WaterRecord, error) {
	record, _, err := r.get(ctx, ownerID, id)
	return record, err
}

func (r *RedisWaterRecordRepo) get(ctx context.Context, ownerID, id string) (*model.WaterRecord, []byte, error) {
	data, err := r.rdb.Get(ctx, r.recordKey(ownerID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find water record: %w", err)
	}
	record, err := decodeRecord(data)
	if err != nil {
		return nil, nil, err
	}
	return record, data, nil
}

// ListByTimePrefix は記録時刻が指定プレフィックスで始まる記録を時刻昇順で返す。
// 索引を辞書順範囲で走査するため、結果は時刻順（同時刻はID順）になる。
func (r *RedisWaterRecordRepo) ListByTimePrefix(ctx context.Context, ownerID, prefix string) ([]*model.WaterRecord, error) {
	members, err := r.rdb.ZRangeByLex(ctx, r.indexKey(ownerID), &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list water records: %w", err)
	}

	records := make([]*model.WaterRecord, 0, len(members))
	if len(members) == 0 {
		return records, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		i := strings.LastIndex(m, indexSeparator)
		if i < 0 {
			continue
		}
		keys = append(keys, r.recordKey(ownerID, m[i+1:]))
	}

	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load water records: %w", err)
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// 索引だけが残っている記録は読み飛ばす
			continue
		}
		record, err := decodeRecord([]byte(s))
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Update は所有者の記録の時刻と量を更新する。
func (r *RedisWaterRecordRepo) Update(ctx context.Context, record *model.WaterRecord) error {
	current, raw, err := r.get(ctx, record.OwnerID, record.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrNotFound
	}

	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	status, err := updateRecordLua.Run(ctx, r.rdb,
		[]string{r.recordKey(record.OwnerID, record.ID), r.indexKey(record.OwnerID)},
		raw, indexMember(current), indexMember(record), data,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to update water record: %w", err)
	}

	switch status {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		return fmt.Errorf("failed to update water record: concurrent modification of %s", record.ID)
	}
}

// Delete は所有者の記録を削除する。
func (r *RedisWaterRecordRepo) Delete(ctx context.Context, ownerID, id string) error {
	current, _, err := r.get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrNotFound
	}

	var delCmd *redis.IntCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		delCmd = pipe.Del(ctx, r.recordKey(ownerID, id))
		pipe.ZRem(ctx, r.indexKey(ownerID), indexMember(current))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete water record: %w", err)
	}
	if delCmd.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ WaterRecordRepository = (*RedisWaterRecordRepo)(nil)
