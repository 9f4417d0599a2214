package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "MetaPilot/internal/errors"
)

// RedisBackendConfig 描述经验记录使用的 Redis 连接。
type RedisBackendConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisBackend 把每条记录保存为 JSON 字符串，并用集合维护索引。
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend 连接 Redis 并返回后端实例。
func NewRedisBackend(ctx context.Context, cfg RedisBackendConfig) (*RedisBackend, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisBackendWithClient(client, cfg.Prefix), nil
}

// NewRedisBackendWithClient 复用已有客户端。
func NewRedisBackendWithClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "metapilot:memory"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) itemKey(namespace, id string) string {
	return fmt.Sprintf("%s:%s:%s", b.prefix, namespace, id)
}

func (b *RedisBackend) indexKey(namespace string) string {
	return fmt.Sprintf("%s:%s:ids", b.prefix, namespace)
}

// Put 写入记录并登记索引。
func (b *RedisBackend) Put(ctx context.Context, namespace string, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码经验记录失败")
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.itemKey(namespace, item.ID), payload, 0)
		pipe.SAdd(ctx, b.indexKey(namespace), item.ID)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入经验记录失败")
	}
	return nil
}

// Get 读取单条记录。
func (b *RedisBackend) Get(ctx context.Context, namespace, id string) (Item, bool, error) {
	raw, err := b.client.Get(ctx, b.itemKey(namespace, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取经验记录失败")
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析经验记录失败")
	}
	return item, true, nil
}

// Delete 删除记录与索引。
func (b *RedisBackend) Delete(ctx context.Context, namespace, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.itemKey(namespace, id))
		pipe.SRem(ctx, b.indexKey(namespace), id)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除经验记录失败")
	}
	return nil
}

// Clear 删除命名空间内全部记录。
func (b *RedisBackend) Clear(ctx context.Context, namespace string) error {
	ids, err := b.client.SMembers(ctx, b.indexKey(namespace)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取经验索引失败")
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, b.itemKey(namespace, id))
	}
	keys = append(keys, b.indexKey(namespace))
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空经验记录失败")
	}
	return nil
}

// All 读取命名空间内全部记录，索引中已失效的条目会被跳过。
func (b *RedisBackend) All(ctx context.Context, namespace string) ([]Item, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey(namespace)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取经验索引失败")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.itemKey(namespace, id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取经验记录失败")
	}
	items := make([]Item, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Close 关闭连接。
func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
