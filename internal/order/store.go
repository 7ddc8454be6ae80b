package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// Store долговременное хранилище управляемых ордеров; одна запись на trade id
type Store interface {
	Load(ctx context.Context) (map[string]models.ManagedOrder, error)
	Save(ctx context.Context, orders map[string]models.ManagedOrder) error
	Close() error
}

// NewStore создает хранилище по конфигурации
func NewStore(cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedisStore(cfg)
	case "file", "":
		return NewFileStore(cfg.Path), nil
	}
	return nil, fmt.Errorf("%w: state backend %q", config.ErrInvalidConfig, cfg.Backend)
}

// FileStore JSON-объект в файле, ключ - trade id
type FileStore struct {
	path string
}

// NewFileStore создает файловое хранилище
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load читает состояние; отсутствующий файл означает пустое состояние
func (s *FileStore) Load(ctx context.Context) (map[string]models.ManagedOrder, error) {
	orders := make(map[string]models.ManagedOrder)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return orders, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения состояния: %w", err)
	}
	if len(data) == 0 {
		return orders, nil
	}
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("ошибка разбора состояния: %w", err)
	}
	return orders, nil
}

// Save пишет во временный файл и атомарно переименовывает
func (s *FileStore) Save(ctx context.Context, orders map[string]models.ManagedOrder) error {
	data, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации состояния: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ошибка создания каталога состояния: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ошибка записи состояния: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ошибка записи состояния: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ошибка записи состояния: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("ошибка замены файла состояния: %w", err)
	}
	return nil
}

// Close ничего не делает
func (s *FileStore) Close() error {
	return nil
}

// RedisStore hash в Redis, поле - trade id, значение - JSON ордера
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore подключается к Redis и проверяет соединение
func NewRedisStore(cfg config.StateConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis %s: %w", cfg.RedisAddr, err)
	}
	return NewRedisStoreWithClient(client, cfg.RedisKey, cfg.RedisTTL), nil
}

// NewRedisStoreWithClient использует готовый клиент
func NewRedisStoreWithClient(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, key: key, ttl: ttl}
}

// Load читает все ордера из hash
func (s *RedisStore) Load(ctx context.Context) (map[string]models.ManagedOrder, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ошибка чтения состояния из Redis: %w", err)
	}

	orders := make(map[string]models.ManagedOrder, len(fields))
	for id, raw := range fields {
		var o models.ManagedOrder
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("ошибка разбора ордера %s: %w", id, err)
		}
		orders[id] = o
	}
	return orders, nil
}

// Save заменяет hash целиком в одной транзакции
func (s *RedisStore) Save(ctx context.Context, orders map[string]models.ManagedOrder) error {
	values := make(map[string]interface{}, len(orders))
	for id, o := range orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("ошибка сериализации ордера %s: %w", id, err)
		}
		values[id] = data
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	if len(values) > 0 {
		pipe.HSet(ctx, s.key, values)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ошибка сохранения состояния в Redis: %w", err)
	}
	return nil
}

// Close закрывает клиент
func (s *RedisStore) Close() error {
	return s.client.Close()
}
