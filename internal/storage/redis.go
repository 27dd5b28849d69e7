package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/andyleap/fprint/internal/models"
)

// RedisStorage keeps one hash per (user, device) whose fields are
// finger slots. Redis drops a hash with its last field, so the set of
// users with prints is exactly the set of existing print keys.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStorage) printsKey(username string, device models.DeviceKey) string {
	return fmt.Sprintf("%sprints:%s:%s:%d", r.prefix, username, device.Driver, device.Index)
}

func (r *RedisStorage) SavePrint(ctx context.Context, print *models.Print) error {
	if err := validatePrint(print); err != nil {
		return err
	}

	data, err := encodePrint(print)
	if err != nil {
		return err
	}

	if err := r.client.HSet(ctx, r.printsKey(print.Username, print.Device), fingerSlot(print.Finger), data).Err(); err != nil {
		return fmt.Errorf("failed to save print: %w", err)
	}
	return nil
}

func (r *RedisStorage) LoadPrint(ctx context.Context, username string, device models.DeviceKey, finger models.Finger) (*models.Print, error) {
	if err := validateKey(username, device); err != nil {
		return nil, err
	}

	data, err := r.client.HGet(ctx, r.printsKey(username, device), fingerSlot(finger)).Bytes()
	if err == redis.Nil {
		return nil, ErrPrintNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get print: %w", err)
	}

	print, err := decodeMatching(data, username, device, finger)
	if err != nil {
		return nil, ErrPrintNotFound
	}
	return print, nil
}

func (r *RedisStorage) ListPrints(ctx context.Context, username string, device models.DeviceKey) ([]models.Finger, error) {
	if err := validateKey(username, device); err != nil {
		return nil, err
	}

	values, err := r.client.HGetAll(ctx, r.printsKey(username, device)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list prints: %w", err)
	}

	fingers := []models.Finger{}
	for slot, data := range values {
		finger, ok := parseFingerSlot(slot)
		if !ok {
			continue
		}
		if _, err := decodeMatching([]byte(data), username, device, finger); err != nil {
			continue
		}
		fingers = append(fingers, finger)
	}
	sort.Slice(fingers, func(i, j int) bool { return fingers[i] < fingers[j] })
	return fingers, nil
}

func (r *RedisStorage) DeletePrint(ctx context.Context, username string, device models.DeviceKey, finger models.Finger) error {
	if err := validateKey(username, device); err != nil {
		return err
	}

	removed, err := r.client.HDel(ctx, r.printsKey(username, device), fingerSlot(finger)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete print: %w", err)
	}
	if removed == 0 {
		return ErrPrintNotFound
	}
	return nil
}

// DeleteAllPrints drops the whole hash in one command, which is atomic
// on the server.
func (r *RedisStorage) DeleteAllPrints(ctx context.Context, username string, device models.DeviceKey) error {
	if err := validateKey(username, device); err != nil {
		return err
	}

	if err := r.client.Del(ctx, r.printsKey(username, device)).Err(); err != nil {
		return fmt.Errorf("failed to delete prints: %w", err)
	}
	return nil
}

// ListUsers scans the print keys rather than keeping a separate index,
// which could disagree with the prints under concurrent deletes.
func (r *RedisStorage) ListUsers(ctx context.Context) ([]string, error) {
	prefix := r.prefix + "prints:"
	seen := make(map[string]bool)
	var users []string

	// Glob characters in the prefix would widen MATCH, so such prefixes
	// scan everything and filter here.
	match := prefix + "*"
	if strings.ContainsAny(prefix, `*?[]\`) {
		match = "*"
	}

	iter := r.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		rest, found := strings.CutPrefix(iter.Val(), prefix)
		if !found {
			continue
		}
		username, _, ok := strings.Cut(rest, ":")
		if !ok || seen[username] {
			continue
		}
		seen[username] = true
		users = append(users, username)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}
