package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/andyleap/fprint/internal/models"
)

// S3Storage keeps one object per print under
// prints/<user>/<driver>/<index>/<finger slot>.
type S3Storage struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

func NewS3Storage(endpoint, accessKey, secretKey, bucket string, useSSL bool, logger *slog.Logger) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3Storage{
		client: client,
		bucket: bucket,
		logger: logger,
	}, nil
}

func s3DevicePrefix(username string, device models.DeviceKey) string {
	return path.Join("prints", username, device.Driver, strconv.Itoa(device.Index)) + "/"
}

func s3PrintKey(username string, device models.DeviceKey, finger models.Finger) string {
	return s3DevicePrefix(username, device) + fingerSlot(finger)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *S3Storage) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/cbor",
	})
	return err
}

func (s *S3Storage) get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	return io.ReadAll(object)
}

func (s *S3Storage) SavePrint(ctx context.Context, print *models.Print) error {
	if err := validatePrint(print); err != nil {
		return err
	}

	data, err := encodePrint(print)
	if err != nil {
		return err
	}

	if err := s.put(ctx, s3PrintKey(print.Username, print.Device, print.Finger), data); err != nil {
		return fmt.Errorf("failed to save print to S3: %w", err)
	}
	return nil
}

func (s *S3Storage) LoadPrint(ctx context.Context, username string, device models.DeviceKey, finger models.Finger) (*models.Print, error) {
	if err := validateKey(username, device); err != nil {
		return nil, err
	}

	data, err := s.get(ctx, s3PrintKey(username, device, finger))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrPrintNotFound
		}
		return nil, fmt.Errorf("failed to get print from S3: %w", err)
	}

	print, err := decodeMatching(data, username, device, finger)
	if err != nil {
		s.logger.Warn("ignoring unreadable print", "user", username, "finger", finger.String(), "error", err)
		return nil, ErrPrintNotFound
	}
	return print, nil
}

func (s *S3Storage) listSlots(ctx context.Context, username string, device models.DeviceKey) ([]models.Finger, error) {
	prefix := s3DevicePrefix(username, device)

	var fingers []models.Finger
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list prints in S3: %w", object.Err)
		}
		if finger, ok := parseFingerSlot(strings.TrimPrefix(object.Key, prefix)); ok {
			fingers = append(fingers, finger)
		}
	}
	sort.Slice(fingers, func(i, j int) bool { return fingers[i] < fingers[j] })
	return fingers, nil
}

func (s *S3Storage) ListPrints(ctx context.Context, username string, device models.DeviceKey) ([]models.Finger, error) {
	if err := validateKey(username, device); err != nil {
		return nil, err
	}

	slots, err := s.listSlots(ctx, username, device)
	if err != nil {
		return nil, err
	}

	fingers := []models.Finger{}
	for _, finger := range slots {
		if _, err := s.LoadPrint(ctx, username, device, finger); err != nil {
			continue
		}
		fingers = append(fingers, finger)
	}
	return fingers, nil
}

func (s *S3Storage) DeletePrint(ctx context.Context, username string, device models.DeviceKey, finger models.Finger) error {
	if err := validateKey(username, device); err != nil {
		return err
	}

	key := s3PrintKey(username, device, finger)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return ErrPrintNotFound
		}
		return fmt.Errorf("failed to check print in S3: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete print from S3: %w", err)
	}
	return nil
}

// DeleteAllPrints reads every print before removing anything so that a
// failed removal can be rolled back by writing the removed objects
// again.
func (s *S3Storage) DeleteAllPrints(ctx context.Context, username string, device models.DeviceKey) error {
	if err := validateKey(username, device); err != nil {
		return err
	}

	fingers, err := s.listSlots(ctx, username, device)
	if err != nil {
		return err
	}

	backup := make(map[string][]byte, len(fingers))
	for _, finger := range fingers {
		key := s3PrintKey(username, device, finger)
		data, err := s.get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read print before delete: %w", err)
		}
		backup[key] = data
	}

	var removed []string
	for _, finger := range fingers {
		key := s3PrintKey(username, device, finger)
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			var restoreErr error
			for _, k := range removed {
				restoreErr = errors.Join(restoreErr, s.put(ctx, k, backup[k]))
			}
			if restoreErr != nil {
				s.logger.Error("failed to restore prints after aborted delete", "user", username, "error", restoreErr)
			}
			return fmt.Errorf("failed to delete print from S3: %w", err)
		}
		removed = append(removed, key)
	}
	return nil
}

func (s *S3Storage) ListUsers(ctx context.Context) ([]string, error) {
	var users []string
	opts := minio.ListObjectsOptions{Prefix: "prints/"}
	for object := range s.client.ListObjects(ctx, s.bucket, opts) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list users in S3: %w", object.Err)
		}
		// Non-recursive listing yields one common prefix per user.
		name := strings.TrimSuffix(strings.TrimPrefix(object.Key, "prints/"), "/")
		if validateUsername(name) == nil {
			users = append(users, name)
		}
	}
	sort.Strings(users)
	return users, nil
}
