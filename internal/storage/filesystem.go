package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/andyleap/fprint/internal/models"
)

// FilesystemStorage keeps one file per print at
// <base>/<user>/<driver>/<index>/<finger slot in hex>.
type FilesystemStorage struct {
	basePath string
	logger   *slog.Logger

	// rename is os.Rename outside of tests.
	rename func(oldpath, newpath string) error
}

func NewFilesystemStorage(basePath string, logger *slog.Logger) (*FilesystemStorage, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base path %s: %w", basePath, err)
	}

	return &FilesystemStorage{
		basePath: basePath,
		logger:   logger,
		rename:   os.Rename,
	}, nil
}

func (f *FilesystemStorage) deviceDir(username string, device models.DeviceKey) string {
	return filepath.Join(f.basePath, username, device.Driver, strconv.Itoa(device.Index))
}

func (f *FilesystemStorage) printPath(username string, device models.DeviceKey, finger models.Finger) string {
	return filepath.Join(f.deviceDir(username, device), fingerSlot(finger))
}

func (f *FilesystemStorage) SavePrint(ctx context.Context, print *models.Print) error {
	if err := validatePrint(print); err != nil {
		return err
	}

	data, err := encodePrint(print)
	if err != nil {
		return err
	}

	dir := f.deviceDir(print.Username, print.Device)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create print directory: %w", err)
	}

	// Write to a temporary file and rename so a crash never leaves a
	// truncated print behind.
	tmp, err := os.CreateTemp(dir, ".print-*")
	if err != nil {
		return fmt.Errorf("failed to create print file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write print file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write print file: %w", err)
	}
	if err := f.rename(tmp.Name(), f.printPath(print.Username, print.Device, print.Finger)); err != nil {
		return fmt.Errorf("failed to store print file: %w", err)
	}

	return nil
}

func (f *FilesystemStorage) LoadPrint(ctx context.Context, username string, device models.DeviceKey, finger models.Finger) (*models.Print, error) {
	if err := validateKey(username, device); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.printPath(username, device, finger))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPrintNotFound
		}
		return nil, fmt.Errorf("failed to read print file: %w", err)
	}

	print, err := decodeMatching(data, username, device, finger)
	if err != nil {
		f.logger.Warn("ignoring unreadable print", "user", username, "finger", finger.String(), "error", err)
		return nil, ErrPrintNotFound
	}
	return print, nil
}

func (f *FilesystemStorage) ListPrints(ctx context.Context, username string, device models.DeviceKey) ([]models.Finger, error) {
	if err := validateKey(username, device); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.deviceDir(username, device))
	if err != nil {
		if os.IsNotExist(err) {
			return []models.Finger{}, nil
		}
		return nil, fmt.Errorf("failed to list prints: %w", err)
	}

	fingers := []models.Finger{}
	for _, entry := range entries {
		finger, ok := parseFingerSlot(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		if _, err := f.LoadPrint(ctx, username, device, finger); err != nil {
			continue
		}
		fingers = append(fingers, finger)
	}
	sort.Slice(fingers, func(i, j int) bool { return fingers[i] < fingers[j] })

	return fingers, nil
}

func (f *FilesystemStorage) DeletePrint(ctx context.Context, username string, device models.DeviceKey, finger models.Finger) error {
	if err := validateKey(username, device); err != nil {
		return err
	}

	if err := os.Remove(f.printPath(username, device, finger)); err != nil {
		if os.IsNotExist(err) {
			return ErrPrintNotFound
		}
		return fmt.Errorf("failed to delete print file: %w", err)
	}
	f.pruneDirs(username, device)
	return nil
}

// DeleteAllPrints moves every print into a staging directory first.
// If any move fails the moved files are put back and nothing is lost.
func (f *FilesystemStorage) DeleteAllPrints(ctx context.Context, username string, device models.DeviceKey) error {
	if err := validateKey(username, device); err != nil {
		return err
	}

	dir := f.deviceDir(username, device)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list prints: %w", err)
	}

	staging := filepath.Join(f.basePath, username, ".deleting-"+uuid.NewString())
	if err := os.Mkdir(staging, 0700); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	var moved []string
	for _, entry := range entries {
		if _, ok := parseFingerSlot(entry.Name()); !ok {
			continue
		}
		if err := f.rename(filepath.Join(dir, entry.Name()), filepath.Join(staging, entry.Name())); err != nil {
			var restoreErr error
			for _, name := range moved {
				restoreErr = errors.Join(restoreErr, f.rename(filepath.Join(staging, name), filepath.Join(dir, name)))
			}
			if restoreErr != nil {
				f.logger.Error("failed to restore prints after aborted delete", "user", username, "staging", staging, "error", restoreErr)
			} else {
				os.Remove(staging)
			}
			return fmt.Errorf("failed to delete print file %s: %w", entry.Name(), err)
		}
		moved = append(moved, entry.Name())
	}

	if err := os.RemoveAll(staging); err != nil {
		f.logger.Warn("failed to remove staging directory", "path", staging, "error", err)
	}
	f.pruneDirs(username, device)
	return nil
}

// pruneDirs removes the device, driver and user directories if they
// are left empty. os.Remove refuses non-empty directories.
func (f *FilesystemStorage) pruneDirs(username string, device models.DeviceKey) {
	dir := f.deviceDir(username, device)
	for i := 0; i < 3; i++ {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (f *FilesystemStorage) ListUsers(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var users []string
	for _, entry := range entries {
		if !entry.IsDir() || validateUsername(entry.Name()) != nil {
			continue
		}
		users = append(users, entry.Name())
	}
	return users, nil
}
