package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/andyleap/fprint/internal/codec"
	"github.com/andyleap/fprint/internal/models"
)

// EnrolledTemplateIDs collects the device-resident template ids that
// back a print of any user on device.
func EnrolledTemplateIDs(ctx context.Context, store PrintStore, device models.DeviceKey) (map[string]bool, error) {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool)
	for _, username := range users {
		fingers, err := store.ListPrints(ctx, username, device)
		if err != nil {
			return nil, fmt.Errorf("failed to list prints of %s: %w", username, err)
		}
		for _, finger := range fingers {
			print, err := store.LoadPrint(ctx, username, device, finger)
			if err != nil {
				continue
			}
			if print.TemplateID != "" {
				ids[print.TemplateID] = true
			}
		}
	}
	return ids, nil
}

// ParseTemplateMetadata decodes the metadata a device stores alongside
// a template.
func ParseTemplateMetadata(data []byte) (*models.TemplateMetadata, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("no metadata")
	}
	var meta models.TemplateMetadata
	if err := codec.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.Username == "" || !meta.Finger.Valid() {
		return nil, fmt.Errorf("incomplete metadata")
	}
	return &meta, nil
}

// SelectEviction picks the single device-resident template to delete
// when the device reports its storage full. Templates in enrolled are
// never chosen. Templates without parseable metadata go first, then the
// one with the lowest id; ids are timestamp-prefixed so this is the
// oldest.
func SelectEviction(stored []models.StoredTemplate, enrolled map[string]bool) (models.StoredTemplate, bool) {
	var withMeta, withoutMeta []models.StoredTemplate
	for _, t := range stored {
		if enrolled[t.ID] {
			continue
		}
		if _, err := ParseTemplateMetadata(t.Metadata); err != nil {
			withoutMeta = append(withoutMeta, t)
		} else {
			withMeta = append(withMeta, t)
		}
	}

	for _, candidates := range [][]models.StoredTemplate{withoutMeta, withMeta} {
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		return candidates[0], true
	}
	return models.StoredTemplate{}, false
}
