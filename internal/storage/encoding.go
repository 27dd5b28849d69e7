package storage

import (
	"bytes"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/andyleap/fprint/internal/codec"
	"github.com/andyleap/fprint/internal/models"
)

const printFormatVersion = 1

// printFile is the persisted envelope around a print. Digest is the
// blake3 hash of the CBOR-encoded print.
type printFile struct {
	Version int              `json:"version"`
	Digest  []byte           `json:"digest"`
	Print   codec.RawMessage `json:"print"`
}

func encodePrint(print *models.Print) ([]byte, error) {
	body, err := codec.Marshal(print)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal print: %w", err)
	}
	digest := blake3.Sum256(body)

	data, err := codec.Marshal(printFile{
		Version: printFormatVersion,
		Digest:  digest[:],
		Print:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal print envelope: %w", err)
	}
	return data, nil
}

func decodePrint(data []byte) (*models.Print, error) {
	var file printFile
	if err := codec.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal print envelope: %w", err)
	}
	if file.Version != printFormatVersion {
		return nil, fmt.Errorf("unsupported print format version %d", file.Version)
	}
	digest := blake3.Sum256(file.Print)
	if !bytes.Equal(digest[:], file.Digest) {
		return nil, fmt.Errorf("print digest mismatch")
	}

	var print models.Print
	if err := codec.Unmarshal(file.Print, &print); err != nil {
		return nil, fmt.Errorf("failed to unmarshal print: %w", err)
	}
	return &print, nil
}

// decodeMatching decodes data and checks it belongs to the requested
// slot, so a file copied to the wrong place is not trusted.
func decodeMatching(data []byte, username string, device models.DeviceKey, finger models.Finger) (*models.Print, error) {
	print, err := decodePrint(data)
	if err != nil {
		return nil, err
	}
	if print.Username != username || print.Device != device || print.Finger != finger {
		return nil, fmt.Errorf("print belongs to %s/%s/%d/%s", print.Username, print.Device.Driver, print.Device.Index, print.Finger)
	}
	return print, nil
}
