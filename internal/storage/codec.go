package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"evoforecast/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

type versioned interface {
	Version() model.VersionedRecord
}

func currentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func Encode(record any) ([]byte, error) {
	return json.Marshal(record)
}

// Decode unmarshals a payload and rejects records written by another
// schema or codec version.
func Decode[T versioned](data []byte) (T, error) {
	var record T
	if err := json.Unmarshal(data, &record); err != nil {
		var zero T
		return zero, err
	}
	if err := checkVersion(record.Version()); err != nil {
		var zero T
		return zero, err
	}
	return record, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
