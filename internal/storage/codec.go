package storage

import (
	"encoding/json"
	"errors"

	"codevolve/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	ErrVersionMismatch = errors.New("record version mismatch")
	errNotInitialized  = errors.New("store not initialized")
)

func EncodeProgram(p model.Program) ([]byte, error) {
	return json.Marshal(p)
}

func DecodeProgram(data []byte) (model.Program, error) {
	var program model.Program
	if err := json.Unmarshal(data, &program); err != nil {
		return model.Program{}, err
	}
	if err := checkVersion(program.VersionedRecord); err != nil {
		return model.Program{}, err
	}
	return program, nil
}

func EncodeGenerationRecord(r model.GenerationRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeGenerationRecord(data []byte) (model.GenerationRecord, error) {
	var record model.GenerationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.GenerationRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.GenerationRecord{}, err
	}
	return record, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
