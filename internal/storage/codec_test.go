package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"codevolve/internal/model"
)

func TestDecodeProgramFixture(t *testing.T) {
	data := readFixture(t, "program_v1.json")

	program, err := DecodeProgram(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if program.ID != "program-double-1" {
		t.Fatalf("unexpected program id: %s", program.ID)
	}
	if program.Status != model.StatusValid {
		t.Fatalf("unexpected status: %s", program.Status)
	}
	if len(program.ParentIDs) != 1 || program.ParentIDs[0] != "program-double-0" {
		t.Fatalf("unexpected parents: %+v", program.ParentIDs)
	}
	if ratio, ok := program.CorrectnessRatio(); !ok || ratio != 1 {
		t.Fatalf("unexpected correctness ratio: %v", program.Metrics)
	}
}

func TestDecodeGenerationFixture(t *testing.T) {
	data := readFixture(t, "generation_v1.json")

	record, err := DecodeGenerationRecord(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if record.Generation != 2 || len(record.MemberIDs) != 2 {
		t.Fatalf("unexpected generation record: %+v", record)
	}
	if record.Summary.StatusCounts[model.StatusValid] != 2 {
		t.Fatalf("unexpected status counts: %+v", record.Summary.StatusCounts)
	}
}

func TestDecodeProgramVersionMismatch(t *testing.T) {
	data := readFixture(t, "program_v0.json")

	_, err := DecodeProgram(data)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestProgramCodecRoundTripFixtureEquality(t *testing.T) {
	expected, err := DecodeProgram(readFixture(t, "program_v1.json"))
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}

	encoded, err := EncodeProgram(expected)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeProgram(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, expected) {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", decoded, expected)
	}
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()

	data, err := os.ReadFile(fixturePath(name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func fixturePath(name string) string {
	return filepath.Join("testdata", "fixtures", name)
}
