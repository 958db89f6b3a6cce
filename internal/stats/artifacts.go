// Package stats writes per-run artifact directories and the run index that
// lists them.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"

	"codevolve/internal/model"
)

const (
	runIndexFile     = "run_index.json"
	configFile       = "config.json"
	historyFile      = "fitness_history.json"
	generationsFile  = "generations.json"
	topProgramsFile  = "top_programs.json"
	lineageFile      = "lineage.json"
	seriesFile       = "fitness_series.csv"
	bestProgramFile  = "best.py"
	defaultFileMode  = 0o644
	defaultDirectory = 0o755
)

type RunConfig struct {
	RunID          string  `json:"run_id"`
	TaskID         string  `json:"task_id"`
	PopulationSize int     `json:"population_size"`
	Generations    int     `json:"generations"`
	TargetFitness  float64 `json:"target_fitness"`
	Selection      string  `json:"selection"`
	TournamentSize int     `json:"tournament_size,omitempty"`
	MutationMode   string  `json:"mutation_mode"`
	Seed           int64   `json:"seed"`
	Store          string  `json:"store"`
}

type TopProgram struct {
	Rank    int           `json:"rank"`
	Fitness float64       `json:"fitness"`
	Program model.Program `json:"program"`
}

type RunArtifacts struct {
	Config           RunConfig                `json:"config"`
	Reason           string                   `json:"reason"`
	NoViable         bool                     `json:"no_viable"`
	BestByGeneration []float64                `json:"best_by_generation"`
	MeanByGeneration []float64                `json:"mean_by_generation"`
	FinalBestFitness float64                  `json:"final_best_fitness"`
	Generations      []model.GenerationRecord `json:"generations"`
	TopPrograms      []TopProgram             `json:"top_programs"`
	// Lineage runs from the best program back to its seed.
	Lineage []model.Program `json:"lineage"`
	Best    *model.Program  `json:"best,omitempty"`
}

type RunIndexEntry struct {
	RunID            string  `json:"run_id"`
	TaskID           string  `json:"task_id"`
	PopulationSize   int     `json:"population_size"`
	Generations      int     `json:"generations"`
	Seed             int64   `json:"seed"`
	Reason           string  `json:"reason"`
	FinalBestFitness float64 `json:"final_best_fitness"`
	CreatedAtUTC     string  `json:"created_at_utc"`
}

// RankPrograms turns an already ordered program list into ranked entries.
func RankPrograms(programs []model.Program) []TopProgram {
	out := make([]TopProgram, 0, len(programs))
	for i, p := range programs {
		out = append(out, TopProgram{Rank: i + 1, Fitness: model.ScalarFitness(p), Program: p})
	}
	return out
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, defaultDirectory); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	history := map[string]any{
		"reason":             artifacts.Reason,
		"no_viable":          artifacts.NoViable,
		"best_by_generation": artifacts.BestByGeneration,
		"mean_by_generation": artifacts.MeanByGeneration,
		"final_best_fitness": artifacts.FinalBestFitness,
	}
	if err := writeJSON(filepath.Join(runDir, historyFile), history); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, generationsFile), artifacts.Generations); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, topProgramsFile), artifacts.TopPrograms); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, lineageFile), artifacts.Lineage); err != nil {
		return "", err
	}
	if err := writeFitnessSeries(filepath.Join(runDir, seriesFile), artifacts.BestByGeneration, artifacts.MeanByGeneration); err != nil {
		return "", err
	}
	if artifacts.Best != nil {
		if err := os.WriteFile(filepath.Join(runDir, bestProgramFile), []byte(artifacts.Best.Code), defaultFileMode); err != nil {
			return "", err
		}
	}
	return runDir, nil
}

// AppendRunIndex adds entry to the index, replacing an entry with the same
// run id.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, defaultDirectory); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first. A missing index is empty.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode run index: %w", err)
	}

	// Later appends win timestamp ties.
	slices.Reverse(entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAtUTC > entries[j].CreatedAtUTC
	})
	return entries, nil
}

// ExportRunArtifacts copies a run directory under outDir. best.py is copied
// only when the run produced one.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, defaultDirectory); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, historyFile, generationsFile, topProgramsFile, lineageFile, seriesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	err := copyFile(filepath.Join(src, bestProgramFile), filepath.Join(dst, bestProgramFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadTopPrograms(baseDir, runID string) ([]TopProgram, bool, error) {
	var top []TopProgram
	ok, err := readJSON(filepath.Join(baseDir, runID, topProgramsFile), &top)
	return top, ok, err
}

func writeFitnessSeries(path string, best, mean []float64) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"generation", "best_fitness", "mean_fitness"}); err != nil {
		return err
	}
	for i, b := range best {
		m := ""
		if i < len(mean) {
			m = strconv.FormatFloat(mean[i], 'f', -1, 64)
		}
		if err := writer.Write([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(b, 'f', -1, 64),
			m,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadFitnessSeries returns the best fitness per generation, generation 0
// first.
func ReadFitnessSeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, seriesFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("fitness series header must have at least 2 columns")
	}

	series := make([]float64, 0, 16)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("fitness series row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, defaultFileMode)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
