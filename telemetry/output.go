package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/cardio/config"
)

// Output file names inside the run directory.
const (
	TracesFile     = "traces.csv"
	FieldFile      = "field.csv"
	PerfFile       = "perf.csv"
	ActivationFile = "activation.csv"
	ECGFile        = "ecg.csv"
	BeatsFile      = "beats.csv"
	ConfigFile     = "config.yaml"
)

// csvFile is an output file whose header is written with the first batch.
type csvFile struct {
	f             *os.File
	headerWritten bool
}

// OutputManager handles structured run output with CSV logging. Files are
// created on first write. A nil manager discards everything.
type OutputManager struct {
	dir   string
	files map[string]*csvFile
	order []string
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled).
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &OutputManager{dir: dir, files: make(map[string]*csvFile)}, nil
}

func (om *OutputManager) file(name string) (*csvFile, error) {
	if cf, ok := om.files[name]; ok {
		return cf, nil
	}
	f, err := os.Create(filepath.Join(om.dir, name))
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", name, err)
	}
	cf := &csvFile{f: f}
	om.files[name] = cf
	om.order = append(om.order, name)
	return cf, nil
}

// write appends records (a slice of csv-tagged structs) to the named file.
func (om *OutputManager) write(name string, records any, n int) error {
	if om == nil || n == 0 {
		return nil
	}
	cf, err := om.file(name)
	if err != nil {
		return err
	}
	if !cf.headerWritten {
		// First write includes headers
		if err := gocsv.Marshal(records, cf.f); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		cf.headerWritten = true
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(records, cf.f); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// WriteConfig saves the run configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, ConfigFile))
}

// WriteTraces appends probe samples to traces.csv.
func (om *OutputManager) WriteTraces(records []TraceRecord) error {
	return om.write(TracesFile, records, len(records))
}

// WriteField appends a field summary to field.csv.
func (om *OutputManager) WriteField(s FieldStats) error {
	return om.write(FieldFile, []FieldStats{s}, 1)
}

// WritePerf writes a performance stats record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, windowEnd int) error {
	return om.write(PerfFile, []PerfStatsCSV{stats.ToCSV(windowEnd)}, 1)
}

// WriteActivation writes the activation map to activation.csv.
func (om *OutputManager) WriteActivation(records []ActivationRecord) error {
	return om.write(ActivationFile, records, len(records))
}

// WriteECG appends pseudo-ECG samples to ecg.csv.
func (om *OutputManager) WriteECG(records []ECGRecord) error {
	return om.write(ECGFile, records, len(records))
}

// WriteBeats writes detected beats to beats.csv.
func (om *OutputManager) WriteBeats(records []BeatRecord) error {
	return om.write(BeatsFile, records, len(records))
}

// WriteSnapshot saves a state snapshot into the output directory.
func (om *OutputManager) WriteSnapshot(s *StateSnapshot) (string, error) {
	if om == nil || s == nil {
		return "", nil
	}
	return SaveSnapshot(s, om.dir)
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error
	for _, name := range om.order {
		if err := om.files[name].f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	om.files = make(map[string]*csvFile)
	om.order = nil
	return firstErr
}
