// Package config reads the stream configuration: a key = value file with # comments, then
// environment overrides, then validation. The result is not modified after NewConfig returns.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/litetable/litetable-stream/internal/litetable"
)

const (
	configFileName = "stream.conf"

	TableTypeMergeOnRead = "MERGE_ON_READ"
	BackendDisk          = "disk"
	BackendS3            = "s3"

	envBasePath = "STREAM_BASE_PATH"
	envTable    = "STREAM_TABLE"
	envBackend  = "STREAM_STORAGE_BACKEND"
	envBucket   = "STREAM_S3_BUCKET"
	envDebug    = "STREAM_DEBUG"
)

// ConfigurationError is fatal: the process cannot start with the configuration it was given.
type ConfigurationError struct {
	Problems []error
}

func (e *ConfigurationError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Error())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

func (e *ConfigurationError) Unwrap() []error {
	return e.Problems
}

func invalidOption(key, value string, err error) *ConfigurationError {
	return &ConfigurationError{Problems: []error{fmt.Errorf("%s=%q: %w", key, value, err)}}
}

type Config struct {
	TableName       string
	BasePath        string
	TableType       string
	PrecombineField string
	RecordKeyField  string
	PartitionField  string

	CheckpointInterval         time.Duration
	CheckpointTimeout          time.Duration
	MinPauseBetweenCheckpoints time.Duration
	IgnoreFailed               bool

	BatchInterval time.Duration
	MaxBatches    int

	StorageBackend string
	S3Bucket       string
	S3Prefix       string

	CDCAddress  string
	CDCPort     int
	CDCGRPCPort int

	HTTPAddress string
	HTTPPort    int

	Debug bool
}

// Default returns the settings of the reference trip stream.
func Default(basePath string) *Config {
	return &Config{
		TableName:                  "hudi_table",
		BasePath:                   basePath,
		TableType:                  TableTypeMergeOnRead,
		PrecombineField:            "ts",
		RecordKeyField:             "uuid",
		PartitionField:             "city",
		CheckpointInterval:         5 * time.Second,
		CheckpointTimeout:          60 * time.Second,
		MinPauseBetweenCheckpoints: 10 * time.Second,
		IgnoreFailed:               true,
		BatchInterval:              10 * time.Second,
		MaxBatches:                 10,
		StorageBackend:             BackendDisk,
		CDCAddress:                 "127.0.0.1",
		CDCPort:                    32496,
		CDCGRPCPort:                32497,
		HTTPAddress:                "127.0.0.1",
		HTTPPort:                   8080,
	}
}

// NewConfig loads stream.conf from the LiteTable directory when it exists, applies environment
// overrides and validates the result.
func NewConfig() (*Config, error) {
	streamDir, err := litetable.GetStreamDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream directory: %w", err)
	}
	liteTableDir, err := litetable.GetLitetableDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get LiteTable directory: %w", err)
	}
	return Load(filepath.Join(liteTableDir, configFileName), streamDir)
}

// Load reads the file at path on top of the defaults. A missing file leaves the defaults.
func Load(path, defaultBasePath string) (*Config, error) {
	cfg := Default(defaultBasePath)

	file, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	default:
		defer file.Close()
		if err = Parse(file, cfg); err != nil {
			return nil, err
		}
	}

	if err = cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse applies every key = value line of r to cfg. Unknown keys are ignored.
func Parse(r io.Reader, cfg *Config) error {
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		if err := cfg.set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "table_name":
		c.TableName = value
	case "base_path":
		c.BasePath = value
	case "table_type":
		c.TableType = value
	case "precombine_field":
		c.PrecombineField = value
	case "record_key_field":
		c.RecordKeyField = value
	case "partition_field":
		c.PartitionField = value
	case "checkpoint_interval_ms":
		c.CheckpointInterval, err = millis(value)
	case "checkpoint_timeout_ms":
		c.CheckpointTimeout, err = millis(value)
	case "min_pause_between_checkpoints_ms":
		c.MinPauseBetweenCheckpoints, err = millis(value)
	case "ignore_failed":
		c.IgnoreFailed, err = strconv.ParseBool(value)
	case "batch_interval_ms":
		c.BatchInterval, err = millis(value)
	case "max_batches":
		c.MaxBatches, err = strconv.Atoi(value)
	case "storage_backend":
		c.StorageBackend = value
	case "s3_bucket":
		c.S3Bucket = value
	case "s3_prefix":
		c.S3Prefix = value
	case "cdc_address":
		c.CDCAddress = value
	case "cdc_port":
		c.CDCPort, err = strconv.Atoi(value)
	case "cdc_grpc_port":
		c.CDCGRPCPort, err = strconv.Atoi(value)
	case "http_address":
		c.HTTPAddress = value
	case "http_port":
		c.HTTPPort, err = strconv.Atoi(value)
	case "debug":
		c.Debug = value == "true"
	}
	if err != nil {
		return invalidOption(key, value, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envBasePath); v != "" {
		c.BasePath = v
	}
	if v := os.Getenv(envTable); v != "" {
		c.TableName = v
	}
	if v := os.Getenv(envBackend); v != "" {
		c.StorageBackend = v
	}
	if v := os.Getenv(envBucket); v != "" {
		c.S3Bucket = v
	}
	if v := os.Getenv(envDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return invalidOption(envDebug, v, err)
		}
		c.Debug = debug
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errGrp []error
	if c.TableName == "" {
		errGrp = append(errGrp, errors.New("table_name is required"))
	}
	if c.BasePath == "" {
		errGrp = append(errGrp, errors.New("base_path is required"))
	}
	if c.TableType != TableTypeMergeOnRead {
		errGrp = append(errGrp, fmt.Errorf("table_type must be %s, got %q", TableTypeMergeOnRead, c.TableType))
	}
	if c.PrecombineField == "" || c.RecordKeyField == "" || c.PartitionField == "" {
		errGrp = append(errGrp, errors.New("precombine_field, record_key_field and partition_field are required"))
	}
	if c.CheckpointInterval <= 0 {
		errGrp = append(errGrp, errors.New("checkpoint_interval_ms must be positive"))
	}
	if c.CheckpointTimeout <= 0 {
		errGrp = append(errGrp, errors.New("checkpoint_timeout_ms must be positive"))
	}
	if c.MinPauseBetweenCheckpoints < 0 {
		errGrp = append(errGrp, errors.New("min_pause_between_checkpoints_ms cannot be negative"))
	}
	if c.BatchInterval <= 0 {
		errGrp = append(errGrp, errors.New("batch_interval_ms must be positive"))
	}
	if c.MaxBatches < 1 {
		errGrp = append(errGrp, errors.New("max_batches must be at least 1"))
	}
	switch c.StorageBackend {
	case BackendDisk:
	case BackendS3:
		if c.S3Bucket == "" {
			errGrp = append(errGrp, errors.New("s3_bucket is required for the s3 backend"))
		}
	default:
		errGrp = append(errGrp, fmt.Errorf("unknown storage_backend %q", c.StorageBackend))
	}
	for name, port := range map[string]int{"cdc_port": c.CDCPort, "cdc_grpc_port": c.CDCGRPCPort, "http_port": c.HTTPPort} {
		if port < 0 || port > 65535 {
			errGrp = append(errGrp, fmt.Errorf("%s must be between 0 and 65535", name))
		}
	}

	if len(errGrp) == 0 {
		return nil
	}
	return &ConfigurationError{Problems: errGrp}
}

// ShutdownTimeouts splits the stop budget, which is the checkpoint timeout. The final checkpoint
// may use three quarters of it and the rest is left to the dependencies stopped after it.
func (c *Config) ShutdownTimeouts() (drain, stop time.Duration) {
	stop = c.CheckpointTimeout
	return stop * 3 / 4, stop
}

func millis(value string) (time.Duration, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
