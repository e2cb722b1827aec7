package worldstate

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Options struct {
	Backend Backend `yaml:"backend"`
	// Path of the database file for the bolt and sqlite backends.
	Path string `yaml:"path"`
	// Tenant scopes every collection of the store. Must be a UUID if set.
	Tenant string `yaml:"tenant"`
	// Autocommit applies writes immediately instead of queueing them until
	// TransactionPrepare.
	Autocommit bool `yaml:"autocommit"`

	Compression          Compression `yaml:"compression"`
	CompressionThreshold int         `yaml:"compression_threshold"`

	Verbose   bool `yaml:"verbose"`
	IsTesting bool `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

// LoadOptions reads YAML options from a file.
func LoadOptions(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("worldstate: reading options: %w", err)
	}
	return ParseOptions(raw)
}

func ParseOptions(raw []byte) (Options, error) {
	var opt Options
	if err := yaml.Unmarshal(raw, &opt); err != nil {
		return Options{}, fmt.Errorf("worldstate: parsing options: %w", err)
	}
	if err := opt.Validate(); err != nil {
		return Options{}, err
	}
	return opt, nil
}

func (opt *Options) Validate() error {
	switch opt.Backend {
	case "", BackendBolt, BackendSQLite:
		if opt.Path == "" {
			return fmt.Errorf("worldstate: backend %q requires a path", opt.backend())
		}
	case BackendMemory:
	default:
		return fmt.Errorf("worldstate: unknown backend %q", opt.Backend)
	}
	switch opt.Compression {
	case "", CompressionNone, CompressionZstd:
	default:
		return fmt.Errorf("worldstate: unknown compression %q", opt.Compression)
	}
	if opt.CompressionThreshold < 0 {
		return fmt.Errorf("worldstate: negative compression threshold %d", opt.CompressionThreshold)
	}
	if opt.Tenant != "" {
		if _, err := uuid.Parse(opt.Tenant); err != nil {
			return fmt.Errorf("worldstate: tenant %q: %w", opt.Tenant, err)
		}
	}
	return nil
}

func (opt *Options) backend() Backend {
	if opt.Backend == "" {
		return BackendBolt
	}
	return opt.Backend
}

func (opt *Options) valueCodec() valueCodec {
	vc := valueCodec{compression: opt.Compression, threshold: opt.CompressionThreshold}
	if vc.compression == "" {
		vc.compression = CompressionNone
	}
	if vc.threshold == 0 {
		vc.threshold = DefaultCompressionThreshold
	}
	return vc
}

// NewTenantID returns a fresh tenant identifier.
func NewTenantID() string {
	return uuid.NewString()
}
