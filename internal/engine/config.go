package engine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the sync policy for a participant.
type Mode string

const (
	// ModeAuto runs full bidirectional sync.
	ModeAuto Mode = "auto"
	// ModeReview pushes automatically but applies remote changes only
	// on explicit request.
	ModeReview Mode = "review"
	// ModePush transmits local edits and never touches the local store.
	ModePush Mode = "push"
	// ModePull applies remote edits and never transmits local ones.
	ModePull Mode = "pull"
)

func (m Mode) valid() bool {
	switch m {
	case ModeAuto, ModeReview, ModePush, ModePull:
		return true
	}
	return false
}

func (m Mode) pushes() bool { return m != ModePull }
func (m Mode) applies() bool {
	return m == ModeAuto || m == ModePull
}

// Toggles enables or disables each synchronized data category
// independently. Toggles are evaluated before any local data for the
// category is read.
type Toggles struct {
	Metadata         bool `yaml:"metadata"`
	Tags             bool `yaml:"tags"`
	Notes            bool `yaml:"notes"`
	Selections       bool `yaml:"selections"`
	Transcriptions   bool `yaml:"transcriptions"`
	PhotoAdjustments bool `yaml:"photoAdjustments"`
	Lists            bool `yaml:"lists"`
	Deletions        bool `yaml:"deletions"`
}

// Timing holds the cycle scheduling knobs.
type Timing struct {
	StartupDelay      time.Duration `yaml:"startupDelay"`
	LocalDebounce     time.Duration `yaml:"localDebounce"`
	RemoteDebounce    time.Duration `yaml:"remoteDebounce"`
	SafetyNetInterval time.Duration `yaml:"safetyNetInterval"`
	InterWriteDelay   time.Duration `yaml:"interWriteDelay"`
	DispatchTimeout   time.Duration `yaml:"dispatchTimeout"`
}

// Safety holds the inbound-guard knobs.
type Safety struct {
	MaxNoteBytes            int     `yaml:"maxNoteBytes"`
	MaxMetadataBytes        int     `yaml:"maxMetadataBytes"`
	TombstoneFloodThreshold float64 `yaml:"tombstoneFloodThreshold"`
	ClearTombstonesOnce     bool    `yaml:"clearTombstonesOnce"`
	Debug                   bool    `yaml:"debug"`
}

// Config is the full engine configuration surface.
type Config struct {
	RelayURL string `yaml:"relayUrl"`
	Room     string `yaml:"room"`
	Author   string `yaml:"author"`
	Token    string `yaml:"token"`
	Mode     Mode   `yaml:"mode"`

	// StoreDir selects the file-backed local store; StoreURL selects
	// the HTTP fallback when StoreDir is empty.
	StoreDir   string `yaml:"storeDir"`
	StoreURL   string `yaml:"storeUrl"`
	StoreToken string `yaml:"storeToken"`

	VaultPath string `yaml:"vaultPath"`

	Sync   Toggles `yaml:"sync"`
	Timing Timing  `yaml:"timing"`
	Safety Safety  `yaml:"safety"`
}

// DefaultConfig returns the configuration used when a knob is left
// unset: all categories on except deletion propagation, bidirectional
// mode.
func DefaultConfig() Config {
	return Config{
		Mode: ModeAuto,
		Sync: Toggles{
			Metadata:         true,
			Tags:             true,
			Notes:            true,
			Selections:       true,
			Transcriptions:   true,
			PhotoAdjustments: true,
			Lists:            true,
			Deletions:        false,
		},
		Timing: Timing{
			StartupDelay:      5 * time.Second,
			LocalDebounce:     2 * time.Second,
			RemoteDebounce:    500 * time.Millisecond,
			SafetyNetInterval: 5 * time.Minute,
			InterWriteDelay:   0,
			DispatchTimeout:   15 * time.Second,
		},
		Safety: Safety{
			MaxNoteBytes:            256 * 1024,
			MaxMetadataBytes:        64 * 1024,
			TombstoneFloodThreshold: 0.8,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and normalizes whitespace.
func (c *Config) Validate() error {
	c.RelayURL = strings.TrimSpace(c.RelayURL)
	c.Room = strings.TrimSpace(c.Room)
	c.Author = strings.TrimSpace(c.Author)
	c.Token = strings.TrimSpace(c.Token)
	if c.Room == "" {
		return fmt.Errorf("room is required")
	}
	if c.Author == "" {
		return fmt.Errorf("author is required")
	}
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if !c.Mode.valid() {
		return fmt.Errorf("unknown sync mode %q", c.Mode)
	}
	if strings.TrimSpace(c.StoreDir) == "" && strings.TrimSpace(c.StoreURL) == "" {
		return fmt.Errorf("either storeDir or storeUrl is required")
	}
	if c.VaultPath == "" {
		return fmt.Errorf("vaultPath is required")
	}
	if c.Timing.DispatchTimeout <= 0 {
		c.Timing.DispatchTimeout = 15 * time.Second
	}
	return nil
}
