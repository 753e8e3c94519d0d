package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ChildConfig declares a named child the server keeps under management.
type ChildConfig struct {
	ID        string   `toml:"id" json:"id"`
	Command   string   `toml:"command" json:"command"`
	Capture   string   `toml:"capture,omitempty" json:"capture,omitempty"` // none, stdout, stderr, both
	Dir       string   `toml:"dir,omitempty" json:"dir,omitempty"`
	Env       []string `toml:"env,omitempty" json:"env,omitempty"`
	Autostart bool     `toml:"autostart" json:"autostart"`

	CreatedAt time.Time `toml:"created_at" json:"created_at"`
	UpdatedAt time.Time `toml:"updated_at" json:"updated_at"`
}

// ChildrenConfig is the layout of the children file.
type ChildrenConfig struct {
	Version  int                    `toml:"version" json:"version"`
	Children map[string]ChildConfig `toml:"children" json:"children"`
}

// ChildStore loads and persists child declarations.
type ChildStore struct {
	path   string
	mu     sync.RWMutex
	config *ChildrenConfig
}

// NewChildStore creates a store backed by path.
func NewChildStore(path string) *ChildStore {
	if path == "" {
		path = "children.toml"
	}
	return &ChildStore{
		path: path,
		config: &ChildrenConfig{
			Version:  1,
			Children: make(map[string]ChildConfig),
		},
	}
}

// Path returns the backing file.
func (s *ChildStore) Path() string {
	return s.path
}

// Load reads the file. A missing file leaves the store empty.
func (s *ChildStore) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read children config: %w", err)
	}

	cfg := &ChildrenConfig{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse children config: %w", err)
	}
	if cfg.Children == nil {
		cfg.Children = make(map[string]ChildConfig)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	for id, c := range cfg.Children {
		if c.ID == "" {
			c.ID = id
			cfg.Children[id] = c
		}
	}

	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return nil
}

// Save writes the store to its file.
func (s *ChildStore) Save() error {
	s.mu.RLock()
	data, err := toml.Marshal(s.config)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal children config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write children config: %w", err)
	}
	return nil
}

// Add declares a child and saves the store.
func (s *ChildStore) Add(child ChildConfig) error {
	if child.ID == "" {
		return fmt.Errorf("child ID cannot be empty")
	}
	if strings.TrimSpace(child.Command) == "" {
		return fmt.Errorf("child command cannot be empty")
	}
	if err := ValidateCapture(child.Capture); err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	if existing, ok := s.config.Children[child.ID]; ok {
		child.CreatedAt = existing.CreatedAt
	}
	if child.CreatedAt.IsZero() {
		child.CreatedAt = now
	}
	child.UpdatedAt = now
	s.config.Children[child.ID] = child
	s.mu.Unlock()

	return s.Save()
}

// Remove deletes a child and saves the store.
func (s *ChildStore) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.config.Children[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("child %s not found", id)
	}
	delete(s.config.Children, id)
	s.mu.Unlock()
	return s.Save()
}

// Get returns the declaration for id.
func (s *ChildStore) Get(id string) (ChildConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.config.Children[id]
	return c, ok
}

// List returns every declaration ordered by ID.
func (s *ChildStore) List() []ChildConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChildConfig, 0, len(s.config.Children))
	for _, c := range s.config.Children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Autostart returns the declarations to spawn at startup.
func (s *ChildStore) Autostart() []ChildConfig {
	var out []ChildConfig
	for _, c := range s.List() {
		if c.Autostart {
			out = append(out, c)
		}
	}
	return out
}

// ValidateCapture checks a capture mode name.
func ValidateCapture(mode string) error {
	switch mode {
	case "", "none", "stdout", "stderr", "both":
		return nil
	}
	return fmt.Errorf("invalid capture mode %q (want none, stdout, stderr or both)", mode)
}
