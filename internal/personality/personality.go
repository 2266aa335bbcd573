// Package personality is the catalog of assistant personas a conversation
// can be bound to.
package personality

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const DefaultID = "swag_bhai"

type Personality struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Emoji       string `yaml:"emoji,omitempty"`
}

func builtin() []Personality {
	return []Personality{
		{ID: "swag_bhai", Name: "Swag Bhai", Description: "Cool and trendy with a dash of attitude", Emoji: "😎"},
		{ID: "ceo_bhai", Name: "CEO Bhai", Description: "Professional and business-minded advice", Emoji: "💼"},
		{ID: "roast_bhai", Name: "Roast Bhai", Description: "Witty and humorous with a touch of sarcasm", Emoji: "🔥"},
		{ID: "vidhyarthi_bhai", Name: "Vidhyarthi Bhai", Description: "Educational and informative responses", Emoji: "📚"},
		{ID: "jugadu_bhai", Name: "Jugadu Bhai", Description: "Creative problem-solver with resourceful hacks", Emoji: "🔧"},
	}
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	order     []string
	byID      map[string]Personality
	defaultID string
}

// NewCatalog returns the built-in personas with swag_bhai as default.
func NewCatalog() *Catalog {
	c := &Catalog{byID: make(map[string]Personality), defaultID: DefaultID}
	for _, p := range builtin() {
		c.add(p)
	}
	return c
}

func (c *Catalog) add(p Personality) {
	if _, ok := c.byID[p.ID]; !ok {
		c.order = append(c.order, p.ID)
	}
	c.byID[p.ID] = p
}

type fileFormat struct {
	Default       string        `yaml:"default"`
	Personalities []Personality `yaml:"personalities"`
}

// LoadFile merges personas from a YAML file into the catalog. Entries with
// a known id replace the built-in one. A missing file is not an error.
func (c *Catalog) LoadFile(path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("personalities file does not exist, using built-ins", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read personalities file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse personalities file %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range f.Personalities {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			logger.Warn("skipping personality without id", "path", path)
			continue
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		c.add(p)
		logger.Info("loaded personality", "id", p.ID, "path", path)
	}
	if f.Default != "" {
		if _, ok := c.byID[f.Default]; !ok {
			return fmt.Errorf("personalities file %s: unknown default %q", path, f.Default)
		}
		c.defaultID = f.Default
	}
	return nil
}

func (c *Catalog) Get(id string) (Personality, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	return p, ok
}

// Resolve returns the persona for id, or the default when id is unknown.
func (c *Catalog) Resolve(id string) Personality {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.byID[id]; ok {
		return p
	}
	return c.byID[c.defaultID]
}

func (c *Catalog) Default() Personality {
	return c.Resolve("")
}

func (c *Catalog) DefaultID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultID
}

func (c *Catalog) SetDefault(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; !ok {
		return fmt.Errorf("unknown personality %q", id)
	}
	c.defaultID = id
	return nil
}

func (c *Catalog) All() []Personality {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Personality, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// FallbackTitle is the title of a conversation created before any text exists.
func (c *Catalog) FallbackTitle(id string) string {
	return fmt.Sprintf("New %s Chat", c.Resolve(id).Name)
}
