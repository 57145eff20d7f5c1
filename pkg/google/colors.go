package google

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/harrisonrobin/larksync/pkg/config"
)

const (
	colorFile    = "project_colors.json"
	colorCount   = 11
	defaultColor = "1"
)

type projectColor struct {
	ColorID  string    `json:"color_id"`
	LastUsed time.Time `json:"last_used"`
}

// ColorCache hands out one of the eleven calendar event colors per project.
// When all colors are taken, the least recently used project gives its color up.
type ColorCache struct {
	Path     string
	mu       sync.Mutex
	projects map[string]*projectColor
	dirty    bool
	now      func() time.Time
}

// LoadColorCache opens the cache in the larksync config directory.
func LoadColorCache() (*ColorCache, error) {
	home, err := config.GetXdgHome()
	if err != nil {
		return nil, err
	}
	return OpenColorCache(filepath.Join(home, colorFile))
}

func OpenColorCache(path string) (*ColorCache, error) {
	c := &ColorCache{Path: path, projects: make(map[string]*projectColor), now: time.Now}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&c.projects); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ColorCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0700); err != nil {
		return err
	}
	f, err := os.Create(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	err = json.NewEncoder(f).Encode(c.projects)
	if err == nil {
		c.dirty = false
	}
	return err
}

// ColorID returns the color of a project, assigning one if needed.
func (c *ColorCache) ColorID(project string) string {
	if project == "" {
		return defaultColor
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if pc, ok := c.projects[project]; ok {
		pc.LastUsed = now
		c.dirty = true
		return pc.ColorID
	}

	used := make(map[string]bool)
	for _, pc := range c.projects {
		used[pc.ColorID] = true
	}
	for i := 1; i <= colorCount; i++ {
		id := strconv.Itoa(i)
		if !used[id] {
			c.projects[project] = &projectColor{ColorID: id, LastUsed: now}
			c.dirty = true
			return id
		}
	}

	var oldest string
	for name, pc := range c.projects {
		if oldest == "" || pc.LastUsed.Before(c.projects[oldest].LastUsed) {
			oldest = name
		}
	}
	id := c.projects[oldest].ColorID
	delete(c.projects, oldest)
	c.projects[project] = &projectColor{ColorID: id, LastUsed: now}
	c.dirty = true
	return id
}
