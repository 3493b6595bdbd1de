package scraper

import (
	"fmt"
	"sync"

	"magpie/engine/models"
)

// Factory maps scraper-type tags to extractor constructors. New scraper
// types are added by registering a constructor under their tag.
type Factory struct {
	mu           sync.RWMutex
	constructors map[models.ScraperType]Constructor
	configs      map[models.ScraperType]map[string]any
}

func NewFactory() *Factory {
	return &Factory{
		constructors: make(map[models.ScraperType]Constructor),
		configs:      defaultConfigs(),
	}
}

// Register installs (or replaces) the constructor for a scraper type.
func (f *Factory) Register(t models.ScraperType, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[t] = c
}

// Registered reports whether a constructor exists for the tag.
func (f *Factory) Registered(t models.ScraperType) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.constructors[t]
	return ok
}

// Create builds an extractor for the scraper type, merging the type's
// default config under the caller's overrides.
func (f *Factory) Create(t models.ScraperType, opts Options) (Extractor, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[t]
	defaults := f.configs[t]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownScraperType, t)
	}

	merged := make(map[string]any, len(defaults)+len(opts.Config))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range opts.Config {
		merged[k] = v
	}
	opts.Config = merged
	return ctor(opts)
}

// SetConfig replaces the default configuration for a scraper type.
func (f *Factory) SetConfig(t models.ScraperType, cfg map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[t] = cfg
}

func defaultConfigs() map[models.ScraperType]map[string]any {
	return map[models.ScraperType]map[string]any{
		models.ScraperYouTube:  {"headless": false},
		models.ScraperBilibili: {},
		models.ScraperArticle:  {"headless": true},
		models.ScraperReddit:   {"headless": false},
	}
}
