package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/regtruth/regtruth/pkg/model"
)

// SourceCatalog is one jurisdiction's registered regulatory sources,
// loaded from sources_<code>.yaml.
type SourceCatalog struct {
	Name    string        `yaml:"name"`
	Code    string        `yaml:"code"`
	Sources []SourceEntry `yaml:"sources"`
}

// SourceEntry mirrors the persisted Source registration.
type SourceEntry struct {
	Slug            string   `yaml:"slug"`
	Name            string   `yaml:"name"`
	URL             string   `yaml:"url"`
	Authority       string   `yaml:"authority"`
	ExpectedDomains []string `yaml:"expected_domains"`
	FetchIntervalMs int64    `yaml:"fetch_interval_ms"`
	Active          *bool    `yaml:"active"`
}

// Model converts the entry to its persisted form. Active defaults to
// true; fetch interval to one hour.
func (e SourceEntry) Model() *model.Source {
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	interval := e.FetchIntervalMs
	if interval <= 0 {
		interval = 3600000
	}
	return &model.Source{
		Slug:            e.Slug,
		Name:            e.Name,
		URL:             e.URL,
		Authority:       model.AuthorityLevel(e.Authority),
		ExpectedDomains: e.ExpectedDomains,
		FetchIntervalMs: interval,
		Active:          active,
	}
}

// LoadCatalog loads one jurisdiction catalog by code.
func LoadCatalog(dir, code string) (*SourceCatalog, error) {
	code = strings.ToLower(code)
	path := filepath.Join(dir, fmt.Sprintf("sources_%s.yaml", code))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load catalog %q: %w", code, err)
	}
	catalog, err := parseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse catalog %q: %w", code, err)
	}
	if catalog.Code == "" {
		catalog.Code = code
	}
	return catalog, nil
}

// LoadAllCatalogs loads every sources_*.yaml in the directory, keyed by
// jurisdiction code.
func LoadAllCatalogs(dir string) (map[string]*SourceCatalog, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "sources_*.yaml"))
	if err != nil {
		return nil, err
	}
	catalogs := make(map[string]*SourceCatalog, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		catalog, err := parseCatalog(data)
		if err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if catalog.Code == "" {
			base := filepath.Base(path)
			catalog.Code = strings.TrimSuffix(strings.TrimPrefix(base, "sources_"), ".yaml")
		}
		catalogs[catalog.Code] = catalog
	}
	return catalogs, nil
}

func parseCatalog(data []byte) (*SourceCatalog, error) {
	var catalog SourceCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, err
	}
	for i, entry := range catalog.Sources {
		if entry.Slug == "" || entry.URL == "" {
			return nil, fmt.Errorf("source %d: slug and url are required", i)
		}
		level := model.AuthorityLevel(entry.Authority)
		if level != model.AuthorityUnknown && level.Rank() == 0 {
			return nil, fmt.Errorf("source %q: unknown authority %q", entry.Slug, entry.Authority)
		}
	}
	return &catalog, nil
}
