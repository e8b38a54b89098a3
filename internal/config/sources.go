package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source is one configured news source. Sources are processed in file order.
type Source struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	URLs     []string `yaml:"urls"`
	Disabled bool     `yaml:"disabled"`
}

type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources reads the feeds file at path and returns the enabled sources in
// their declared order.
//
// Example:
//
//	sources:
//	  - id: screenrant
//	    category: movies
//	    urls:
//	      - https://screenrant.com/feed/movie-news/
func LoadSources(path string) ([]Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feeds file: %w", err)
	}
	return ParseSources(raw)
}

// ParseSources decodes and validates a feeds document.
func ParseSources(raw []byte) ([]Source, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse feeds file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Sources))
	out := make([]Source, 0, len(f.Sources))
	for i, s := range f.Sources {
		s.ID = strings.TrimSpace(s.ID)
		s.Category = strings.ToLower(strings.TrimSpace(s.Category))
		if s.ID == "" {
			return nil, fmt.Errorf("source #%d: id is required", i+1)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("source %q: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}

		urls := make([]string, 0, len(s.URLs))
		for _, u := range s.URLs {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			pu, err := url.Parse(u)
			if err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
				return nil, fmt.Errorf("source %q: invalid url %q", s.ID, u)
			}
			urls = append(urls, u)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("source %q: at least one url is required", s.ID)
		}
		s.URLs = urls
		if s.Name == "" {
			s.Name = s.ID
		}
		if s.Disabled {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("feeds file declares no enabled sources")
	}
	return out, nil
}
