// Package locations bundles the ISO 3166-1 alpha-2 country table used to
// validate country codes and to resolve the country names that appear on
// upstream mirror listings. The table ships with the binary so that lookups
// never depend on the registry contents.
package locations

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed countries.yaml
var rawTable []byte

type Country struct {
	Code          string
	Name          string
	ContinentCode string
	ContinentName string
}

type tableEntry struct {
	Name      string   `yaml:"name"`
	Aliases   []string `yaml:"aliases"`
	Continent string   `yaml:"continent"`
}

type table struct {
	Continents map[string]string     `yaml:"continents"`
	Countries  map[string]tableEntry `yaml:"countries"`
}

var (
	byCode = map[string]Country{}
	byName = map[string]Country{}
)

func init() {
	var t table
	if err := yaml.Unmarshal(rawTable, &t); err != nil {
		panic(fmt.Sprintf("locations: malformed countries.yaml: %v", err))
	}
	for code, entry := range t.Countries {
		continentName, ok := t.Continents[entry.Continent]
		if !ok {
			panic(fmt.Sprintf("locations: country %q references unknown continent %q", code, entry.Continent))
		}
		c := Country{
			Code:          code,
			Name:          entry.Name,
			ContinentCode: entry.Continent,
			ContinentName: continentName,
		}
		byCode[code] = c
		byName[strings.ToLower(entry.Name)] = c
		for _, alias := range entry.Aliases {
			byName[strings.ToLower(alias)] = c
		}
	}
}

// ByCode returns the country for an ISO 3166-1 alpha-2 code. Codes match
// case-insensitively.
func ByCode(code string) (Country, bool) {
	c, ok := byCode[strings.ToLower(strings.TrimSpace(code))]
	return c, ok
}

// ByName returns the country whose English name or known alias matches name,
// ignoring case and surrounding whitespace.
func ByName(name string) (Country, bool) {
	c, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// IsValidCode reports whether code is an assigned ISO 3166-1 alpha-2 code.
func IsValidCode(code string) bool {
	_, ok := ByCode(code)
	return ok
}
