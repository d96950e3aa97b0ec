// Package campaign loads a campaign's regions and NPCs from YAML and serves
// them as the relationship lookup and region directory of the staging
// workflow when no database is configured.
package campaign

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/dmdesk/pkg/types"
)

// File is the top-level structure of a campaign YAML file.
//
// Example:
//
//	campaign:
//	  name: "Harbor Nights"
//	regions:
//	  - id: rusty-flagon
//	    name: "The Rusty Flagon"
//	    location_id: harbor-ward
//	    location_name: "Harbor Ward"
//	npcs:
//	  - id: mira
//	    name: "Mira Thornwood"
//	    relations:
//	      - region: rusty-flagon
//	        type: home
//	      - region: market
//	        type: frequents
//	        frequency: often
//	        time_of_day: mornings
type File struct {
	Campaign Meta     `yaml:"campaign"`
	Regions  []Region `yaml:"regions"`
	NPCs     []NPC    `yaml:"npcs"`
}

// Meta holds top-level metadata for a campaign.
type Meta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// System is the game system identifier (e.g., "dnd5e", "pf2e", "custom").
	System string `yaml:"system"`
}

// Region is a place NPCs can be staged in.
type Region struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	LocationID   string `yaml:"location_id"`
	LocationName string `yaml:"location_name"`
}

// NPC is a non-player character and its relations to regions.
type NPC struct {
	types.Character `yaml:",inline"`
	Relations       []Relation `yaml:"relations"`
}

// Relation links an NPC to a region.
type Relation struct {
	Region    string               `yaml:"region"`
	Type      types.RegionRelation `yaml:"type"`
	Shift     types.Shift          `yaml:"shift"`
	Frequency string               `yaml:"frequency"`
	TimeOfDay string               `yaml:"time_of_day"`
}

// LoadFile reads and parses a campaign YAML file from disk.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("campaign: open %q: %w", path, err)
	}
	defer f.Close()

	cf, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("campaign: parse %q: %w", path, err)
	}
	return cf, nil
}

// LoadFromReader parses and validates campaign YAML from r.
func LoadFromReader(r io.Reader) (*File, error) {
	var cf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("campaign: decode yaml: %w", err)
	}
	if err := Validate(&cf); err != nil {
		return nil, err
	}
	return &cf, nil
}

// Validate checks ids, relation types and shifts. Relations may reference
// regions defined in another campaign file, so unknown regions are allowed.
func Validate(cf *File) error {
	var errs []error

	regions := make(map[string]struct{}, len(cf.Regions))
	for i, r := range cf.Regions {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("regions[%d]: id must not be empty", i))
			continue
		}
		if _, dup := regions[r.ID]; dup {
			errs = append(errs, fmt.Errorf("regions[%d]: duplicate id %q", i, r.ID))
		}
		regions[r.ID] = struct{}{}
	}

	npcs := make(map[string]struct{}, len(cf.NPCs))
	for i, n := range cf.NPCs {
		switch {
		case n.ID == "":
			errs = append(errs, fmt.Errorf("npcs[%d]: id must not be empty", i))
		case n.Name == "":
			errs = append(errs, fmt.Errorf("npcs[%d] (%s): name must not be empty", i, n.ID))
		}
		if _, dup := npcs[n.ID]; dup && n.ID != "" {
			errs = append(errs, fmt.Errorf("npcs[%d]: duplicate id %q", i, n.ID))
		}
		npcs[n.ID] = struct{}{}

		for j, rel := range n.Relations {
			if rel.Region == "" {
				errs = append(errs, fmt.Errorf("npcs[%d].relations[%d]: region must not be empty", i, j))
			}
			if !rel.Type.IsValid() {
				errs = append(errs, fmt.Errorf("npcs[%d].relations[%d]: type %q is not a recognised relation", i, j, rel.Type))
			}
			switch rel.Shift {
			case types.ShiftNone, types.ShiftDay, types.ShiftNight:
			default:
				errs = append(errs, fmt.Errorf("npcs[%d].relations[%d]: shift %q must be day or night", i, j, rel.Shift))
			}
			if rel.Shift != types.ShiftNone && rel.Type != types.RelationWorksAt {
				errs = append(errs, fmt.Errorf("npcs[%d].relations[%d]: shift is only valid for works_at", i, j))
			}
		}
	}
	return errors.Join(errs...)
}
