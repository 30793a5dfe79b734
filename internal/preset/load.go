package preset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// presetFile is the on-disk shape of the preset table: a mapping from
// preset name to row, mirroring the original's compiled-in
// preset table but externalized to YAML per the daemon's config style.
type presetFile struct {
	Presets map[string]struct {
		DemodType         string  `yaml:"demod_type"`
		SampRate          int     `yaml:"samprate"`
		Channels          int     `yaml:"channels"`
		Encoding          string  `yaml:"encoding"`
		MinIF             float32 `yaml:"low_edge"`
		MaxIF             float32 `yaml:"high_edge"`
		KaiserBeta        float32 `yaml:"kaiser_beta"`
		Filter2KaiserBeta float32 `yaml:"filter2_kaiser_beta"`
		Shift             float64 `yaml:"shift"`
		SquelchOpen       float32 `yaml:"squelch_open"`
		SquelchClose      float32 `yaml:"squelch_close"`
	} `yaml:"presets"`
}

// LoadFile parses a YAML preset table file into a Table.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("preset: read %s: %w", path, err)
	}
	var pf presetFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("preset: parse %s: %w", path, err)
	}

	t := make(Table, len(pf.Presets))
	for name, row := range pf.Presets {
		t[name] = Preset{
			Name:              name,
			DemodType:         demodFromString(row.DemodType),
			SampRate:          row.SampRate,
			Channels:          row.Channels,
			Encoding:          encodingFromString(row.Encoding),
			MinIF:             row.MinIF,
			MaxIF:             row.MaxIF,
			KaiserBeta:        row.KaiserBeta,
			Filter2KaiserBeta: row.Filter2KaiserBeta,
			Shift:             row.Shift,
			SquelchOpen:       row.SquelchOpen,
			SquelchClose:      row.SquelchClose,
		}
	}
	return t, nil
}
