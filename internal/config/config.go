// Package config loads the per-table migration policy file and the runtime
// settings of the tablemigrate command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/bfv/tablemigrate/internal/policy"
	"github.com/bfv/tablemigrate/internal/table"
)

// Format is the encoding of a policy file.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported policy file extension %q (want .toml, .yaml or .yml)", filepath.Ext(path))
	}
}

// Load reads a policy file and returns the sealed registry it describes.
func Load(path string) (*policy.Registry, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	f, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	reg, err := Build(f)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return reg, nil
}

// Decode parses data in the given format. Unknown keys are rejected.
func Decode(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatTOML:
		if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&f); err != nil {
			return nil, err
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy format %q", format)
	}
	return &f, nil
}

// Build turns a decoded file into a sealed registry. Databases are processed
// in name order so the first reported error is stable. Any error aborts the
// build; a partial registry is never returned.
func Build(f *File) (*policy.Registry, error) {
	reg := policy.NewRegistry()

	names := make([]string, 0, len(f.Databases))
	for name := range f.Databases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, dbName := range names {
		db := f.Databases[dbName]

		for _, ref := range db.SchemaOnly {
			t, err := table.Parse(ref)
			if err != nil {
				return nil, fmt.Errorf("database %q schema_only: %w", dbName, err)
			}
			if err := reg.AddSchemaOnly(t.WithDatabase(dbName)); err != nil {
				return nil, fmt.Errorf("database %q: %w", dbName, err)
			}
		}

		for _, filter := range db.TableFilters {
			t, err := resolveTable(dbName, filter.Schema, filter.Table)
			if err != nil {
				return nil, fmt.Errorf("database %q table_filters: %w", dbName, err)
			}
			if err := reg.AddPredicateFilter(t, filter.Where); err != nil {
				return nil, fmt.Errorf("database %q: %w", dbName, err)
			}
		}

		for _, filter := range db.TimeFilters {
			t, err := resolveTable(dbName, filter.Schema, filter.Table)
			if err != nil {
				return nil, fmt.Errorf("database %q time_filters: %w", dbName, err)
			}
			if err := reg.AddTimeFilter(t, filter.Column, filter.Last); err != nil {
				return nil, fmt.Errorf("database %q: %w", dbName, err)
			}
		}
	}

	reg.Seal()
	return reg, nil
}

// resolveTable uses an explicit schema verbatim and otherwise parses the
// table reference, defaulting the schema to public.
func resolveTable(database, schema, name string) (table.QualifiedTable, error) {
	if schema != "" {
		if name == "" {
			return table.QualifiedTable{}, &table.FormatError{Input: name, Reason: "empty table name"}
		}
		return table.New(database, schema, name), nil
	}
	t, err := table.Parse(name)
	if err != nil {
		return table.QualifiedTable{}, err
	}
	return t.WithDatabase(database), nil
}
