package config

// File is the top-level structure of a policy file.
type File struct {
	Databases map[string]Database `toml:"databases" yaml:"databases"`
}

// Database holds the table rules of one database.
type Database struct {
	SchemaOnly   []string      `toml:"schema_only" yaml:"schema_only"`
	TableFilters []TableFilter `toml:"table_filters" yaml:"table_filters"`
	TimeFilters  []TimeFilter  `toml:"time_filters" yaml:"time_filters"`
}

// TableFilter restricts a table to rows matching Where. Table may be
// "schema.table" when Schema is not set.
type TableFilter struct {
	Table  string `toml:"table" yaml:"table"`
	Schema string `toml:"schema,omitempty" yaml:"schema,omitempty"`
	Where  string `toml:"where" yaml:"where"`
}

// TimeFilter restricts a table to rows whose Column is within Last of the
// extraction time, e.g. "6 months".
type TimeFilter struct {
	Table  string `toml:"table" yaml:"table"`
	Schema string `toml:"schema,omitempty" yaml:"schema,omitempty"`
	Column string `toml:"column" yaml:"column"`
	Last   string `toml:"last" yaml:"last"`
}
