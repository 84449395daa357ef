package manifest

// PostgresStorage enables the relational sink. When DropIndexesDuringBackfill
// is set the scheduler drops configured indexes and relationships for the
// historical phase and restores them before live tailing.
type PostgresStorage struct {
	Enabled                   bool     `yaml:"enabled"`
	Relationships             []string `yaml:"relationships,omitempty"`
	Indexes                   []string `yaml:"indexes,omitempty"`
	DropIndexesDuringBackfill bool     `yaml:"drop_indexes_during_backfill,omitempty"`
}

type ClickhouseStorage struct {
	Enabled bool `yaml:"enabled"`
}

type CsvStorage struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

type Storage struct {
	Postgres   *PostgresStorage   `yaml:"postgres,omitempty"`
	Clickhouse *ClickhouseStorage `yaml:"clickhouse,omitempty"`
	Csv        *CsvStorage        `yaml:"csv,omitempty"`
	Streams    *StreamsConfig     `yaml:"streams,omitempty"`
}

func (s *Storage) PostgresEnabled() bool {
	return s != nil && s.Postgres != nil && s.Postgres.Enabled
}

func (s *Storage) ClickhouseEnabled() bool {
	return s != nil && s.Clickhouse != nil && s.Clickhouse.Enabled
}

func (s *Storage) CsvEnabled() bool {
	return s != nil && s.Csv != nil && s.Csv.Enabled
}
