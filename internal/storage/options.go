package storage

import "time"

// Option mutates datastore configuration. The same option set applies to both
// the JSON-backed store and the Postgres repository.
type Option interface {
	applyJSON(*Storage)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json func(*Storage)
	pg   func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(json func(*Storage), pg func(*PostgresConfig)) Option {
	return optionAdapter{json: json, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithBlobStore installs the backend holding image bytes. Defaults to a
// no-op store, which keeps record bookkeeping testable without a filesystem.
func WithBlobStore(blobs BlobStore) Option {
	return composeOption(
		func(s *Storage) {
			if blobs != nil {
				s.blobs = blobs
			}
		},
		func(cfg *PostgresConfig) {
			if blobs != nil {
				cfg.Blobs = blobs
			}
		},
	)
}

// WithClock overrides the time source, used by tests to pin CreatedAt values.
func WithClock(now func() time.Time) Option {
	return composeOption(
		func(s *Storage) {
			if now != nil {
				s.now = now
			}
		},
		func(cfg *PostgresConfig) {
			if now != nil {
				cfg.Clock = now
			}
		},
	)
}
