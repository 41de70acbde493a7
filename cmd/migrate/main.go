// Command migrate prepares storage: the SQLite schema when the sqlite driver
// is configured, and the BigQuery analytics tables plus the versioned views in
// migrations/ when a BigQuery project is configured.
package main

import (
	"context"
	"crypto/sha256"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/teamledger/internal/config"
	infraBQ "github.com/dvloznov/teamledger/internal/infra/bigquery"
	"github.com/dvloznov/teamledger/internal/logger"
	"github.com/dvloznov/teamledger/internal/store/sqlstore"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migration is one versioned SQL file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// Applied is a row of schema_migrations.
type Applied struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

func main() {
	appliedBy := flag.String("applied-by", "migrate-cli", "Name recorded in schema_migrations")
	dryRun := flag.Bool("dry-run", false, "List pending BigQuery migrations without applying them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if cfg.StoreDriver == "sqlite" {
		st, err := sqlstore.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("Failed to migrate SQLite store")
		}
		_ = st.Close()
		log.Info().Str("path", cfg.SQLitePath).Msg("SQLite schema is up to date")
	}

	if cfg.BigQueryProject == "" {
		log.Info().Msg("No BigQuery project configured, skipping analytics migrations")
		return
	}

	sink, err := infraBQ.New(ctx, cfg.BigQueryProject, cfg.BigQueryDataset)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer sink.Close()
	if err := sink.EnsureTables(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to create analytics tables")
	}

	client, err := bigquery.NewClient(ctx, cfg.BigQueryProject)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer client.Close()

	m := &migrator{
		client:    client,
		project:   cfg.BigQueryProject,
		dataset:   cfg.BigQueryDataset,
		appliedBy: *appliedBy,
		log:       log,
	}
	n, err := m.run(ctx, *dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
	log.Info().Int("applied", n).Bool("dry_run", *dryRun).Msg("BigQuery migrations finished")
}

// ReadMigrations parses every NNNN_name.sql file in fsys, sorted by version.
// The checksum covers the file before placeholders are substituted, so the
// same file applied to another dataset keeps its checksum.
func ReadMigrations(fsys fs.FS, project, dataset string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("ReadMigrations: %w", err)
	}
	var out []Migration
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := filenamePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		version, _ := strconv.Atoi(match[1])
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("ReadMigrations: version %04d used by %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()

		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("ReadMigrations: reading %s: %w", e.Name(), err)
		}
		sql := strings.ReplaceAll(string(content), "{{PROJECT_ID}}", project)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", dataset)
		out = append(out, Migration{
			Version:  version,
			Name:     match[2],
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Pending returns the migrations not yet applied. A changed checksum on an
// applied version is an error: applied files are immutable.
func Pending(all []Migration, applied []Applied) ([]Migration, error) {
	done := make(map[int]Applied, len(applied))
	for _, a := range applied {
		done[a.Version] = a
	}
	var out []Migration
	for _, m := range all {
		a, ok := done[m.Version]
		if !ok {
			out = append(out, m)
			continue
		}
		if a.Checksum != "" && a.Checksum != m.Checksum {
			return nil, fmt.Errorf("migration %04d_%s changed after it was applied", m.Version, m.Name)
		}
	}
	return out, nil
}

type migrator struct {
	client    *bigquery.Client
	project   string
	dataset   string
	appliedBy string
	log       zerolog.Logger
}

func (m *migrator) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", m.project, m.dataset, name)
}

func (m *migrator) run(ctx context.Context, dryRun bool) (int, error) {
	if err := m.exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INT64 NOT NULL,
			name       STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum   STRING,
			applied_by STRING
		)`, m.table("schema_migrations")), nil); err != nil {
		return 0, fmt.Errorf("creating schema_migrations: %w", err)
	}

	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return 0, err
	}
	all, err := ReadMigrations(sub, m.project, m.dataset)
	if err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}
	pending, err := Pending(all, applied)
	if err != nil {
		return 0, err
	}

	for _, mig := range pending {
		log := m.log.With().Int("version", mig.Version).Str("name", mig.Name).Logger()
		if dryRun {
			log.Info().Msg("Pending migration")
			continue
		}
		if err := m.exec(ctx, mig.SQL, nil); err != nil {
			return 0, fmt.Errorf("applying %04d_%s: %w", mig.Version, mig.Name, err)
		}
		if err := m.exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (version, name, applied_at, checksum, applied_by)
			VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)`, m.table("schema_migrations")),
			[]bigquery.QueryParameter{
				{Name: "version", Value: mig.Version},
				{Name: "name", Value: mig.Name},
				{Name: "checksum", Value: mig.Checksum},
				{Name: "applied_by", Value: m.appliedBy},
			}); err != nil {
			return 0, fmt.Errorf("recording %04d_%s: %w", mig.Version, mig.Name, err)
		}
		log.Info().Msg("Applied migration")
	}
	if dryRun {
		return 0, nil
	}
	return len(pending), nil
}

func (m *migrator) applied(ctx context.Context) ([]Applied, error) {
	q := m.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s ORDER BY version`, m.table("schema_migrations")))
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	var out []Applied
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating applied migrations: %w", err)
		}
		out = append(out, Applied{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return out, nil
}

func (m *migrator) exec(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := m.client.Query(sql)
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	return status.Err()
}
