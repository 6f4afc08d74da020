// Package export loads stored call graph runs into external graph databases.
package export

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Benny93/axon-callgraph/internal/storage"
)

// BatchSize is the maximum number of rows sent in one UNWIND statement.
const BatchSize = 1000

// cypherRunner executes one Cypher statement.
type cypherRunner func(ctx context.Context, cypher string, params map[string]any) error

// Neo4jLoader loads runs into Neo4j as (:Symbol)-[:CALLS]->(:Symbol)
// graphs, one subgraph per file, using batch UNWIND queries.
type Neo4jLoader struct {
	driver neo4j.DriverWithContext
	run    cypherRunner
	logger *slog.Logger
}

// NewNeo4jLoader connects to Neo4j and returns a ready-to-use loader.
func NewNeo4jLoader(ctx context.Context, uri, user, password string) (*Neo4jLoader, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	l := newLoader(func(ctx context.Context, cypher string, params map[string]any) error {
		_, err := neo4j.ExecuteQuery(ctx, driver, cypher, params, neo4j.EagerResultTransformer)
		return err
	})
	l.driver = driver
	return l, nil
}

func newLoader(run cypherRunner) *Neo4jLoader {
	return &Neo4jLoader{run: run, logger: slog.Default()}
}

// Close releases the underlying Neo4j driver resources.
func (l *Neo4jLoader) Close(ctx context.Context) error {
	if l.driver == nil {
		return nil
	}
	return l.driver.Close(ctx)
}

// CreateIndexes ensures the required Neo4j indexes exist.
func (l *Neo4jLoader) CreateIndexes(ctx context.Context) error {
	indexes := []string{
		"CREATE INDEX callgraph_symbol_key IF NOT EXISTS FOR (n:Symbol) ON (n.file, n.sid)",
		"CREATE INDEX callgraph_symbol_name IF NOT EXISTS FOR (n:Symbol) ON (n.name)",
	}
	for _, q := range indexes {
		if err := l.run(ctx, q, nil); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

// CleanFile removes the symbols and edges previously loaded for file.
func (l *Neo4jLoader) CleanFile(ctx context.Context, file string) error {
	err := l.run(ctx,
		`MATCH (n:Symbol {file: $file}) DETACH DELETE n`,
		map[string]any{"file": file},
	)
	if err != nil {
		return fmt.Errorf("cleaning %s: %w", file, err)
	}
	return nil
}

// LoadRun upserts the symbols of run and then its CALLS edges.
func (l *Neo4jLoader) LoadRun(ctx context.Context, run *storage.Run) error {
	l.logger.Debug("loading run",
		slog.String("file", run.File),
		slog.Int("symbols", len(run.Symbols)),
		slog.Int("edges", len(run.Edges)))

	for _, batch := range chunk(symbolRows(run), BatchSize) {
		err := l.run(ctx,
			`UNWIND $batch AS row
			 MERGE (n:Symbol {file: row.file, sid: row.sid})
			 SET n.name = row.name, n.run_id = row.run_id`,
			map[string]any{"batch": batch},
		)
		if err != nil {
			return fmt.Errorf("loading symbols of %s: %w", run.File, err)
		}
	}

	for _, batch := range chunk(callRows(run), BatchSize) {
		err := l.run(ctx,
			`UNWIND $batch AS row
			 MATCH (caller:Symbol {file: row.file, sid: row.caller}),
			       (callee:Symbol {file: row.file, sid: row.callee})
			 MERGE (caller)-[r:CALLS]->(callee)
			 SET r.seq = row.seq`,
			map[string]any{"batch": batch},
		)
		if err != nil {
			return fmt.Errorf("loading calls of %s: %w", run.File, err)
		}
	}
	return nil
}

// Export replaces the Neo4j subgraph of every run. It returns the number
// of runs loaded.
func (l *Neo4jLoader) Export(ctx context.Context, runs []*storage.Run) (int, error) {
	if err := l.CreateIndexes(ctx); err != nil {
		return 0, err
	}
	for i, run := range runs {
		if err := l.CleanFile(ctx, run.File); err != nil {
			return i, err
		}
		if err := l.LoadRun(ctx, run); err != nil {
			return i, err
		}
	}
	return len(runs), nil
}

func symbolRows(run *storage.Run) []map[string]any {
	rows := make([]map[string]any, 0, len(run.Symbols))
	for _, sym := range run.Symbols {
		rows = append(rows, map[string]any{
			"file":   run.File,
			"sid":    sym.ID,
			"name":   sym.Name,
			"run_id": run.ID,
		})
	}
	return rows
}

// callRows keeps the emission order of edges in the seq property.
func callRows(run *storage.Run) []map[string]any {
	rows := make([]map[string]any, 0, len(run.Edges))
	for i, e := range run.Edges {
		rows = append(rows, map[string]any{
			"file":   run.File,
			"caller": e.Caller,
			"callee": e.Callee,
			"seq":    i,
		})
	}
	return rows
}

func chunk(rows []map[string]any, size int) [][]map[string]any {
	var out [][]map[string]any
	for len(rows) > size {
		out = append(out, rows[:size])
		rows = rows[size:]
	}
	if len(rows) > 0 {
		out = append(out, rows)
	}
	return out
}
