package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-reconciler/api"
	"github.com/warp/order-reconciler/pipeline"
	"github.com/warp/order-reconciler/store/sqlite"
)

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"serve", "run", "merge", "ingest", "quarantine", "correct", "runs"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	for _, flag := range []string{"config", "db", "verbose", "format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.exec(t, "runs", "--format", "xml")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// cliEnv is a temp-dir database seeded with reference data plus a config
// file that keeps logging quiet.
type cliEnv struct {
	dir    string
	db     string
	config string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		dir:    dir,
		db:     filepath.Join(dir, "reconciler.db"),
		config: filepath.Join(dir, "config.yaml"),
	}
	require.NoError(t, os.WriteFile(env.config, []byte("log:\n  level: error\nmetrics:\n  enabled: false\n"), 0o644))

	store, err := sqlite.New(env.db)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.SaveCustomer(ctx, pipeline.Customer{ID: 1, Name: "Ada"}))
	require.NoError(t, store.SaveProduct(ctx, pipeline.Product{ID: 5, Name: "Widget", ListPrice: decimal.RequireFromString("10.00")}))
	require.NoError(t, store.SaveProduct(ctx, pipeline.Product{ID: 6, Name: "Gadget", ListPrice: decimal.RequireFromString("4.50")}))
	require.NoError(t, store.Close())
	return env
}

func (e *cliEnv) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", e.config, "--db", e.db))
	err := cmd.Execute()
	return out.String(), err
}

func (e *cliEnv) writeBatch(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func decodeData[T any](t *testing.T, out string) (string, T) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	var data T
	require.NoError(t, json.Unmarshal(resp.Data, &data), out)
	return resp.Status, data
}

const cliBatch = `
source: orders-2023-03-01.csv
rows:
  - {customer: 1, product: 5, quantity: 2, unit_price: "10.00", order_date: 2023-03-01}
  - {customer: 1, product: 99, quantity: 1, unit_price: "3.00", order_date: 2023-03-01}
`

func TestCLI_IngestRunCorrect(t *testing.T) {
	env := newCLIEnv(t)
	batch := env.writeBatch(t, "batch.yaml", cliBatch)

	// GIVEN: A batch with one good row and one unknown product
	out, err := env.exec(t, "ingest", batch, "--format", "json")
	require.NoError(t, err)
	status, ingest := decodeData[api.IngestResponse](t, out)
	assert.Equal(t, "ok", status)
	assert.Equal(t, 2, ingest.Count)
	assert.Equal(t, "orders-2023-03-01.csv", ingest.Source)

	// WHEN: A run is executed
	out, err = env.exec(t, "run", "--format", "json")
	require.NoError(t, err)

	// THEN: The good row is loaded and the other quarantined
	status, run := decodeData[api.RunResponse](t, out)
	assert.Equal(t, "ok", status)
	assert.Equal(t, "success", run.Run.Status)
	assert.Equal(t, 2, run.Validation.Checked)
	assert.Equal(t, 1, run.Validation.Invalid)
	assert.Equal(t, 1, run.Load.RowsProcessed)
	assert.Len(t, run.Load.OrdersCreated, 1)
	require.NotNil(t, run.Merge)
	assert.Equal(t, "merge_fact_sales", run.Merge.Run.ProcessName)

	out, err = env.exec(t, "quarantine", "--format", "json")
	require.NoError(t, err)
	_, quarantined := decodeData[[]api.StagingRowDTO](t, out)
	require.Len(t, quarantined, 1)
	assert.Equal(t, int64(99), quarantined[0].ProductRef)
	badID := quarantined[0].ID

	// WHEN: The row is corrected and the pipeline runs again
	_, err = env.exec(t, "correct", jsonInt(badID), "--product", "6")
	require.NoError(t, err)
	out, err = env.exec(t, "run", "--skip-merge", "--format", "json")
	require.NoError(t, err)

	// THEN: The corrected row joins the existing order
	_, run = decodeData[api.RunResponse](t, out)
	assert.Equal(t, 1, run.Validation.Retried)
	assert.Equal(t, 1, run.Load.RowsProcessed)
	assert.Empty(t, run.Load.OrdersCreated)
	assert.Nil(t, run.Merge)

	out, err = env.exec(t, "quarantine", "--format", "json")
	require.NoError(t, err)
	_, quarantined = decodeData[[]api.StagingRowDTO](t, out)
	assert.Empty(t, quarantined)
}

func TestCLI_Runs(t *testing.T) {
	env := newCLIEnv(t)
	batch := env.writeBatch(t, "batch.yaml", cliBatch)
	_, err := env.exec(t, "ingest", batch)
	require.NoError(t, err)
	_, err = env.exec(t, "run")
	require.NoError(t, err)

	out, err := env.exec(t, "runs", "--process", "reconcile_staging", "--format", "json")
	require.NoError(t, err)
	_, runs := decodeData[[]api.RunDTO](t, out)
	require.Len(t, runs, 1)

	// GIVEN: The run logged one validation error
	out, err = env.exec(t, "runs", runs[0].ID, "--format", "json")
	require.NoError(t, err)
	_, detail := decodeData[api.RunDetailResponse](t, out)
	require.Len(t, detail.Errors, 1)
	assert.Equal(t, "validation", detail.Errors[0].Kind)

	_, err = env.exec(t, "runs", "no-such-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrRunNotFound))

	_, err = env.exec(t, "runs", "--status", "bogus")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCLI_TextOutput(t *testing.T) {
	env := newCLIEnv(t)
	batch := env.writeBatch(t, "batch.yaml", cliBatch)

	out, err := env.exec(t, "ingest", batch)
	require.NoError(t, err)
	assert.Contains(t, out, "Staged 2 rows from orders-2023-03-01.csv")

	out, err = env.exec(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "reconcile_staging")
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, "1 orders created")
}

func TestCLI_CorrectRejections(t *testing.T) {
	env := newCLIEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no fields", []string{"correct", "1"}},
		{"bad id", []string{"correct", "abc", "--product", "5"}},
		{"bad price", []string{"correct", "1", "--unit-price", "ten"}},
		{"bad date", []string{"correct", "1", "--order-date", "03/01/2023"}},
		{"unknown row", []string{"correct", "999", "--product", "5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.exec(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestCLI_IngestMissingFile(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.exec(t, "ingest", filepath.Join(env.dir, "missing.yaml"))

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
