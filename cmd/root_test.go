package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agridata/mandisync/internal/model"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"ingest", "backfill", "runs", "serve", "migrate"} {
		assert.True(t, names[want], "command %s registered", want)
	}
}

func TestIngestFlags(t *testing.T) {
	require.NotNil(t, ingestCmd.Flags().Lookup("limit"))
	require.NotNil(t, backfillCmd.Flags().Lookup("limit"))
	require.NotNil(t, backfillCmd.Flags().Lookup("file"))
	require.NotNil(t, runsListCmd.Flags().Lookup("status"))
}

func TestMigrateMessage_NamesDriver(t *testing.T) {
	assert.Equal(t, "Schema applied (postgres)", migrateMessage("postgres"))
	assert.Equal(t, "Schema applied (sqlite)", migrateMessage("sqlite"))
}

func TestPrintRunSummary_NilSafe(t *testing.T) {
	printRunSummary(nil)
	printRunSummary(&model.IngestionRun{ID: "x", Status: model.RunStatusFailed, Error: "boom"})
}
