package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCLIDeclaresStartAndDKGCommands(t *testing.T) {
	app := CLI()

	names := make(map[string]bool, len(app.Commands))
	for _, cmd := range app.Commands {
		names[cmd.Name] = true
	}
	require.True(t, names["start"])
	require.True(t, names["dkg"])

	dkgCmd := app.Command("dkg")
	require.NotNil(t, dkgCmd)
	require.Len(t, dkgCmd.Subcommands, 1)
	require.Equal(t, "start", dkgCmd.Subcommands[0].Name)
}

func TestCLIStartRequiresConfigFlag(t *testing.T) {
	app := CLI()
	err := app.Run([]string{"validator", "start"})
	require.Error(t, err)
}

func TestDKGStartCmdHitsConfiguredAPI(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/dkg/start", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	app := CLI()
	err := app.Run([]string{"validator", "dkg", "start", "--api", srv.URL})
	require.NoError(t, err)
	require.True(t, hit)
}

func TestDKGStartCmdPropagatesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	app := CLI()
	err := app.Run([]string{"validator", "dkg", "start", "--api", srv.URL})
	require.Error(t, err)
}
