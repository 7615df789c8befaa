package main

import (
	"testing"

	"github.com/shrtyk/replikv/app"
	"github.com/shrtyk/replikv/pkg/logger"
	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFlagsOnlyOverridesChanged(t *testing.T) {
	cmd := flag.NewFlagSet("replikv", flag.ContinueOnError)
	var addr, transport, env string
	var source bool
	cmd.StringVar(&addr, "http-addr", "", "")
	cmd.StringVar(&transport, "transport", "", "")
	cmd.StringVar(&env, "log-env", "", "")
	cmd.BoolVar(&source, "log-source", false, "")
	require.NoError(t, cmd.Parse([]string{"--transport", "grpc", "--log-env", "prod"}))

	cfg := app.DefaultConfig()
	require.NoError(t, applyFlags(cmd, cfg, addr, transport, env, source))

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "grpc", cfg.Transport.Kind)
	assert.Equal(t, logger.Prod, cfg.Log.Env)
	assert.False(t, cfg.Log.AddSource)
}

func TestApplyFlagsRejectsUnknownEnv(t *testing.T) {
	cmd := flag.NewFlagSet("replikv", flag.ContinueOnError)
	var env string
	cmd.StringVar(&env, "log-env", "", "")
	require.NoError(t, cmd.Parse([]string{"--log-env", "qa"}))

	assert.Error(t, applyFlags(cmd, app.DefaultConfig(), "", "", env, false))
}

func TestRunHelp(t *testing.T) {
	assert.NoError(t, run([]string{"replikv", "--help"}))
}
