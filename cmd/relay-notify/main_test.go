package main

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Help(t *testing.T) {
	err := run([]string{"--help"}, strings.NewReader(""))
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestRun_RejectsPositionalArguments(t *testing.T) {
	err := run([]string{"--channel", "events", "extra"}, strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected argument: extra")
}

func TestRun_ConfigErrorsSurface(t *testing.T) {
	t.Setenv("CHANGE_SOURCE_DRIVER", "carrier-pigeon")

	err := run([]string{"--payload", `{"id":1}`}, strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHANGE_SOURCE_DRIVER")
}
