package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Help(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "asap-agent")
	assert.Contains(t, out.String(), "serve")
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "send")
	assert.Contains(t, names, "manifest")
	assert.Contains(t, names, "delegations")
	assert.Contains(t, names, "version")
}

func TestDelegationsCmd_Subcommands(t *testing.T) {
	cmd := newDelegationsCmd()
	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "issue")
	assert.ElementsMatch(t, []string{"issue", "revoke"}, names)
}

func TestSendCmd_RequiresFlags(t *testing.T) {
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"send"})

	err := root.Execute()
	require.Error(t, err)
}

func TestLoadManifest_Synthesized(t *testing.T) {
	m, err := loadManifest("", "urn:asap:agent:test", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, "urn:asap:agent:test", m.URN)
	assert.Equal(t, "test-agent", m.Name)
	assert.NotEmpty(t, m.Capability.Skills)
}
