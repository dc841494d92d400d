package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServeCmdProperties(t *testing.T) {
	cmd := newServeCmd()

	assert.Equal(t, "serve", cmd.Use)
	assert.Equal(t, "Start the clusterlink proxy", cmd.Short)
	assert.Contains(t, cmd.Long, "/api-kube")
	assert.Contains(t, cmd.Long, "/api/stack")
	assert.Contains(t, cmd.Long, "/healthz/detailed")
}

func TestServeCmdFlagDefaults(t *testing.T) {
	cmd := newServeCmd()

	tests := []struct {
		flagName string
		expected string
	}{
		{"addr", "127.0.0.1:8999"},
		{"metrics-addr", "127.0.0.1:9090"},
		{"kubectl", "kubectl"},
		{"token-ttl", "15m0s"},
		{"https-proxy", ""},
		{"allowed-origins", ""},
		{"max-request-bytes", "33554432"},
		{"enable-hsts", "false"},
	}

	for _, test := range tests {
		flag := cmd.Flags().Lookup(test.flagName)
		if assert.NotNil(t, flag, "flag %s should exist", test.flagName) {
			assert.Equal(t, test.expected, flag.DefValue,
				"Flag %s should have default value %s", test.flagName, test.expected)
		}
	}
}

func TestServeCmdFlagUsageNamesEnv(t *testing.T) {
	cmd := newServeCmd()

	usage := cmd.UsageString()
	for _, env := range []string{envAddr, envMetricsAddr, envKubectl, envTokenTTL, envHTTPSProxy, envAllowedOrigins, envMaxRequestBytes} {
		assert.Contains(t, usage, "$"+env)
	}
}

func TestServeCmdRejectsInvalidConfig(t *testing.T) {
	t.Setenv(envKubeconfig, "")
	cmd := newServeCmd()
	cmd.SetArgs([]string{"--token-ttl", "1s", "--addr", "nope"})

	err := cmd.Execute()
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "token ttl")
		assert.Contains(t, err.Error(), "addr")
	}
}
