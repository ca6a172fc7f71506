package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"message-router/internal/transport"
	"message-router/internal/transport/transporttest"
)

const routingDoc = `
bindings:
  mem: {type: memory}
endpoints:
  orders: {address: orders, binding: mem, contract: one-way}
  audit: {address: audit, binding: mem, contract: one-way}
filters:
  new-orders: {type: action, actions: ["urn:NewOrder"]}
  big:
    type: body_json
    path: total
    operator: gt
    operand: 100
table:
  - filter: new-orders
    endpoints: [orders]
  - filter: big
    endpoints: [audit]
`

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	registry := transport.NewRegistry()
	registry.Register("memory", transporttest.NewNetwork().Dial)

	cmd := NewRootCmd(registry)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeRouting(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestValidate(t *testing.T) {
	path := writeRouting(t, routingDoc)
	out, err := run(t, "", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "table entries: 2")
	assert.Contains(t, out, "filters read body: true")

	headersOnly := writeRouting(t, strings.Replace(routingDoc, "  - filter: big\n    endpoints: [audit]\n", "", 1))
	out, err = run(t, "", "validate", headersOnly)
	require.NoError(t, err)
	assert.Contains(t, out, "table entries: 1")
	assert.Contains(t, out, "filters read body: false")

	bad := writeRouting(t, "table:\n  - filter: ghost\n    endpoints: [x]\n")
	_, err = run(t, "", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `filter "ghost" is not defined`)
}

func TestMatch(t *testing.T) {
	path := writeRouting(t, routingDoc)

	out, err := run(t, "", "match", path, "-H", "Action=urn:NewOrder")
	require.NoError(t, err)
	assert.Equal(t, "mem\torders\tone-way\n", out)

	out, err = run(t, `{"total": 250}`, "match", path, "-H", "Action=urn:NewOrder", "--body", "-")
	require.NoError(t, err)
	assert.Equal(t, "mem\torders\tone-way\nmem\taudit\tone-way\n", out)

	out, err = run(t, "", "match", path, "-H", "Action=urn:Other")
	require.NoError(t, err)
	assert.Equal(t, "no destinations\n", out)

	_, err = run(t, "", "match", path, "-H", "Action")
	assert.Error(t, err)
}

func TestServeRejectsArgs(t *testing.T) {
	_, err := run(t, "", "serve", "extra")
	assert.Error(t, err)
}
