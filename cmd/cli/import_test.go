package cli

import (
	"testing"

	"storeflow/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAutomationsYAML(t *testing.T) {
	doc := []byte(`
automations:
  - name: VIP tagging
    trigger_type: order.paid
    trigger_conditions:
      - {field: order.total_price, operator: gte, value: 100}
      - {field: customer.tags, operator: not_contains, value: vip}
    actions:
      - {kind: log, params: {message: "vip {{order.id}}"}}
      - {kind: delay, params: {amount: 3, unit: days}}
      - {type: webhook, config: {url: "https://crm.example.com/hooks/vip"}}
`)
	reqs, err := parseAutomationsYAML(doc)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	r := reqs[0]
	assert.Equal(t, "VIP tagging", r.Name)
	require.Len(t, r.TriggerConditions, 2)
	assert.Equal(t, services.OpGte, r.TriggerConditions[0].Operator)
	require.Len(t, r.Actions, 3)
	assert.Equal(t, "webhook", r.Actions[2].Kind, "legacy type/config shape")
	assert.Equal(t, "https://crm.example.com/hooks/vip", r.Actions[2].Params["url"])

	registry := services.NewActionRegistry()
	services.RegisterBuiltinActions(registry, nil, nil)
	repo := services.NewAutomationRepository(nil, registry, 0, nil)
	assert.NoError(t, repo.Validate(&r))
}

func TestParseAutomationsYAML_TopLevelList(t *testing.T) {
	reqs, err := parseAutomationsYAML([]byte(`
- name: a
  trigger_type: order.created
  actions: [{kind: end}]
`))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "end", reqs[0].Actions[0].Kind)
}

func TestParseAutomationsYAML_Invalid(t *testing.T) {
	_, err := parseAutomationsYAML([]byte("name: lonely"))
	assert.Error(t, err)
	_, err = parseAutomationsYAML([]byte(":\n  - ["))
	assert.Error(t, err)
}
