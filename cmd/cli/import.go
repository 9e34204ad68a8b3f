package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"storeflow/internal/config"
	"storeflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	importStore  uint
	importDryRun bool
)

// importCmd loads automations from a YAML file into one store.
//
//	automations:
//	  - name: VIP tagging
//	    trigger_type: order.paid
//	    trigger_conditions:
//	      - {field: order.total_price, operator: gte, value: 100}
//	    actions:
//	      - {kind: delay, params: {amount: 3, unit: days}}
//	      - {kind: webhook, params: {url: "https://crm.example.com/hooks/vip"}}
var importCmd = &cobra.Command{
	Use:   "import <file.yml>",
	Short: "Import automations from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if importStore == 0 {
			return errors.New("--store is required")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		reqs, err := parseAutomationsYAML(data)
		if err != nil {
			return err
		}

		cfg := config.Load()
		log := logrus.StandardLogger()
		registry := services.NewActionRegistry()
		services.RegisterBuiltinActions(registry, log, nil)

		if importDryRun {
			repo := services.NewAutomationRepository(nil, registry, cfg.Automation.MaxDelay, log)
			for i := range reqs {
				if err := repo.Validate(&reqs[i]); err != nil {
					return fmt.Errorf("automation %d (%s): %w", i, reqs[i].Name, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d automation(s) valid\n", len(reqs))
			return nil
		}

		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		repo := services.NewAutomationRepository(db, registry, cfg.Automation.MaxDelay, log)
		for i := range reqs {
			a, err := repo.Create(cmd.Context(), importStore, &reqs[i])
			if err != nil {
				return fmt.Errorf("automation %d (%s): %w", i, reqs[i].Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created automation %d %q\n", a.ID, a.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().UintVar(&importStore, "store", 0, "store id the automations belong to")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "validate only, do not write")
}

// parseAutomationsYAML accepts either a top-level list or an "automations" key.
// The document is re-encoded as JSON so conditions and actions go through
// their JSON decoders.
func parseAutomationsYAML(data []byte) ([]services.AutomationRequest, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if m, ok := doc.(map[string]interface{}); ok {
		doc = m["automations"]
	}
	if _, ok := doc.([]interface{}); !ok {
		return nil, errors.New("expected a list of automations")
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode automations: %w", err)
	}
	var reqs []services.AutomationRequest
	if err := json.Unmarshal(buf, &reqs); err != nil {
		return nil, fmt.Errorf("decode automations: %w", err)
	}
	return reqs, nil
}
