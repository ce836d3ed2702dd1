package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/gateway/httpapi"
	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/sandbox"
)

var policyYAML bool

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Print the effective capability policy and resource limits",
	RunE:  runPolicy,
}

func init() {
	policyCmd.Flags().BoolVar(&policyYAML, "yaml", false, "print YAML instead of JSON")
}

func runPolicy(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	info, err := effectivePolicy(cfg)
	if err != nil {
		return err
	}
	data, err := encodePolicy(info, policyYAML)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// effectivePolicy describes the policy and limits without starting a runtime.
func effectivePolicy(cfg *config.Config) (httpapi.PolicyInfo, error) {
	pol, err := policy.FromConfig(cfg.Policy)
	if err != nil {
		return httpapi.PolicyInfo{}, fmt.Errorf("building policy: %w", err)
	}
	limits := sandbox.Limits{
		Timeout:        cfg.Sandbox.Timeout(),
		MemoryBytes:    cfg.Sandbox.MemoryBytes(),
		MaxOutputBytes: cfg.Sandbox.OutputBytes(),
		PollInterval:   cfg.Sandbox.MemoryPollInterval(),
	}
	return httpapi.NewPolicyInfo(pol, cfg.Sandbox.RuntimeType(), limits, cfg.Source.SourceBytes()), nil
}

// encodePolicy renders JSON, or YAML with the same keys.
func encodePolicy(info httpapi.PolicyInfo, asYAML bool) ([]byte, error) {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, err
	}
	if !asYAML {
		return append(data, '\n'), nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

