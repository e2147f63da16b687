package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies [name]",
		Short: "List the guardrails evaluated before every deploy",
		Long: `List the built-in and configured guardrail policies with their severity
and whether they are enabled after guardrails.disable and guardrails.enable
are applied. With a name the policy's Rego source is printed.`,
		Example: `  rollout policies
  rollout policies retry-backoff`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			pe, err := a.guardrails(cmd.Context())
			if err != nil {
				return err
			}
			if pe == nil {
				pe = policy.NewEngine(a.logger)
			}

			if len(args) == 1 {
				p, err := pe.GetPolicy(args[0])
				if err != nil {
					return engine.NewConfigurationError(fmt.Sprintf("unknown guardrail %q", args[0]), err)
				}
				return a.output(p, func() {
					fmt.Fprintln(a.out, styleTitle.Render("Guardrail "+p.Name))
					fmt.Fprintln(a.out, keyValue("severity", p.Severity))
					fmt.Fprintln(a.out, keyValue("enabled", p.Enabled))
					source := p.Source
					if source == "" {
						source = "built-in"
					}
					fmt.Fprintln(a.out, keyValue("source", source))
					if p.Description != "" {
						fmt.Fprintln(a.out, keyValue("description", p.Description))
					}
					fmt.Fprintln(a.out)
					fmt.Fprintln(a.out, p.Rego)
				})
			}

			policies := pe.ListPolicies()
			return a.output(policies, func() {
				if len(policies) == 0 {
					fmt.Fprintln(a.out, styleDim.Render("no guardrails configured"))
					return
				}
				fmt.Fprintln(a.out, styleHeader.Render(fmt.Sprintf("  %-28s %-9s %-8s %s", "POLICY", "SEVERITY", "ENABLED", "DESCRIPTION")))
				for _, p := range policies {
					enabled := styleOK.Render(padRight("yes", 8))
					if !p.Enabled {
						enabled = styleDim.Render(padRight("no", 8))
					}
					fmt.Fprintf(a.out, "  %-28s %-9s %s %s\n", p.Name, p.Severity, enabled, p.Description)
				}
			})
		}),
	}
	return cmd
}
