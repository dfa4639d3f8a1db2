package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/workflow"
)

func newPolicyCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the permission table",
	}
	cmd.PersistentFlags().StringVar(&file, "file", "", "policy YAML file (defaults to the embedded table)")
	cmd.AddCommand(newPolicyLintCommand(&file), newPolicyCheckCommand(&file))
	return cmd
}

func newPolicyLintCommand(file *string) *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Validate the permission table and every workflow definition",
		Long: `Parse the permission table and compile the workflow machine against it.
Fails when a workflow references a permission the table does not register.

Examples:
  formula policy lint
  formula policy lint --file ./policy.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := loadPolicy(*file)
			if err != nil {
				return err
			}
			machine, err := workflow.NewMachine(rbac.NewEvaluator(policy), workflow.DefaultDefinitions()...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy ok: %d resource types, %d workflows\n",
				len(policy.ResourceTypes()), len(machine.Types()))
			return nil
		},
	}
}

type checkFlags struct {
	role      string
	seniority string
	action    string
	resource  string
	assigned  bool
	owner     bool
	cost      bool
}

func newPolicyCheckCommand(file *string) *cobra.Command {
	var flags checkFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate one permission offline",
		Long: `Evaluate a single permission for a synthetic active principal.

Examples:
  formula policy check --role project_manager --seniority regular --action approve --type milestone --assigned
  formula policy check --role client --action read --type scope_item --assigned --cost`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := loadPolicy(*file)
			if err != nil {
				return err
			}
			principal, action, res, err := flags.build()
			if err != nil {
				return err
			}
			decision, err := rbac.NewEvaluator(policy).Explain(principal, action, res)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if decision.Allowed {
				fmt.Fprintln(out, "allowed")
				return nil
			}
			fmt.Fprintf(out, "denied: %s\n", decision.Reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.role, "role", "", "principal role")
	cmd.Flags().StringVar(&flags.seniority, "seniority", string(rbac.SeniorityRegular), "principal seniority")
	cmd.Flags().StringVar(&flags.action, "action", "", "action to check")
	cmd.Flags().StringVar(&flags.resource, "type", "", "resource type")
	cmd.Flags().BoolVar(&flags.assigned, "assigned", false, "principal is assigned to the resource's project")
	cmd.Flags().BoolVar(&flags.owner, "owner", false, "principal created the resource")
	cmd.Flags().BoolVar(&flags.cost, "cost", false, "resource carries cost data")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (f checkFlags) build() (rbac.Principal, rbac.Action, rbac.Resource, error) {
	role, err := rbac.ParseRole(f.role)
	if err != nil {
		return rbac.Principal{}, "", rbac.Resource{}, err
	}
	seniority, err := rbac.ParseSeniority(f.seniority)
	if err != nil {
		return rbac.Principal{}, "", rbac.Resource{}, err
	}
	action, err := rbac.ParseAction(f.action)
	if err != nil {
		return rbac.Principal{}, "", rbac.Resource{}, err
	}
	rt, err := rbac.ParseResourceType(f.resource)
	if err != nil {
		return rbac.Principal{}, "", rbac.Resource{}, err
	}

	principal := rbac.Principal{ID: uuid.New(), Role: role, Seniority: seniority, IsActive: true}
	res := rbac.Resource{Type: rt, ID: uuid.New(), ProjectID: uuid.New(), CostBearing: f.cost}
	if rt == rbac.ResourceProject {
		res.ProjectID = res.ID
	}
	if f.assigned {
		principal.Projects = map[uuid.UUID]struct{}{res.ProjectID: {}}
	}
	if f.owner {
		res.OwnerID = principal.ID
	}
	return principal, action, res, nil
}
