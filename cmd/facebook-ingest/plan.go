package main

import (
	"github.com/spf13/cobra"

	"github.com/lochness-labs/facebook-ingestion/pkg/clients"
	"github.com/lochness-labs/facebook-ingestion/pkg/logger"
	"github.com/lochness-labs/facebook-ingestion/pkg/secrets"
)

func newPlanRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan-runs",
		Short: "Print the JSON list of runs a scheduler should launch",
		Long: `Print the JSON list of runs a scheduler should launch.

With --secret-name a single run sharing the app credentials is planned. With
--secrets-url one run per published long-lived user token is planned, each
restricted to the token's ad account. The "args" of each entry are the flags
of the matching run command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return err
			}
			opts := secrets.PlanOptions{
				LatestEpoch:  v.GetString("latest-epoch"),
				DataBucket:   v.GetString("data-bucket"),
				CodeBucket:   v.GetString("code-bucket"),
				ResourceName: v.GetString("resource-name"),
				ConfigKey:    v.GetString("config-key"),
				SecretName:   nullable(v.GetString("secret-name")),
				SecretsURL:   v.GetString("secrets-url"),
			}

			client := clients.NewHTTPClient(nil, logger.Get())
			runs, err := secrets.PlanRuns(cmd.Context(), client, opts)
			if err != nil {
				return err
			}
			planned := make([]plannedRun, 0, len(runs))
			for _, r := range runs {
				planned = append(planned, plannedRun{RunSpec: r, Args: runArgs(r)})
			}
			return printJSON(cmd, planned)
		},
	}

	f := cmd.Flags()
	f.String("latest-epoch", "", "Watermark override passed to every run")
	f.String("data-bucket", "", "Data bucket passed to every run")
	f.String("code-bucket", "", "Code bucket holding the configuration")
	f.String("resource-name", "", "Resource name passed to every run")
	f.String("config-key", "", "Configuration object key passed to every run")
	f.String("secret-name", "", "Secrets Manager secret shared by a single run")
	f.String("secrets-url", "", "Endpoint listing per-user long-lived tokens")
	return cmd
}

// plannedRun is one plan-runs entry with its run command flags
type plannedRun struct {
	secrets.RunSpec
	Args []string `json:"args"`
}

// runArgs renders a planned run as flags of the run command
func runArgs(r secrets.RunSpec) []string {
	var args []string
	add := func(flag, value string) {
		if value != "" {
			args = append(args, "--"+flag+"="+value)
		}
	}
	add("latest-epoch", r.LatestEpoch)
	add("data-bucket", r.DataBucket)
	add("code-bucket", r.CodeBucket)
	add("config-key", r.ConfigKey)
	add("resource-name", r.ResourceName)
	add("secret-name", r.SecretName)
	add("account-id", r.AccountID)
	add("long-live-user-token", r.LongLivedUserToken)
	return args
}
