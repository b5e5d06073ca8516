package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

// passwordEnv supplies the portal password when --password is omitted.
const passwordEnv = "HARVESTER_PASSWORD"

type runOptions struct {
	cnpj     string
	password string
	start    string
	end      string
	headless bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:         "run",
		Short:       "Runs one execution and prints its report",
		Annotations: map[string]string{annotationNeedsApp: "true"},
		Long: `Harvests a single CNPJ over a date range without starting the API.
The job's final snapshot is printed as JSON. The command exits non-zero
unless the execution completed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := opts.parameters()
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			job, err := appInstance.RunOnce(ctx, params)
			if err != nil {
				return fmt.Errorf("run execution: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(job); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			if job.Status != harvest.JobStatusCompleted {
				return fmt.Errorf("execution %d ended %s: %s", job.ID, job.Status, job.Error)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.cnpj, "cnpj", "", "taxpayer CNPJ, punctuated or digits only")
	flags.StringVar(&opts.password, "password", "", "portal password (default $"+passwordEnv+")")
	flags.StringVar(&opts.start, "start", "", "first day to harvest, yyyy-mm-dd")
	flags.StringVar(&opts.end, "end", "", "last day to harvest, yyyy-mm-dd")
	flags.BoolVar(&opts.headless, "headless", true, "run Chrome without a window")
	_ = cmd.MarkFlagRequired("cnpj")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func (o *runOptions) parameters() (harvest.JobParameters, error) {
	if !harvest.ValidCNPJ(o.cnpj) {
		return harvest.JobParameters{}, fmt.Errorf("invalid cnpj %q", o.cnpj)
	}
	password := o.password
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	if password == "" {
		return harvest.JobParameters{}, errors.New("password is required (--password or $" + passwordEnv + ")")
	}
	start, err := time.Parse(harvest.DateLayout, o.start)
	if err != nil {
		return harvest.JobParameters{}, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.Parse(harvest.DateLayout, o.end)
	if err != nil {
		return harvest.JobParameters{}, fmt.Errorf("invalid --end: %w", err)
	}
	if end.Before(start) {
		return harvest.JobParameters{}, errors.New("--end must not be before --start")
	}
	return harvest.JobParameters{
		CNPJ:      harvest.NormalizeCNPJ(o.cnpj),
		Password:  password,
		StartDate: start,
		EndDate:   end,
		Headless:  o.headless,
	}, nil
}
