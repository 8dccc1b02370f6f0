package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/scheduler"
)

// opener connects to a store and returns the service with a close function.
type opener func(ctx context.Context) (*scheduler.Service, func() error, error)

type cli struct {
	open   opener
	format string
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:   "cronctl",
		Short: "Manage recurring jobs",
		Long: `cronctl registers, inspects and deletes recurring jobs in the store configured
through the environment (STORE_BACKEND, SQLITE_PATH, POSTGRES_DSN, REDIS_ADDR, ...).

Examples:
  cronctl register interval --every 30s --target demo.log --name heartbeat
  cronctl register cron --cronspec "0 3 * * *" --target demo.log --args '{"message":"nightly"}'
  cronctl list -o yaml
  cronctl get --name heartbeat
  cronctl delete --name heartbeat`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.format, "output", "o", "table", "Output format: table, json, yaml")
	root.AddCommand(c.registerCmd(), c.listCmd(), c.getCmd(), c.deleteCmd())
	return root
}

// withService opens the store for the duration of fn.
func (c *cli) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *scheduler.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()
	return fn(ctx, svc)
}

func (c *cli) registerCmd() *cobra.Command {
	var name, target, rawArgs string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a recurring job",
	}
	cmd.PersistentFlags().StringVar(&name, "name", "", "Unique job name (optional)")
	cmd.PersistentFlags().StringVar(&target, "target", "", "Function to dispatch on every occurrence")
	cmd.PersistentFlags().StringVar(&rawArgs, "args", "", "JSON object passed to the target")

	var every time.Duration
	interval := &cobra.Command{
		Use:   "interval",
		Short: "Register a job firing every fixed period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}
			return c.withService(cmd, func(ctx context.Context, svc *scheduler.Service) error {
				id, err := svc.RegisterInterval(ctx, name, every, target, args)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	interval.Flags().DurationVar(&every, "every", 0, "Period between occurrences (at least 1s)")
	_ = interval.MarkFlagRequired("every")

	var expr string
	cron := &cobra.Command{
		Use:   "cron",
		Short: "Register a job firing on a five-field cron expression (UTC)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}
			return c.withService(cmd, func(ctx context.Context, svc *scheduler.Service) error {
				id, err := svc.RegisterCron(ctx, name, expr, target, args)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	cron.Flags().StringVar(&expr, "cronspec", "", "Cron expression: minute hour day-of-month month day-of-week")
	_ = cron.MarkFlagRequired("cronspec")

	cmd.AddCommand(interval, cron)
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *scheduler.Service) error {
				jobs, err := svc.List(ctx)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), jobs)
			})
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show one job by id or --name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idOrName(args, name)
			if err != nil {
				return err
			}
			return c.withService(cmd, func(ctx context.Context, svc *scheduler.Service) error {
				var (
					job   models.Job
					found bool
				)
				if id != "" {
					job, found, err = svc.Get(ctx, id)
				} else {
					job, found, err = svc.GetByName(ctx, name)
				}
				if err != nil {
					return err
				}
				if !found {
					return errors.Wrapf(scheduler.ErrNotFound, "job %s%s", id, name)
				}
				return c.print(cmd.OutOrStdout(), []models.Job{job})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Look the job up by name")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a job by id or --name and cancel its pending calls",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idOrName(args, name)
			if err != nil {
				return err
			}
			return c.withService(cmd, func(ctx context.Context, svc *scheduler.Service) error {
				if id != "" {
					return svc.Delete(ctx, id)
				}
				return svc.DeleteByName(ctx, name)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Delete the job with this name")
	return cmd
}

func idOrName(args []string, name string) (string, error) {
	switch {
	case len(args) == 1 && name != "":
		return "", errors.New("pass either an id or --name, not both")
	case len(args) == 1:
		return args[0], nil
	case name == "":
		return "", errors.New("an id or --name is required")
	default:
		return "", nil
	}
}

func parseArgs(raw string) (models.Args, error) {
	if raw == "" {
		return nil, nil
	}
	var args models.Args
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "parse --args"), `pass a JSON object, e.g. '{"message":"hi"}'`)
	}
	return args, nil
}

func (c *cli) print(w io.Writer, jobs []models.Job) error {
	switch c.format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(jobs)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSCHEDULE\tTARGET\tWAKEUP")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, dash(j.Name), describe(j.Schedule), j.Target, dash(string(j.WakeupHandle)))
		}
		return tw.Flush()
	default:
		return errors.Newf("unknown output format %q", c.format)
	}
}

func describe(s models.Schedule) string {
	if s.Kind == models.ScheduleCron {
		return "cron " + s.Cronspec
	}
	return "every " + s.Period().String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
