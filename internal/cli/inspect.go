package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"timerd/internal/app"
	"timerd/internal/factory"
	"timerd/internal/report"
	"timerd/internal/timer"
)

func newValidateCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and build every timer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, timers, err := app.LoadTimers(cfgPath())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d timers\n", len(timers))
			return nil
		},
	}
}

func newDescribeCmd(cfgPath func() string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "describe [id...]",
		Short: "Print the diagnostic description of configured timers",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := report.ParseFormat(output)
			if err != nil {
				return err
			}
			timers, err := selectTimers(cfgPath(), args)
			if err != nil {
				return err
			}
			return report.EncodeTimers(cmd.OutOrStdout(), f, timers)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json|yaml)")
	return cmd
}

// Forecast is one line of `timerd forecast`.
type Forecast struct {
	ID    string     `json:"id"`
	Name  string     `json:"name,omitempty"`
	Next  *time.Time `json:"next,omitempty"`
	Found bool       `json:"found"`
}

func newForecastCmd(cfgPath func() string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "forecast [id...]",
		Short: "Estimate the next dispatch time of configured timers",
		Long: "Simulates each matcher minute by minute for up to one month from now.\n" +
			"Matchers that depend on context values may forecast differently at run time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			timers, err := selectTimers(cfgPath(), args)
			if err != nil {
				return err
			}
			out, err := forecast(cmd.Context(), timers)
			if err != nil {
				return err
			}
			if output == "" || output == "text" {
				w := cmd.OutOrStdout()
				for _, f := range out {
					next := "none within horizon"
					if f.Found {
						next = f.Next.Format(time.RFC3339)
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\n", f.ID, next)
				}
				return nil
			}
			format, err := report.ParseFormat(output)
			if err != nil {
				return err
			}
			return report.Encode(cmd.OutOrStdout(), format, out)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|json|yaml)")
	return cmd
}

func forecast(ctx context.Context, timers []*timer.Timer) ([]Forecast, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make([]Forecast, 0, len(timers))
	for _, t := range timers {
		next, ok, err := t.ForecastNextDateContext(ctx)
		if err != nil {
			return nil, err
		}
		f := Forecast{ID: t.ID(), Name: t.Name(), Found: ok}
		if ok {
			f.Next = &next
		}
		out = append(out, f)
	}
	return out, nil
}

// selectTimers builds the configured timers, keeping only ids when given.
func selectTimers(path string, ids []string) ([]*timer.Timer, error) {
	_, timers, err := app.LoadTimers(path)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return timers, nil
	}
	byID := make(map[string]*timer.Timer, len(timers))
	for _, t := range timers {
		byID[t.ID()] = t
	}
	out := make([]*timer.Timer, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("timer %q not found", id)
		}
		out = append(out, t)
	}
	return out, nil
}

func newModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the registered matcher, task and context modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, t, c := factory.Builtin().Modules()
			return report.Encode(cmd.OutOrStdout(), report.YAML, map[string][]string{
				"matchers": m,
				"tasks":    t,
				"contexts": c,
			})
		},
	}
}
