package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"campaign-pipeline/internal/app"
	"campaign-pipeline/internal/models"
	"campaign-pipeline/internal/stage"
	"campaign-pipeline/internal/telemetry"
)

var (
	intake       models.ProductInfo
	website      string
	sources      []string
	custom       models.Customization
	includeText  bool
	serveMetrics bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved campaign and the events it accepts next",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return withApp(ctx, func(ctx context.Context, a *app.App) error {
			return printCampaign(a.Pipeline.Campaign())
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Submit product info and move to research",
	Args:  cobra.NoArgs,
	RunE: stageCommand(func(ctx context.Context, a *app.App) (models.Campaign, error) {
		return a.Pipeline.SubmitProductInfo(ctx, intake)
	}),
}

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Run market research and move to idea selection",
	Args:  cobra.NoArgs,
	RunE: stageCommand(func(ctx context.Context, a *app.App) (models.Campaign, error) {
		return a.Pipeline.SubmitResearch(ctx, models.ResearchInput{
			CompanyWebsite:    website,
			AdditionalSources: sources,
		})
	}),
}

var skipResearchCmd = &cobra.Command{
	Use:   "skip-research",
	Short: "Move to idea selection without research",
	Args:  cobra.NoArgs,
	RunE: stageCommand(func(ctx context.Context, a *app.App) (models.Campaign, error) {
		return a.Pipeline.SkipResearch(ctx)
	}),
}

var ideasCmd = &cobra.Command{
	Use:   "ideas",
	Short: "Generate candidate ad ideas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("include-text") {
			custom.IncludeText = &includeText
		}
		return stageCommand(func(ctx context.Context, a *app.App) (models.Campaign, error) {
			return a.Pipeline.GenerateIdeas(ctx, custom)
		})(cmd, args)
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <idea-id>...",
	Short: "Submit chosen ideas for image generation",
	Long: `Submit chosen ideas for image generation. The command returns once the
jobs are accepted; run "adpipe watch" to follow them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stageCommand(func(ctx context.Context, a *app.App) (models.Campaign, error) {
			return a.Pipeline.SelectIdeas(ctx, args)
		})(cmd, args)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll generation jobs until every job is completed or failed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return withTracking(ctx, func(ctx context.Context, a *app.App) error {
			if serveMetrics {
				srv := &http.Server{Addr: a.Cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.Logger.Warn("metrics server", zap.Error(err))
					}
				}()
				defer srv.Close()
			}
			c, err := a.Pipeline.WaitSettled(ctx)
			if err != nil {
				return err
			}
			return printCampaign(c)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the saved campaign and start over at intake",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return withApp(ctx, func(ctx context.Context, a *app.App) error {
			if err := a.Pipeline.Reset(ctx); err != nil {
				return err
			}
			return printCampaign(a.Pipeline.Campaign())
		})
	},
}

func init() {
	f := startCmd.Flags()
	f.StringVar(&intake.CompanyName, "company", "", "Company name (required)")
	f.StringVar(&intake.ProductName, "product", "", "Product name")
	f.StringVar(&intake.ProductType, "product-type", "", "Product type (required)")
	f.StringVar(&intake.AdvertisingFocus, "focus", models.FocusProduct, "Advertising focus: company, product or offer")
	f.StringVar(&intake.OfferDetails, "offer-details", "", "Offer details (required when --focus=offer)")
	f.StringVar(&intake.BusinessType, "business-type", "", "Business type")
	f.StringVar(&intake.BusinessLocation, "business-location", "", "Business location")
	f.StringVar(&intake.TargetLocation, "target-location", "", "Target location")
	f.StringVar(&intake.TargetDemographic, "target-demographic", "", "Target demographic")
	f.StringVar(&intake.TargetAgeGroup, "target-age", "", "Target age group")

	researchCmd.Flags().StringVar(&website, "website", "", "Company website to research")
	researchCmd.Flags().StringSliceVar(&sources, "source", nil, "Additional source URL (repeatable)")

	f = ideasCmd.Flags()
	f.BoolVar(&includeText, "include-text", false, "Ask for text overlays on the ads")
	f.StringVar(&custom.TextContent, "text", "", "Text content for overlays")
	f.StringVar(&custom.PreferredTheme, "theme", "", "Preferred theme")
	f.StringSliceVar(&custom.ColorPreferences, "color", nil, "Preferred color (repeatable)")
	f.StringSliceVar(&custom.StylePreferences, "style", nil, "Preferred style (repeatable)")
	f.StringSliceVar(&custom.AvoidElements, "avoid", nil, "Element to avoid (repeatable)")

	watchCmd.Flags().BoolVar(&serveMetrics, "metrics", false, "Serve Prometheus metrics on METRICS_ADDR while watching")
}

// stageCommand runs one stage submission under --timeout and prints the result.
func stageCommand(op func(ctx context.Context, a *app.App) (models.Campaign, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return withApp(ctx, func(ctx context.Context, a *app.App) error {
			opCtx, opCancel := context.WithTimeout(ctx, timeout)
			defer opCancel()
			c, err := op(opCtx, a)
			if err != nil {
				return err
			}
			return printCampaign(c)
		})
	}
}

type campaignOutput struct {
	Campaign models.Campaign `json:"campaign"`
	Next     []stage.Event   `json:"next_events"`
}

func printCampaign(c models.Campaign) error {
	next := stage.Allowed(c.Stage)
	if next == nil {
		next = []stage.Event{}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(campaignOutput{Campaign: c, Next: next}); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
