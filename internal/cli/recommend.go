package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kubilitics/kubilitics-pricing/internal/catalog"
	"github.com/kubilitics/kubilitics-pricing/internal/db"
	"github.com/kubilitics/kubilitics-pricing/internal/oracle"
	"github.com/kubilitics/kubilitics-pricing/internal/pipeline"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

type recommendOptions struct {
	products []string
	context  string
	user     string
	role     string
	output   string
	save     string
}

func newRecommendCmd(a *app) *cobra.Command {
	o := &recommendOptions{}
	cmd := &cobra.Command{
		Use:   "recommend QUERY",
		Short: "Run one pricing question through the pipeline locally",
		Example: `  kubilitics-pricing recommend "Should we raise the price of SKU-1004?" --product SKU-1004
  kubilitics-pricing recommend "price check on hoodies" -o json --save changes.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.recommend(cmd.Context(), strings.Join(args, " "), o)
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&o.products, "product", "p", nil, "product id to price (repeatable)")
	f.StringVar(&o.context, "context", "", "extra business context appended to the query")
	f.StringVar(&o.user, "user", os.Getenv("USER"), "requester recorded on the recommendation")
	f.StringVar(&o.role, "role", "", "requester role")
	f.StringVarP(&o.output, "output", "o", "text", "output format: text or json")
	f.StringVar(&o.save, "save", "", "append the resulting price change to this JSON file")
	return cmd
}

func (a *app) recommend(ctx context.Context, query string, o *recommendOptions) error {
	if o.output != "text" && o.output != "json" {
		return fmt.Errorf("unsupported output %q (use text or json)", o.output)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, _, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	logger := a.cliLogger()

	products, err := catalog.LoadFile(cfg.Catalog.Path, logger)
	if err != nil {
		return err
	}
	cat, err := catalog.NewMemory(products)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", cfg.Catalog.Path, err)
	}
	sug, err := oracle.New(cfg.Oracle.Provider, cfg.Oracle.APIKey, cfg.Oracle.BaseURL, cfg.Oracle.Model, cfg.Oracle.Timeout)
	if err != nil {
		return err
	}
	agent, err := pipeline.New(cfg, cat, sug, nil, pipeline.WithLogger(logger))
	if err != nil {
		return err
	}

	req := pricing.PricingRequest{
		Query:       query,
		ProductIDs:  o.products,
		Context:     o.context,
		RequestedBy: o.user,
	}
	if o.role != "" {
		role, err := pricing.ParseRole(o.role)
		if err != nil {
			return err
		}
		req.Role = role
	}

	rec, err := agent.Process(ctx, req)
	if err != nil {
		return err
	}

	if o.output == "json" {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return err
		}
	} else {
		printRecommendation(a.stdout, rec)
	}

	if o.save != "" {
		change, ok := db.ChangeFor(rec, time.Now())
		if !ok {
			fmt.Fprintln(a.stderr, "nothing to save: the recommendation carries no price")
			return nil
		}
		if err := appendChange(o.save, change); err != nil {
			return err
		}
		fmt.Fprintf(a.stderr, "saved change for %s to %s\n", change.SKU, o.save)
	}
	return nil
}

// cliLogger writes warnings and errors to stderr in console format.
func (a *app) cliLogger() *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(enc),
		zapcore.AddSync(a.stderr),
		zapcore.WarnLevel,
	))
}

func printRecommendation(w io.Writer, rec *pricing.Recommendation) {
	fmt.Fprintf(w, "Recommendation %s\n", rec.ID)
	fmt.Fprintf(w, "  Status:      %s", rec.Status)
	if rec.RejectedBy != "" {
		fmt.Fprintf(w, " (by %s)", rec.RejectedBy)
	}
	fmt.Fprintln(w)
	if p, ok := rec.PrimaryProduct(); ok {
		fmt.Fprintf(w, "  Product:     %s %s (current %s)\n", p.ID, p.Name, pricing.FormatMoney(p.CurrentPrice))
	}
	if rec.RecommendedPrice != nil {
		fmt.Fprintf(w, "  Price:       %s\n", pricing.FormatMoney(*rec.RecommendedPrice))
	}
	fmt.Fprintf(w, "  Confidence:  %.2f\n", rec.Confidence)
	fmt.Fprintf(w, "  Risk:        %s, needs %s\n", rec.RiskLevel, rec.ApprovalThreshold)
	if rec.Impact != nil {
		fmt.Fprintf(w, "  Impact:      %+.2f%% price, %s monthly revenue\n",
			rec.Impact.PriceChangePct, pricing.FormatMoney(rec.Impact.MonthlyRevenueImpact))
	}
	if rec.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", rec.Summary)
	}
	if len(rec.Violations) > 0 {
		fmt.Fprintln(w, "\nGuardrails:")
		for _, v := range rec.Violations {
			fmt.Fprintf(w, "  - [%s] %s: %s\n", v.Severity, v.Rule, v.Message)
		}
	}
	if len(rec.Reasoning) > 0 {
		fmt.Fprintf(w, "\nReasoning:\n%s\n", rec.Reasoning.Render())
	}
}

// appendChange adds change to the JSON array stored at path, creating the
// file when needed.
func appendChange(path string, change *db.ApprovedChange) error {
	var changes []*db.ApprovedChange
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, &changes); err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read %s: %w", path, err)
	}
	changes = append(changes, change)
	out, err := json.MarshalIndent(changes, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
