package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Required CSV columns. brand and category are optional.
var requiredColumns = []string{
	"item_id", "item_name", "cost_price", "current_price", "competitor_prices",
	"target_margin_percent", "stock_level", "hourly_sales", "price_elasticity",
}

// yamlCatalog is the YAML file layout: a top-level products list.
type yamlCatalog struct {
	Products []pricing.Product `yaml:"products"`
}

// LoadFile reads a catalog file, choosing the format by extension.
func LoadFile(path string, logger *zap.Logger) ([]pricing.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(f, logger)
	case ".yaml", ".yml":
		return LoadYAML(f)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", filepath.Ext(path))
	}
}

// LoadYAML decodes a YAML catalog.
func LoadYAML(r io.Reader) ([]pricing.Product, error) {
	var doc yamlCatalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML catalog: %w", err)
	}
	return doc.Products, nil
}

// LoadCSV decodes a CSV catalog with a header row. List columns hold
// bracketed values such as "[19.99, 21.5]". Rows that fail to parse are
// logged and skipped.
func LoadCSV(r io.Reader, logger *zap.Logger) ([]pricing.Product, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("CSV catalog is missing column %q", c)
		}
	}

	var products []pricing.Product
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Warn("skipping unreadable catalog row", zap.Int("line", line), zap.Error(err))
			continue
		}
		p, err := parseRow(rec, cols)
		if err != nil {
			logger.Warn("skipping invalid catalog row", zap.Int("line", line), zap.Error(err))
			continue
		}
		products = append(products, p)
	}
	logger.Info("catalog loaded", zap.Int("products", len(products)))
	return products, nil
}

func parseRow(rec []string, cols map[string]int) (pricing.Product, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var errs []error
	num := func(name string) float64 {
		v, err := strconv.ParseFloat(field(name), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return v
	}

	p := pricing.Product{
		ID:                  field("item_id"),
		Name:                field("item_name"),
		Brand:               field("brand"),
		Category:            field("category"),
		Cost:                num("cost_price"),
		CurrentPrice:        num("current_price"),
		TargetMarginPercent: num("target_margin_percent"),
		Elasticity:          num("price_elasticity"),
	}
	stock, err := strconv.Atoi(field("stock_level"))
	if err != nil {
		errs = append(errs, fmt.Errorf("stock_level: %w", err))
	}
	p.StockLevel = stock

	if p.CompetitorPrices, err = parseFloats(field("competitor_prices")); err != nil {
		errs = append(errs, fmt.Errorf("competitor_prices: %w", err))
	}
	sales, err := parseFloats(field("hourly_sales"))
	if err != nil {
		errs = append(errs, fmt.Errorf("hourly_sales: %w", err))
	}
	for _, s := range sales {
		p.HourlySales = append(p.HourlySales, int(s))
	}

	if len(errs) > 0 {
		return pricing.Product{}, errors.Join(errs...)
	}
	return p, p.Validate()
}

// parseFloats reads "[1.5, 2, 3]". An empty field or "[]" is an empty list.
func parseFloats(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
