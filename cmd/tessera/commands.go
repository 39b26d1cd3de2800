package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jobrunner/tessera/internal/app"
	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
)

var indexCmd = &cobra.Command{
	Use:   "index [dir]",
	Short: "Index a directory tree into the catalog",
	Long: `Walks the directory, by default the mosaic root, and commits every
accepted granule in one run. Interrupting the run rolls it back.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

var harvestCmd = &cobra.Command{
	Use:   "harvest <path>",
	Short: "Add or refresh single files in an existing catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runHarvest,
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Resolve the granules of a mosaic read",
	RunE:  runRead,
}

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "List the values of a coverage dimension",
	RunE:  runDomain,
}

func init() {
	indexCmd.Flags().Bool("recursive", true, "descend into subdirectories")
	indexCmd.Flags().String("filter", "", "file filter expression")
	indexCmd.Flags().String("coverage", "", "target coverage for single-coverage files")

	harvestCmd.Flags().String("coverage", "", "target coverage")

	readCmd.Flags().String("coverage", "", "coverage name, empty for the sole coverage")
	readCmd.Flags().Float64Slice("bbox", nil, "minx,miny,maxx,maxy in the coverage CRS")
	readCmd.Flags().Int("width", 0, "output width in pixels")
	readCmd.Flags().Int("height", 0, "output height in pixels")
	readCmd.Flags().String("time", "", "time instant or start/end range")
	readCmd.Flags().StringToString("dim", nil, "dimension constraints, name=value or name=lo/hi")
	readCmd.Flags().String("filter", "", "granule attribute filter")
	readCmd.Flags().String("out", "", "write the assembled mosaic as PNG to this file")

	domainCmd.Flags().String("coverage", "", "coverage name, empty for the sole coverage")
	domainCmd.Flags().String("dimension", "", "dimension name")
	domainCmd.Flags().String("filter", "", "granule attribute filter")
	domainCmd.Flags().Int("offset", 0, "values to skip")
	domainCmd.Flags().Int("limit", -1, "maximum values, -1 for all")
	_ = domainCmd.MarkFlagRequired("dimension")
}

// openApp opens the catalog and services without any server.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, logger)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	req := domain.IndexRequest{Root: a.Config.Mosaic.Root}
	if len(args) == 1 {
		req.Root = args[0]
	}
	req.Recursive, _ = cmd.Flags().GetBool("recursive")
	req.Filter, _ = cmd.Flags().GetString("filter")
	req.Coverage, _ = cmd.Flags().GetString("coverage")

	report, err := a.Indexer.Run(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func runHarvest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	coverage, _ := cmd.Flags().GetString("coverage")
	outcomes, err := a.Harvester.Harvest(ctx, args[0], coverage)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), outcomes)
}

func runRead(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	req, out, err := readRequest(ctx, cmd, a)
	if err != nil {
		return err
	}

	result, err := a.Reader.Read(ctx, req)
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "no granules intersect the request")
		return nil
	}

	if out != "" && result.Image != nil {
		if err := writePNG(out, result); err != nil {
			return err
		}
	}
	for _, loc := range result.Locations() {
		fmt.Fprintln(cmd.OutOrStdout(), loc)
	}
	return nil
}

// readRequest builds a read request from the command flags. The bbox is
// taken in the CRS of the target coverage.
func readRequest(ctx context.Context, cmd *cobra.Command, a *app.App) (domain.ReadRequest, string, error) {
	flags := cmd.Flags()
	coverage, _ := flags.GetString("coverage")
	bbox, _ := flags.GetFloat64Slice("bbox")
	dims, _ := flags.GetStringToString("dim")
	if t, _ := flags.GetString("time"); t != "" {
		if dims == nil {
			dims = make(map[string]string, 1)
		}
		dims["time"] = t
	}
	out, _ := flags.GetString("out")

	req := domain.ReadRequest{Coverage: coverage, Assemble: out != ""}
	req.Width, _ = flags.GetInt("width")
	req.Height, _ = flags.GetInt("height")
	req.Filter, _ = flags.GetString("filter")

	if len(bbox) > 0 {
		if len(bbox) != 4 {
			return req, "", fmt.Errorf("%w: bbox needs minx,miny,maxx,maxy", domain.ErrInvalidInput)
		}
		cfg, err := a.Reader.Configuration(ctx, coverage)
		if err != nil {
			return req, "", err
		}
		req.Envelope = domain.NewEnvelope(bbox[0], bbox[1], bbox[2], bbox[3], cfg.CRS)
	}

	for name, v := range dims {
		if req.Dimensions == nil {
			req.Dimensions = make(map[string]domain.DimensionConstraint, len(dims))
		}
		if lo, hi, ok := strings.Cut(v, "/"); ok {
			req.Dimensions[name] = domain.RangeConstraint(lo, hi)
		} else {
			req.Dimensions[name] = domain.PointConstraint(v)
		}
	}
	return req, out, nil
}

func writePNG(path string, result *domain.MosaicResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	if err := png.Encode(f, result.Image); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding mosaic: %w", err)
	}
	return f.Close()
}

func runDomain(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	flags := cmd.Flags()
	coverage, _ := flags.GetString("coverage")
	dimension, _ := flags.GetString("dimension")
	text, _ := flags.GetString("filter")
	offset, _ := flags.GetInt("offset")
	limit, _ := flags.GetInt("limit")

	var f filter.Expr
	if text != "" {
		if f, err = filter.Parse(text); err != nil {
			return err
		}
	}

	values, err := a.Reader.DomainValues(ctx, coverage, dimension, f, offset, limit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), values)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
