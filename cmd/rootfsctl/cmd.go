package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/compute/rootfs/pkg/artifact"
	"github.com/vyvo/compute/rootfs/pkg/buildspec"
	"github.com/vyvo/compute/rootfs/pkg/catalog"
	"github.com/vyvo/compute/rootfs/pkg/config"
	"github.com/vyvo/compute/rootfs/pkg/logger"
	"github.com/vyvo/compute/rootfs/pkg/pipeline"
	"github.com/vyvo/compute/rootfs/pkg/telemetry"
)

var (
	configDir string
	verbose   bool
	trace     bool
)

// openPipeline is replaced in tests.
var openPipeline = func(cfg config.BuilderConfig, log *zap.Logger) (*pipeline.Pipeline, io.Closer, error) {
	return pipeline.FromConfig(cfg, log)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rootfsctl",
		Short:         "Build and inspect Firecracker runtime rootfs images",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "./configs", "directory holding config.yaml")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	root.PersistentFlags().BoolVar(&trace, "trace", false, "write build spans to stderr")

	root.AddCommand(newBuildCmd(), newCatalogCmd(), newInspectCmd())
	return root
}

type session struct {
	cfg      config.BuilderConfig
	log      *zap.Logger
	pipeline *pipeline.Pipeline
	close    func()
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.LoadBuilderFrom(configDir)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	var traceOut io.Writer
	if trace || cfg.Trace {
		traceOut = os.Stderr
	}
	shutdown := telemetry.InitTracer(cmd.Context(), "rootfsctl", traceOut, log)

	p, closer, err := openPipeline(cfg, log)
	if err != nil {
		_ = shutdown(cmd.Context())
		return nil, err
	}
	return &session{
		cfg:      cfg,
		log:      log,
		pipeline: p,
		close: func() {
			_ = closer.Close()
			_ = shutdown(cmd.Context())
			_ = log.Sync()
		},
	}, nil
}

func newBuildCmd() *cobra.Command {
	var base, output string
	cmd := &cobra.Command{
		Use:   "build <spec-path>",
		Short: "Build one rootfs image from a directive file",
		Long: `The build command executes the steps of a directive file against the base
image, verifies the result and publishes it to the artifact store. A failing
step is reported with its index, kind, command and exit code.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			spec, err := buildspec.ParseFile(args[0])
			if err != nil {
				return err
			}
			art, err := s.pipeline.Build(cmd.Context(), spec, pipeline.Options{
				Name:         output,
				BaseOverride: base,
				Observer:     printer(cmd.ErrOrStderr(), spec.Name),
			})
			if err != nil {
				return describeFailure(err)
			}
			printArtifact(cmd.OutOrStdout(), art)
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "base image reference, overriding FROM")
	cmd.Flags().StringVarP(&output, "output", "o", "", "name to publish the artifact under")
	return cmd
}

func newCatalogCmd() *cobra.Command {
	var (
		parallel int
		only     []string
	)
	cmd := &cobra.Command{
		Use:   "catalog <catalog.yaml>",
		Short: "Build every image listed in a catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load(args[0])
			if err != nil {
				return err
			}
			entries := cat.Entries
			if len(only) > 0 {
				entries = nil
				for _, name := range only {
					e, ok := cat.Lookup(name)
					if !ok {
						return fmt.Errorf("catalog has no entry %s", name)
					}
					entries = append(entries, e)
				}
			}

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			if parallel <= 0 {
				parallel = s.cfg.Workers
			}

			var (
				mu       sync.Mutex
				failures []string
			)
			out := &lockedWriter{w: cmd.ErrOrStderr()}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(parallel)
			for _, e := range entries {
				e := e
				g.Go(func() error {
					spec, err := buildspec.ParseFile(cat.SpecPath(e))
					if err != nil {
						mu.Lock()
						failures = append(failures, fmt.Sprintf("%s: %v", e.Name, err))
						mu.Unlock()
						return nil
					}
					spec.Name = e.Name
					art, err := s.pipeline.Build(ctx, spec, pipeline.Options{
						Name:         e.Tag,
						BaseOverride: e.Base,
						Observer:     printer(out, e.Name),
					})
					if err != nil {
						mu.Lock()
						failures = append(failures, fmt.Sprintf("%s: %v", e.Name, describeFailure(err)))
						mu.Unlock()
						return nil
					}
					fmt.Fprintf(out, "%s: published %s as %s\n", e.Name, art.Digest, e.Tag)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if len(failures) > 0 {
				return fmt.Errorf("%d of %d catalog builds failed:\n  %s", len(failures), len(entries), strings.Join(failures, "\n  "))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built %d images\n", len(entries))
			return nil
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "concurrent builds (defaults to configured workers)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "build only the named entries")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <name-or-digest>",
		Short: "Print the config of a published image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			art, err := s.pipeline.Store.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(art)
		},
	}
}

func printer(w io.Writer, name string) pipeline.Observer {
	return func(ev pipeline.Event) {
		if ev.Message == "" || ev.State == pipeline.StateFailed {
			return
		}
		prefix := fmt.Sprintf("%s [%s]", name, ev.State)
		if ev.Step >= 0 {
			prefix = fmt.Sprintf("%s [%s %d]", name, ev.State, ev.Step)
		}
		for _, line := range strings.Split(strings.TrimRight(ev.Message, "\n"), "\n") {
			fmt.Fprintf(w, "%s %s\n", prefix, line)
		}
	}
}

// describeFailure adds the captured command output to step and verification
// failures.
func describeFailure(err error) error {
	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) && stepErr.Output != "" {
		return fmt.Errorf("%w\n%s", err, indent(stepErr.Output))
	}
	var verr *pipeline.VerificationError
	if errors.As(err, &verr) && verr.Output != "" {
		return fmt.Errorf("%w\n%s", err, indent(verr.Output))
	}
	return err
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return "    " + strings.Join(lines, "\n    ")
}

func printArtifact(w io.Writer, art *artifact.ImageArtifact) {
	fmt.Fprintf(w, "digest:   %s\n", art.Digest)
	if art.Name != "" {
		fmt.Fprintf(w, "name:     %s\n", art.Name)
	}
	fmt.Fprintf(w, "base:     %s (%s)\n", art.Base, art.BaseDigest)
	fmt.Fprintf(w, "size:     %d\n", art.Size)
	fmt.Fprintf(w, "layers:   %d\n", len(art.Layers))
	if len(art.Packages) > 0 {
		fmt.Fprintf(w, "packages: %s\n", strings.Join(art.Packages, " "))
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
