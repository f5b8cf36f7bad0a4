package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/bayleafwalker/bindery-core/internal/config"
	"github.com/bayleafwalker/bindery-core/internal/library"
	"github.com/bayleafwalker/bindery-core/internal/metacache"
)

// rootOptions is shared by every subcommand.
type rootOptions struct {
	configFiles []string
	libraryPath []string
	zap         zap.Options

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "bindery",
		Short: "Resolve component assemblies against artifact libraries",
		Long: `bindery parses component assemblies, scans artifact libraries and picks
one implementation for every instance of an assembly.

Configuration is read from the --config files in order, then from BINDERY_*
environment variables, then from flags.`,
		SilenceUsage:      true,
		PersistentPreRunE: o.setup,
	}

	fs := flag.NewFlagSet("zap", flag.ContinueOnError)
	o.zap.BindFlags(fs)
	cmd.PersistentFlags().AddGoFlagSet(fs)
	cmd.PersistentFlags().StringArrayVarP(&o.configFiles, "config", "c", nil, "Configuration file (repeatable, later files override earlier ones)")
	cmd.PersistentFlags().StringSliceVarP(&o.libraryPath, "library-path", "L", nil, "Library locations (overrides config and BINDERY_LIBRARY_PATH)")

	cmd.AddCommand(
		newParseCmd(o),
		newArtifactsCmd(o),
		newResolveCmd(o),
		newCollocateCmd(o),
	)
	return cmd
}

func (o *rootOptions) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFromFiles(o.configFiles...)
	if err != nil {
		return err
	}
	if len(o.libraryPath) > 0 {
		cfg.Library.Path = o.libraryPath
	}
	o.cfg = cfg

	if !cmd.Flags().Changed("zap-devel") {
		o.zap.Development = cfg.Logging.Development
	}
	if !cmd.Flags().Changed("zap-log-level") {
		switch cfg.Logging.Level {
		case "debug":
			o.zap.Level = zapcore.DebugLevel
		case "error":
			o.zap.Level = zapcore.ErrorLevel
		default:
			o.zap.Level = zapcore.InfoLevel
		}
	}
	log.SetLogger(zap.New(zap.UseFlagOptions(&o.zap), zap.WriteTo(cmd.ErrOrStderr())))
	cmd.SetContext(log.IntoContext(cmd.Context(), log.Log.WithName("bindery")))
	return nil
}

// openLibraries builds the metadata cache and library manager described by
// the configuration and scans every location. The returned func releases
// both.
func (o *rootOptions) openLibraries(ctx context.Context) (*library.Manager, func(), error) {
	store, err := metacache.Open(ctx, o.cfg.Cache.Driver, o.cfg.Cache.DSN)
	if err != nil {
		return nil, nil, err
	}
	cache, err := metacache.New(o.cfg.Cache.Size, store)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, nil, err
	}
	m, err := library.NewManager(library.Options{
		Path:    o.cfg.Library.Path,
		Cache:   cache,
		Sources: o.cfg.SourceOptions(),
	})
	if err != nil {
		_ = cache.Close()
		return nil, nil, err
	}
	closeAll := func() {
		logger := log.FromContext(ctx)
		if err := m.Teardown(); err != nil {
			logger.Error(err, "library teardown")
		}
		if err := cache.Close(); err != nil {
			logger.Error(err, "closing metadata cache")
		}
	}
	if err := m.Init(ctx); err != nil {
		if m.Catalog().Len() == 0 {
			closeAll()
			return nil, nil, fmt.Errorf("scan libraries: %w", err)
		}
		log.FromContext(ctx).Error(err, "some library locations could not be scanned")
	}
	return m, closeAll, nil
}
