package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/tgmirror/internal/app"
	"github.com/matheus3301/tgmirror/internal/config"
	"github.com/matheus3301/tgmirror/internal/profile"
)

const defaultDBName = "telegram-export.db"

type flags struct {
	profile    string
	configPath string
	output     string
	db         string
	tgbin      string
	force      bool
	batch      bool
	continuous bool
	verbose    bool
}

func parseFlags(args []string) (*flags, error) {
	var f flags
	fs := flag.NewFlagSet("tgmirror", flag.ContinueOnError)
	fs.StringVar(&f.profile, "profile", "", "profile name (overrides config default)")
	fs.StringVar(&f.configPath, "config", "", "config file (default: profile config, then global)")
	fs.StringVar(&f.output, "output", "", "output directory for the database")
	fs.StringVar(&f.output, "o", "", "shorthand for -output")
	fs.StringVar(&f.db, "db", "", "database path (relative to -output when set)")
	fs.StringVar(&f.tgbin, "tgbin", "", "telegram-cli binary path")
	fs.BoolVar(&f.force, "force", false, "rescan every dialog, ignoring caught-up markers")
	fs.BoolVar(&f.batch, "batch", false, "skip the hole-filling pass")
	fs.BoolVar(&f.continuous, "continuous", false, "keep recording live messages after the sync")
	fs.BoolVar(&f.verbose, "verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return &f, nil
}

// apply layers command-line overrides onto cfg.
func (f *flags) apply(cfg *config.Config) {
	if f.tgbin != "" {
		cfg.Client.Binary = f.tgbin
	}
	if f.force {
		cfg.Sync.Force = true
	}
	if f.batch {
		cfg.Sync.BatchOnly = true
	}
	if f.continuous {
		cfg.Sync.Continuous = true
	}
}

// dbPath resolves -output and -db. Empty means the profile default.
func (f *flags) dbPath() string {
	switch {
	case f.db != "" && (filepath.IsAbs(f.db) || f.output == ""):
		return f.db
	case f.output != "" && f.db != "":
		return filepath.Join(f.output, f.db)
	case f.output != "":
		return filepath.Join(f.output, defaultDBName)
	}
	return ""
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	profileName := profile.Resolve(f.profile)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := profile.LoadConfig(profileName, f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fxApp := fx.New(
		app.Module(app.Params{
			ProfileName: profileName,
			Config:      cfg,
			DBPath:      f.dbPath(),
			Verbose:     f.verbose,
		}),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: logger.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
	)

	fxApp.Run()
}
