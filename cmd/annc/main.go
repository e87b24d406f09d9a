package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"annc/common"
	"annc/inject"
	"annc/misc"
	"annc/state"
)

// Commands return regular errors instead of cli.Exit(), they are logged
// here and exit code is set in main.
var errWasHandled bool

// called before app context is destroyed, so log is still available
func exitErrHandler(ctx context.Context, _ *cli.Command, err error) {
	env := state.EnvFromContext(ctx)

	if env.Log != nil {
		env.Log.Error("Program ended with error", zap.Error(err))
		errWasHandled = true
	}
}

func usageErrorHandler(_ context.Context, _ *cli.Command, err error, _ bool) error {
	// do nothing special, error is reported either by exitErrHandler or on
	// exit directly to stderr.
	return err
}

func subcommandNotFoundHandler(ctx context.Context, _ *cli.Command, name string) {
	if log := state.EnvFromContext(ctx).Log; log != nil {
		log.Warn("Unknown command, nothing to do", zap.String("command", name))
		return
	}
	fmt.Fprintf(os.Stderr, "Unknown command %q, nothing to do\n", name)
}

func main() {
	// interrupt cancels outstanding fragment fetches and pending pages
	ctx, stop := signal.NotifyContext(state.ContextWithEnv(context.Background()), os.Interrupt, syscall.SIGTERM)

	app := &cli.Command{
		Name:            misc.GetAppName(),
		Usage:           "inserts announcement fragment into static html pages",
		Version:         misc.GetVersion() + " (" + runtime.Version() + ") : " + misc.GetGitHash(),
		HideHelpCommand: true,
		Before:          initializeAppContext,
		After:           destroyAppContext,
		OnUsageError:    usageErrorHandler,
		ExitErrHandler:  exitErrHandler,
		CommandNotFound: subcommandNotFoundHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, DefaultText: "", Usage: "load configuration from `FILE` (YAML)"},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "changes program behavior to help troubleshooting, produces report archive"},
		},
		Commands: []*cli.Command{
			{
				Name:         "inject",
				Usage:        "Inserts announcement fragment into page(s) after anchor element",
				OnUsageError: usageErrorHandler,
				Action:       inject.Run,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "fragment", Aliases: []string{"f"},
						Usage: "`LOCATION` announcement is read from: directory, zip archive or http(s) URL (overrides configuration)"},
					&cli.StringFlag{Name: "anchor", Aliases: []string{"a"}, Usage: "`ID` of the element announcement is inserted after (overrides configuration)"},
					&cli.StringFlag{Name: "container", Usage: "`NAME` of the element wrapping announcement (overrides configuration)"},
					&cli.StringFlag{Name: "mode", Value: common.DocumentModeAuto.String(),
						Usage: "how to parse pages `MODE` (supported modes: " + strings.Join(common.DocumentModeNames(), ", ") + ")"},
					&cli.BoolFlag{Name: "nodirs", Aliases: []string{"nd"}, Usage: "when producing output do not keep input directory structure"},
					&cli.BoolFlag{Name: "overwrite", Aliases: []string{"ow"}, Usage: "continue even if destination exists, overwrite files"},
					&cli.StringFlag{Name: "force-zip-cp",
						Usage: "Force `ENCODING` for ALL non UTF-8 file names in processed archives (see IANA.org for character set names)"},
				},
				ArgsUsage: "SOURCE [DESTINATION]",
				CustomHelpTemplate: fmt.Sprintf(`%s
SOURCE:
    path to page(s) to process, following formats are supported:
        path to a file: "[path_to_file]file.html"
        path to a directory: "[path_to_directory]directory" - recursively process all files under directory (symbolic links are not followed)
        path to archive with path inside archive to a particular page: "[path_to_archive]archive.zip[path_in_archive]/file.html"
        path to archive with path inside archive: "[path_to_archive]archive.zip[path_in_archive]" - recursively process all pages under archive path

	Pages are files with .html, .htm or .xhtml extension which look like
	html. Processing of archives inside archives is not supported.

	Announcement which cannot be loaded is reported in the log, pages are
	written out unchanged in this case.

DESTINATION:
    always a path, output file name(s) will be derived from source and configuration
    if absent - current working directory

OUTPUT NAME TEMPLATE:
    document.output_name_template (text/template with sprig functions) may use
    .SourceFile, .SourceDir, .Ext, .Mode, .Inserted and .LoadID, "/" creates
    subdirectories, source extension is always kept.
`, cli.CommandHelpTemplate),
			},
			{
				Name:  "dumpconfig",
				Usage: "Dumps either default or actual configuration (YAML)",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "default", Usage: "output default embedded configuration"},
				},
				OnUsageError: usageErrorHandler,
				Action:       outputConfiguration,
				ArgsUsage:    "DESTINATION",
				CustomHelpTemplate: fmt.Sprintf(`%s

DESTINATION:
    file name to write configuration to, if absent - STDOUT

Produces file with actual "active" configuration values which is composition of
default values and values specified in configuration file. To see default
configuration embedded into the program use --default flag.
`, cli.CommandHelpTemplate),
			},
		},
	}

	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		// log is not available during argument parsing and is closed by
		// the time After returns
		if !errWasHandled {
			fmt.Fprintf(os.Stderr, "Program ended with error: %v\n", err)
		}
		os.Exit(1)
	}
}
