package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/health"
)

var (
	flagServeAddr      string
	flagServeStaticDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the health endpoints and a static file tree",
	Long: `Serve /healthz, /readyz and /metrics, plus the files under --static-dir at
/files/ (directory listings are not served). Runs until interrupted.`,
	Args: exactArgs(0),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "Listen address (default: daemon.health_addr)")
	serveCmd.Flags().StringVar(&flagServeStaticDir, "static-dir", "", "Directory served under /files/ (default: daemon.static_dir)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := health.Options{
		Addr:      a.cfg.Daemon.HealthAddr,
		Version:   rootCmd.Version,
		StaticDir: a.cfg.Daemon.StaticDir,
	}
	if flagServeAddr != "" {
		opts.Addr = flagServeAddr
	}
	if flagServeStaticDir != "" {
		opts.StaticDir = flagServeStaticDir
	}
	return health.NewServer(opts, slog.Default()).Run(cmd.Context())
}
