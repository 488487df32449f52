package cli

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ijoka-dev/ijoka/internal/cache"
	"github.com/ijoka-dev/ijoka/internal/config"
	"github.com/ijoka-dev/ijoka/internal/legacy"
	"github.com/ijoka-dev/ijoka/internal/logging"
	"github.com/ijoka-dev/ijoka/internal/store"
)

var (
	importJSON    bool
	importOffline bool
)

var importCmd = &cobra.Command{
	Use:   "import [project-dir]",
	Short: "Import a legacy feature_list.json into the store",
	Long: `Import reads <project-dir>/feature_list.json and sends its features to the
running server, which creates them under the project's lock and forwards
them to the cache and live subscribers. Features whose description already
exists in the project are skipped, so running it twice is safe.

With --offline the store is opened directly and the local cache rebuilt
afterwards. Only use it while no server is running against the same store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		project, err := resolveProject(dir)
		if err != nil {
			return err
		}

		var report *legacy.Report
		if importOffline {
			report, err = importOfflineDir(cmd, project)
		} else {
			report, err = importViaServer(cmd, project)
		}
		if err != nil {
			return err
		}

		if importJSON {
			return printJSON(cmd, report)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d features, skipped %d\n", report.Imported, report.Skipped)
		return nil
	},
}

func importViaServer(cmd *cobra.Command, project string) (*legacy.Report, error) {
	features, err := legacy.LoadFile(filepath.Join(project, legacy.FileName))
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"projectPath": project,
		"features":    features,
	}
	var report legacy.Report
	if err := newClient(serverBase()).do(cmd.Context(), http.MethodPost, "/import", nil, body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func importOfflineDir(cmd *cobra.Command, project string) (*legacy.Report, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	app := newCore(cfg, st, store.Sinks(nil))
	report, err := legacy.NewImporter(app.attributor, st).ImportDir(cmd.Context(), project)
	if err != nil {
		return nil, err
	}
	if cfg.Cache.Enabled {
		if err := resyncCache(cmd, cfg, st); err != nil {
			return nil, err
		}
	}
	return report, nil
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Rebuild the local cache from the authoritative store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := resyncCache(cmd, cfg, st); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cache rebuilt")
		return nil
	},
}

func resyncCache(cmd *cobra.Command, cfg *config.Config, st store.EntityStore) error {
	c, err := cache.Open(cfg.Cache.Path, cfg.Cache.QueueSize)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Resync(cmd.Context(), st); err != nil {
		return fmt.Errorf("rebuilding cache: %w", err)
	}
	if err := c.SetConfig(cmd.Context(), cache.KeyStoreURL, storeLabel(cfg)); err != nil {
		return err
	}
	logging.NewLogger("cli").WithField("path", cfg.Cache.Path).Debug("cache rebuilt")
	return nil
}

func init() {
	importCmd.Flags().BoolVar(&importJSON, "json", false, "output the import report as JSON")
	importCmd.Flags().BoolVar(&importOffline, "offline", false, "write to the store directly instead of through the server")
}
