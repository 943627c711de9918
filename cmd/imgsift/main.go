// Command imgsift runs a local-first semantic image search daemon and
// its companion CLI and TUI clients, generalized from the teacher's
// cobra-based cmd/sift/main.go: "index"/"watch"/"search" subcommands
// that operated on an in-process index.Index become "serve" (starts
// the HTTP daemon fronting an indexservice.Service), "tui" (runs the
// interactive client against the store directly), and a handful
// of one-shot convenience subcommands that open the store directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/imgsift/imgsift/internal/config"
	"github.com/imgsift/imgsift/internal/embedbackend"
	"github.com/imgsift/imgsift/internal/httpapi"
	"github.com/imgsift/imgsift/internal/indexservice"
	"github.com/imgsift/imgsift/internal/metastore"
	"github.com/imgsift/imgsift/internal/tui"
	"github.com/imgsift/imgsift/internal/vectorstore"
)

func main() {
	root := &cobra.Command{
		Use:   "imgsift",
		Short: "Local semantic search for your photo library",
		Long:  "imgsift — fast, offline semantic image search powered by a CLIP-style ONNX model pair.",
	}

	var cfgPath string
	var storeDir, modelDir, modelName, ortLib, listenAddr string
	var numThreads, batchSize int

	root.PersistentFlags().StringVar(&cfgPath, "config", "imgsift.toml", "path to the daemon config file")
	root.PersistentFlags().StringVar(&storeDir, "store-dir", "", "override the index store directory")
	root.PersistentFlags().StringVar(&modelDir, "model-dir", "", "override the ONNX model directory")
	root.PersistentFlags().StringVar(&modelName, "model-name", "", "override the model name recorded in the config record")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", "", "override the onnxruntime shared library path")
	root.PersistentFlags().StringVar(&listenAddr, "listen", "", "override the HTTP listen address")
	root.PersistentFlags().IntVar(&numThreads, "threads", 0, "override the ONNX intra-op thread count")
	root.PersistentFlags().IntVar(&batchSize, "batch-size", 0, "override the embedding batch size")

	resolveConfig := func() (config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return cfg, err
		}
		if storeDir != "" {
			cfg.StoreDir = storeDir
		}
		if modelDir != "" {
			cfg.ModelDir = modelDir
		}
		if modelName != "" {
			cfg.ModelName = modelName
		}
		if ortLib != "" {
			cfg.OrtLib = ortLib
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if numThreads != 0 {
			cfg.Threads = numThreads
		}
		if batchSize != 0 {
			cfg.BatchSize = batchSize
		}
		return cfg, nil
	}

	// openService wires the metadata store, vector store, embedding
	// backend, and index service into a single running Service,
	// printing status the way the teacher's openIndex did so the
	// operator knows the (sometimes multi-second) model load isn't
	// stuck.
	openService := func(cfg config.Config) (*indexservice.Service, func(), error) {
		fmt.Fprint(os.Stderr, "Loading model… ")
		backend, err := embedbackend.New(embedbackend.Config{
			ModelDir:   cfg.ModelDir,
			ModelName:  cfg.ModelName,
			OrtLibPath: cfg.OrtLib,
			NumThreads: cfg.Threads,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
			return nil, nil, fmt.Errorf("load embedding backend: %w", err)
		}
		fmt.Fprintln(os.Stderr, "ready.")

		if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
			backend.Close()
			return nil, nil, fmt.Errorf("create store dir: %w", err)
		}

		meta, err := metastore.Open(filepath.Join(cfg.StoreDir, "meta.sqlite"))
		if err != nil {
			backend.Close()
			return nil, nil, fmt.Errorf("open metadata store: %w", err)
		}

		vecs, err := vectorstore.New(cfg.StoreDir)
		if err != nil {
			meta.Close()
			backend.Close()
			return nil, nil, fmt.Errorf("open vector store: %w", err)
		}

		svc, err := indexservice.Open(cfg.StoreDir, meta, vecs, backend, cfg.BatchSize)
		if err != nil {
			meta.Close()
			backend.Close()
			return nil, nil, fmt.Errorf("open index service: %w", err)
		}

		logFile, logger := openJobLogger(cfg.StoreDir)
		svc.SetLogger(logger)

		cleanup := func() {
			svc.Close()
			backend.Close()
			if logFile != nil {
				logFile.Close()
			}
		}
		return svc, cleanup, nil
	}

	// ---- imgsift serve ------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the imgsift HTTP daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			svc, cleanup, err := openService(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := httpapi.New(svc)
			httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				fmt.Fprintf(os.Stderr, "imgsift listening on %s\n", cfg.ListenAddr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "\n[imgsift] shutting down…")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			}
		},
	})

	// ---- imgsift tui ---------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch the interactive search interface against a local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			svc, cleanup, err := openService(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			m := tui.New(svc)
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	})

	// ---- imgsift reindex <dir> [dir...] --------------------------------------
	var mergeRoots bool
	reindexCmd := &cobra.Command{
		Use:   "reindex [dir...]",
		Short: "Index (or re-index) one or more root directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			svc, cleanup, err := openService(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := svc.Reindex(args, mergeRoots)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "job %s started, polling…\n", job.JobID)
			return waitForJob(svc, job.JobID)
		},
	}
	reindexCmd.Flags().BoolVar(&mergeRoots, "merge", true, "merge with existing roots instead of replacing them")
	root.AddCommand(reindexCmd)

	// ---- imgsift search <query> -----------------------------------------------
	var jsonExport bool
	var topK int
	var folderFilter, orientationFilter string
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Non-interactive semantic text search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			svc, cleanup, err := openService(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := svc.SearchText(query, topK, indexservice.Filters{
				Folder:      folderFilter,
				Orientation: orientationFilter,
			})
			if err != nil {
				return err
			}
			if len(results) == 0 {
				if jsonExport {
					fmt.Println("[]")
				} else {
					fmt.Println("no results")
				}
				return nil
			}
			if jsonExport {
				j, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d  %.3f  %s  (%dx%d, %s)\n", i+1, r.Score, r.Path, r.Width, r.Height, r.Orientation)
			}
			return nil
		},
	}
	searchCmd.Flags().BoolVar(&jsonExport, "json", false, "output search results as JSON")
	searchCmd.Flags().IntVar(&topK, "top-k", 10, "number of results to return")
	searchCmd.Flags().StringVar(&folderFilter, "folder", "", "restrict results to this top-level folder")
	searchCmd.Flags().StringVar(&orientationFilter, "orientation", "", "restrict results to landscape, portrait, or square")
	root.AddCommand(searchCmd)

	// ---- imgsift status --------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			svc, cleanup, err := openService(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			st := svc.Ready()
			fmt.Printf("indexed:   %d images\n", st.Indexed)
			fmt.Printf("has index: %v\n", st.HasIndex)
			fmt.Printf("dim:       %d\n", st.Dim)
			fmt.Printf("device:    %s\n", st.Device)
			folders, err := svc.Folders()
			if err != nil {
				return err
			}
			for _, rf := range folders {
				fmt.Printf("  %-30s %d images\n", rf.Root, rf.Count)
			}
			return nil
		},
	})

	// ---- imgsift nuke --------------------------------------------------------
	var forceFlag bool
	nukeCmd := &cobra.Command{
		Use:   "nuke",
		Short: "Remove the entire index store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if !forceFlag {
				fmt.Printf("Remove the index store at %s? This cannot be undone. [y/N] ", cfg.StoreDir)
				var ans string
				fmt.Scanln(&ans)
				if ans != "y" && ans != "Y" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			svc, cleanup, err := openService(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := svc.NukeAll(); err != nil {
				return err
			}
			fmt.Println("Index cleared.")
			return nil
		},
	}
	nukeCmd.Flags().BoolVar(&forceFlag, "force", false, "skip confirmation prompt")
	root.AddCommand(nukeCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openJobLogger opens <store-dir>/logs/imgsift.log (creating the
// directory if needed) and returns a structured JSON logger appending
// to it, per spec §6.3's logs/ directory and §7's ambient logging
// stack. Rotation itself is out of scope (spec §1: "log rotation...
// interfaces only are specified") — the file grows until an external
// rotation policy truncates or replaces it. If the file cannot be
// opened, logging falls back to slog.Default() writing to stderr so a
// misconfigured store directory never blocks indexing.
func openJobLogger(storeDir string) (*os.File, *slog.Logger) {
	logsDir := filepath.Join(storeDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not create logs dir: %v\n", err)
		return nil, slog.Default()
	}
	f, err := os.OpenFile(filepath.Join(logsDir, "imgsift.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not open log file: %v\n", err)
		return nil, slog.Default()
	}
	return f, slog.New(slog.NewJSONHandler(f, nil))
}

// waitForJob polls a running reindex job to completion, printing a
// compact progress line the way the teacher's makeProgressPrinter did.
func waitForJob(svc *indexservice.Service, jobID string) error {
	for {
		job := svc.CurrentJob()
		if job.JobID != jobID {
			return nil
		}
		if job.Total > 0 {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d] %-12s", job.Processed, job.Total, job.Phase)
		}
		if !job.Running {
			fmt.Fprintln(os.Stderr, "")
			if job.State == indexservice.StateError {
				return fmt.Errorf("reindex failed: %s", job.Error)
			}
			fmt.Fprintf(os.Stderr, "Done. %d images processed.\n", job.Processed)
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}
}
