package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ocrdrop/internal/config"
	"ocrdrop/internal/extract"
	"ocrdrop/internal/intake"
	"ocrdrop/internal/models"
	"ocrdrop/internal/preview"
	"ocrdrop/internal/state"
)

const cliSession = "cli"

var extractOut string

var extractCmd = &cobra.Command{
	Use:   "extract <image>...",
	Short: "Extract text from image files and write <name>-extracted.txt next to them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		extractor, err := extract.New(cfg.Extraction)
		if err != nil {
			return fmt.Errorf("init extractor: %w", err)
		}
		return runExtract(cmd.Context(), cmd.OutOrStdout(), cfg, extractor, args, extractOut)
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractOut, "out", "o", "", "output directory (default: next to each image)")
	rootCmd.AddCommand(extractCmd)
}

// runExtract processes paths in order through the same pipeline the server
// uses and writes one text file per successful image.
func runExtract(ctx context.Context, out io.Writer, cfg *config.Config, extractor extract.Extractor, paths []string, outDir string) error {
	files := make([]intake.File, 0, len(paths))
	dirs := make([]string, 0, len(paths))
	for _, p := range paths {
		if !intake.Allowed(p) {
			fmt.Fprintf(out, "skip %s: unsupported file type\n", p)
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, intake.File{Name: filepath.Base(p), Data: data})
		dirs = append(dirs, filepath.Dir(p))
	}
	if len(files) == 0 {
		return fmt.Errorf("no supported images given")
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	store := state.NewStore()
	defer store.Close()
	workers := newManager(cfg, extractor)
	defer workers.Stop(cliSession)

	_, _, updates, cancel := store.Subscribe()
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for upd := range updates {
			switch upd.Event.(type) {
			case state.Completed, state.Failed:
				if r, ok := upd.State.Get(upd.Event.RecordID()); ok {
					if r.Failed() {
						fmt.Fprintf(out, "failed  %s\n", r.Name)
					} else {
						fmt.Fprintf(out, "done    %s (%d chars)\n", r.Name, len([]rune(r.Text)))
					}
				}
			}
		}
	}()

	records, jobs, err := intake.NewService(preview.NewMemory()).Accept(ctx, store, files)
	if err != nil {
		return err
	}
	if err := workers.Submit(cliSession, store, jobs); err != nil {
		return err
	}
	if err := store.Settled(ctx); err != nil {
		return err
	}
	cancel()
	<-done

	// every file passed the allow-list, so records line up with dirs
	failed := 0
	used := make(map[string]bool, len(records))
	for i, rec := range records {
		r, ok := store.Get(rec.ID)
		if !ok || r.Failed() {
			failed++
			continue
		}
		dir := outDir
		if dir == "" {
			dir = dirs[i]
		}
		target := outputPath(dir, r.Name, used)
		if err := os.WriteFile(target, []byte(r.Text), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		fmt.Fprintf(out, "wrote   %s\n", target)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(records))
	}
	return nil
}

// outputPath returns dir/<stem>-extracted.txt, numbering it when an earlier
// image of this run already claimed the name.
func outputPath(dir, name string, used map[string]bool) string {
	base := models.DownloadName(name)
	target := filepath.Join(dir, base)
	ext := filepath.Ext(base)
	for n := 2; used[target]; n++ {
		target = filepath.Join(dir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), n, ext))
	}
	used[target] = true
	return target
}
