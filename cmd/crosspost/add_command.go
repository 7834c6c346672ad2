package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"crosspost/internal/ingest"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var (
		title    string
		authorID string
		videoID  string
	)

	cmd := &cobra.Command{
		Use:   "add <url-or-file>",
		Short: "Enqueue a single video by URL or local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			target := strings.TrimSpace(args[0])
			if target == "" {
				return fmt.Errorf("empty target")
			}

			if info, err := os.Stat(target); err == nil && !info.IsDir() {
				path, err := filepath.Abs(target)
				if err != nil {
					return err
				}
				fingerprint, err := fileFingerprint(path)
				if err != nil {
					return err
				}
				if title == "" {
					title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				}
				unit, created, err := store.NewLocalFile(cmd.Context(), fingerprint, path, title)
				if err != nil {
					return err
				}
				if !created {
					fmt.Fprintf(cmd.OutOrStdout(), "already queued as unit %d\n", unit.ID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued local file as unit %d\n", unit.ID)
				return nil
			}

			item := ingest.Item{VideoID: videoID, AuthorID: authorID, URL: target, Title: title}
			unit, created, err := store.NewUnit(cmd.Context(), ingest.Fingerprint(item), target, authorID, title)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "already queued as unit %d\n", unit.ID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued unit %d\n", unit.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Source title for the caption rewrite")
	cmd.Flags().StringVar(&authorID, "author", "", "Upstream author identifier")
	cmd.Flags().StringVar(&videoID, "video-id", "", "Upstream video identifier used for deduplication")
	return cmd
}

func fileFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
