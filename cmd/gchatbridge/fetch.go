package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gchatbridge/internal/domain"
)

func fetchCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "fetch [resourceName]",
		Short: "Download an uploaded attachment by its resource name",
		Long: `Downloads the bytes of an uploaded Chat attachment using the configured
credential. Writes to stdout unless --output is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cred, err := loadCredential(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			ref := domain.AttachmentRef{Kind: domain.SourceUploadedContent, Resource: args[0]}
			n, err := newFetcher(cfg, nil).Stream(ctx, ref, cred, w)
			if err != nil {
				if output != "" {
					os.Remove(output)
				}
				return fmt.Errorf("fetch %s: %w", args[0], err)
			}
			logger.WithFields(logrus.Fields{"resource": args[0], "bytes": n}).Info("attachment downloaded")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}
