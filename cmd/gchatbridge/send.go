package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gchatbridge/internal/domain"
	"gchatbridge/internal/translate"
)

func sendCmd() *cobra.Command {
	var thread string
	var raw bool

	cmd := &cobra.Command{
		Use:   "send [space] [text...]",
		Short: "Post a message to a space as the bot",
		Long: `Posts text to a Chat space (spaces/AAAA...) through the Chat API.
Markdown is converted to Chat markup unless --raw is set.`,
		Example: `  gchatbridge send spaces/AAAA "**deploy** finished"
  gchatbridge send spaces/AAAA --thread spaces/AAAA/threads/BBBB done`,
		Args: cobra.MinimumNArgs(2),
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

			client, err := newChatClient(ctx, cfg, cred, nil)
			if err != nil {
				return err
			}

			text := strings.Join(args[1:], " ")
			if !raw {
				text = translate.ToMarkup(text)
			}
			msg := domain.OutboundMessage{Space: args[0], Thread: thread, Text: text}
			if err := client.Send(ctx, msg); err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{"space": msg.Space, "thread": msg.Thread}).Info("message sent")
			return nil
		},
	}

	cmd.Flags().StringVarP(&thread, "thread", "t", "", "reply in this thread (spaces/.../threads/...)")
	cmd.Flags().BoolVar(&raw, "raw", false, "send text without markdown conversion")
	return cmd
}
