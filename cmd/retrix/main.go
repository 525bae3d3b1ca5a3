// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/element-hq/retrix/setup/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.WithError(err).Error("retrix failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrix",
		Short: "A terminal Matrix client",
		Long: `retrix keeps one ordered, deduplicated timeline per room, built from the
live sync stream and history pages fetched on demand.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newGenerateConfigCommand())
	return cmd
}

func newGenerateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Print a sample configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Retrix
			cfg.Defaults(config.DefaultOpts{Generate: true})
			data, err := yaml.Marshal(&cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
