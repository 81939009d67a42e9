package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tacmesh/internal/config"
	"tacmesh/internal/identity"
	"tacmesh/internal/metrics"
	"tacmesh/internal/service/app"
	"tacmesh/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tacnode",
	Short: "Tactical message node over a broker and a local mesh",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node and the operator console",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		headless, _ := cmd.Flags().GetBool("headless")

		logOpts := log.Options{Level: cfg.Log.Level, File: cfg.Log.File, Development: cfg.Log.Development}
		if !headless && logOpts.File == "" {
			// the console owns the terminal
			logOpts.File = "tacnode.log"
		}
		if err := log.Init(logOpts); err != nil {
			return err
		}
		defer log.Sync()
		metrics.MustRegister()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		node, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		if err := node.Run(ctx); err != nil {
			return err
		}
		defer node.Stop()

		if headless {
			app.RunHeadless(ctx, node)
			return nil
		}
		if err := app.NewConsole(node).Run(ctx); err != nil {
			log.Error("console stopped", zap.Error(err))
			return err
		}
		return nil
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print this device's id and public keys, creating them if needed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		id, err := identity.LoadOrCreate(cfg.Device.IdentityPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "device:    %s\n", id.DeviceID)
		fmt.Fprintf(out, "signing:   %s\n", base64.StdEncoding.EncodeToString(id.SigningPub))
		fmt.Fprintf(out, "agreement: %s\n", base64.StdEncoding.EncodeToString(id.AgreementPub[:]))
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a YAML, TOML or JSON config file")
	runCmd.Flags().Bool("headless", false, "log events instead of drawing the console")

	rootCmd.AddCommand(runCmd, identityCmd)
}
