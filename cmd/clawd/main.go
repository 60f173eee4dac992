// Package main is the clawd entry point: a single-operator ops bot that
// routes chat commands to skills, runs deploy pipelines, schedules
// reminders, and fans out repository events to registered chats.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"clawd/internal/adapters"
	"clawd/internal/config"
	"clawd/internal/kernel"
	"clawd/internal/logging"
	"clawd/internal/webhook"
)

const version = "1.0.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "clawd",
	Short: "Chat-operated ops bot: deploys, reminders, repo notifications",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot",
	RunE:  run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(*cobra.Command, []string) {
		fmt.Println("clawd " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "clawd.yaml", "path to the config file")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func run(_ *cobra.Command, _ []string) error {
	// .env keeps credentials out of the YAML file; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Initialize(logging.Options{
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	var opts kernel.Options
	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		opts.Transcriber = adapters.NewGroqTranscriber(key, "")
	}

	k, err := kernel.New(cfg, opts)
	if err != nil {
		// A store that cannot open is fatal before any message is accepted.
		return fmt.Errorf("boot: %w", err)
	}
	if err := k.Start(); err != nil {
		k.Stop()
		return err
	}
	log := logging.Get(logging.CategoryBoot)
	log.Info("clawd %s up (config=%s)", version, configPath)

	var webhookSrv *http.Server
	if addr := cfg.GitHub.WebhookListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/webhook", webhook.NewHandler(k.Webhook(), cfg.GitHub.WebhookSecret))
		webhookSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := webhookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("webhook listener: %v", err)
			}
		}()
		log.Info("webhook ingress on %s", addr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("received %s, shutting down", s)

	if webhookSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = webhookSrv.Shutdown(ctx)
		cancel()
	}
	k.Stop()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
