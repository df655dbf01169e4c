// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/autobrr/qsync/internal/buildinfo"
	"github.com/autobrr/qsync/internal/config"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/models"
)

func loadConfig(configDir, dataDir string) (*config.AppConfig, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}

	return cfg, nil
}

func RunAccountCommand() *cobra.Command {
	var configDir, dataDir string

	command := &cobra.Command{
		Use:   "account",
		Short: "Manage backend accounts",
	}

	command.PersistentFlags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")

	command.AddCommand(runAccountAddCommand(&configDir, &dataDir))
	command.AddCommand(runAccountListCommand(&configDir, &dataDir))
	command.AddCommand(runAccountRemoveCommand(&configDir, &dataDir))

	return command
}

func runAccountAddCommand(configDir, dataDir *string) *cobra.Command {
	var (
		name          string
		baseURL       string
		backendName   string
		username      string
		secret        string
		tlsSkipVerify bool
	)

	command := &cobra.Command{
		Use:   "add",
		Short: "Add a backend account",
		Long: `Add a backend account without starting the server.

The password or API key is prompted for when --secret is not given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(baseURL) == "" {
				return errors.New("--url is required")
			}

			if secret == "" {
				var err error
				secret, err = readPassword("Enter password: ")
				if err != nil {
					return err
				}
			}

			cfg, err := loadConfig(*configDir, *dataDir)
			if err != nil {
				return err
			}

			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			account, err := eng.accounts.Create(cmd.Context(), models.AccountInput{
				Name:          name,
				BaseURL:       baseURL,
				Backend:       domain.Backend(backendName),
				Username:      username,
				Secret:        &secret,
				TLSSkipVerify: &tlsSkipVerify,
			})
			if err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}

			cmd.Printf("Account '%s' created successfully with ID: %d\n", account.Name, account.ID)
			return nil
		},
	}

	command.Flags().StringVar(&name, "name", "", "display name (defaults to the URL)")
	command.Flags().StringVar(&baseURL, "url", "", "WebUI or RPC base URL")
	command.Flags().StringVar(&backendName, "backend", string(domain.BackendQBittorrent), "backend type: qbittorrent or transmission")
	command.Flags().StringVar(&username, "username", "", "login username")
	command.Flags().StringVar(&secret, "secret", "", "password or API key (will prompt if not provided)")
	command.Flags().BoolVar(&tlsSkipVerify, "tls-skip-verify", false, "skip TLS certificate verification")

	return command
}

func runAccountListCommand(configDir, dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backend accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configDir, *dataDir)
			if err != nil {
				return err
			}

			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			accounts, err := eng.accounts.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list accounts: %w", err)
			}

			if len(accounts) == 0 {
				cmd.Println("No accounts configured.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBACKEND\tURL\tACTIVE")
			for _, a := range accounts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", a.ID, a.Name, a.Backend, a.BaseURL, a.IsActive)
			}
			return w.Flush()
		},
	}
}

func runAccountRemoveCommand(configDir, dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <accountID>",
		Short: "Remove a backend account and its cached torrents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid account ID %q", args[0])
			}

			cfg, err := loadConfig(*configDir, *dataDir)
			if err != nil {
				return err
			}

			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.accounts.Delete(cmd.Context(), id); err != nil {
				if errors.Is(err, models.ErrAccountNotFound) {
					return fmt.Errorf("account %d not found", id)
				}
				return fmt.Errorf("failed to remove account: %w", err)
			}

			cmd.Printf("Account %d removed\n", id)
			return nil
		},
	}
}

func RunSyncCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		pages     int
		timeout   time.Duration
	)

	command := &cobra.Command{
		Use:   "sync <accountID>",
		Short: "Refresh an account's cache once and print the totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid account ID %q", args[0])
			}

			cfg, err := loadConfig(configDir, dataDir)
			if err != nil {
				return err
			}
			cfg.ApplyLogConfig()
			// A one-shot sync always goes to the backend.
			cfg.Config.CacheTimeout = 0

			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pager, err := eng.repo.Torrents(ctx, id, domain.Filter{})
			if err != nil {
				return err
			}
			if err := pager.Snapshot().Refresh.Err; err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}

			for range pages - 1 {
				if pager.Snapshot().Append.EndOfPagination {
					break
				}
				if err := pager.LoadMore(ctx); err != nil {
					return fmt.Errorf("load more failed: %w", err)
				}
			}

			snap := pager.Snapshot()
			total, err := eng.store.Count(ctx, id, domain.Filter{})
			if err != nil {
				return fmt.Errorf("failed to count cached torrents: %w", err)
			}

			counts := make(map[domain.TorrentState]int)
			for _, t := range snap.Items {
				counts[t.State]++
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "account\t%d\n", id)
			fmt.Fprintf(w, "cached\t%d\n", total)
			fmt.Fprintf(w, "complete\t%t\n", snap.Append.EndOfPagination)
			for _, state := range domain.TorrentStates {
				if n := counts[state]; n > 0 {
					fmt.Fprintf(w, "%s\t%d\n", strings.ToLower(string(state)), n)
				}
			}
			return w.Flush()
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory path (defaults to next to config file)")
	command.Flags().IntVar(&pages, "pages", 1, "number of remote pages to fetch")
	command.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")

	return command
}
