/*
Copyright 2024 Innsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/innsync/innsync"
	"github.com/innsync/innsync/config"
	"github.com/innsync/innsync/database"
	"github.com/innsync/innsync/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Innsync wraps the root cobra command.
type Innsync struct {
	cmd *cobra.Command
}

// innsyncInstance carries the service and its configuration into subcommands.
type innsyncInstance struct {
	innsync    *innsync.Innsync
	cnf        *config.Configuration
	configFile string
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and builds the service before any server-side
// command runs.
func preRun(app *innsyncInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(app.configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newInnsync, err := setupInnsync(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.innsync = newInnsync
		app.cnf = cnf
		return nil
	}
}

func setupInnsync(cfg *config.Configuration) (*innsync.Innsync, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newInnsync, err := innsync.NewInnsync(db)
	if err != nil {
		return nil, fmt.Errorf("error creating innsync: %v", err)
	}
	return newInnsync, nil
}

// NewCLI builds the command tree: server-side commands share preRun, device
// commands under "queue" only touch the local queue file.
func NewCLI() *Innsync {
	app := &innsyncInstance{}

	rootCmd := &cobra.Command{
		Use:   "innsync",
		Short: "Offline-first write reconciliation for hotel property management",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&app.configFile, "config", "./innsync.json", "Configuration file for innsync")
	rootCmd.PersistentPreRunE = preRun(app)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands(app))
	rootCmd.AddCommand(deadLetterCommands(app))
	rootCmd.AddCommand(queueCommands())

	return &Innsync{cmd: rootCmd}
}

func (w Innsync) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
