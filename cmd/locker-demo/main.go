// Command locker-demo is a thin operator harness around the pglocker
// library: it wires a Postgres connection pool, starts a Locker Coordinator
// against the real jobs/lockers schema, and offers a command to enqueue a
// job for it to pick up. It exists to exercise the library end to end, not
// as a production job runner.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	log "github.com/sirupsen/logrus"
)

var cliLog = log.New()

var rootCmd = &cobra.Command{
	Use:   "locker-demo",
	Short: "Run and exercise a pglocker Locker against a Postgres database",
	Long: `locker-demo is an operator harness for the pglocker job-queue
coordinator. It connects to a Postgres database holding a jobs table and a
lockers registration table, and either starts a Locker to process jobs or
enqueues a new job for a running Locker to notice.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			cliLog.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("dsn", "", "Postgres connection string (env PGLOCKER_DSN)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug-level CLI logging")
	viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(enqueueCmd)
}

func initConfig() {
	viper.SetEnvPrefix("PGLOCKER")
	viper.AutomaticEnv()
	viper.SetDefault("dsn", "postgres://localhost:5432/pglocker?sslmode=disable")
}

func main() {
	cliLog.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
