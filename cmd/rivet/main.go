package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var cfgPath string
	var root = &cobra.Command{
		Use:          "rivet",
		Short:        "Technical Q&A router and structured dialog service",
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(
		serveCMD(&cfgPath),
		migrateCMD(&cfgPath),
		sweepCMD(&cfgPath),
		gapsCMD(&cfgPath),
		kbCMD(&cfgPath),
		tokenCMD(&cfgPath),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(tag string) *log.Logger {
	return log.New(log.Writer(), "["+tag+"] ", log.LstdFlags)
}
