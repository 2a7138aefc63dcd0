package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/knowledge"
)

func kbCMD(cfgPath *string) *cobra.Command {
	var kb = &cobra.Command{
		Use:   "kb",
		Short: "Manage the local knowledge atom index",
	}
	kb.AddCommand(&cobra.Command{
		Use:   "import <atoms.yaml>",
		Short: "Index knowledge atoms from a YAML or JSON list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Knowledge.IndexPath == "" {
				return errors.New("knowledge.index_path must be set to import atoms")
			}
			atoms, err := knowledge.LoadAtoms(args[0])
			if err != nil {
				return err
			}
			base, err := knowledge.Open(cfg.Knowledge, newLogger("KNOWLEDGE"))
			if err != nil {
				return err
			}
			defer base.Close()
			if err := base.Index(atoms); err != nil {
				return err
			}
			n, err := base.Count()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d atoms (%d total)\n", len(atoms), n)
			return nil
		},
	})
	return kb
}
