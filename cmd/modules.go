package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/burakkaraceylan/vessel/internal/config"
	"github.com/burakkaraceylan/vessel/internal/wasm"
)

func modulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Inspect and install guest modules",
	}
	cmd.AddCommand(modulesListCmd())
	cmd.AddCommand(modulesHashCmd())
	return cmd
}

func modulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed guest modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			dir, err := cfg.ModulesDir()
			if err != nil {
				return err
			}
			manifests := wasm.ListInstalled(dir)
			if len(manifests) == 0 {
				fmt.Println("no modules installed in", dir)
				return nil
			}
			for _, m := range manifests {
				fmt.Printf("%-20s %-10s api=%d  %s\n", m.ID, m.Version, m.APIVersion, m.Description)
			}
			return nil
		},
	}
}

func modulesHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <module-dir>",
		Short: "Write the tamper-detection hash for an installed module",
		Long: "Computes the SHA-256 over manifest.json and module.wasm and stores it " +
			"as manifest.hash. Run this after placing a module's files; the host " +
			"refuses to load a hashed module whose files changed afterwards.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if err := wasm.WriteHash(dir); err != nil {
				return err
			}
			fmt.Println("wrote", filepath.Join(dir, "manifest.hash"))
			return nil
		},
	}
}
