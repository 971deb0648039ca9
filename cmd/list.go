package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List targets and CVE modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, reg, err := setupRegistry(cmd)
			if err != nil {
				return err
			}
			fmt.Println("Targets:")
			for _, t := range cfg.Targets {
				svc := "no service"
				if t.Service != nil {
					svc = strings.Join(t.Service.Command, " ")
				}
				fmt.Printf("  - %s (%s, %s)\n", t.Name, t.WorkDir, svc)
			}
			fmt.Println("\nModules:")
			for _, m := range reg.List() {
				var caps []string
				if m.Restart != nil {
					caps = append(caps, "restart")
				}
				if m.Test != nil {
					caps = append(caps, "test")
				}
				extra := ""
				if len(caps) > 0 {
					extra = " [" + strings.Join(caps, ", ") + "]"
				}
				fmt.Printf("  - %s@%s: %s%s\n", m.ID, m.Target, m.Title, extra)
			}
			return nil
		},
	}
}
