package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup <cve>",
		Short: "Verify the target tree and check out its working branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, reg, err := setupRegistry(cmd)
			if err != nil {
				return err
			}
			m, err := getModule(reg, args[0])
			if err != nil {
				return err
			}
			md := m.Setup(context.Background())
			if err := printJSON(md); err != nil {
				return err
			}
			if ok, _ := md["success"].(bool); !ok {
				return fmt.Errorf("setup of %s failed: %v", m.ID, md["error"])
			}
			return nil
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <cve>",
		Short: "Kill and relaunch the service a module grades",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, reg, err := setupRegistry(cmd)
			if err != nil {
				return err
			}
			m, err := getModule(reg, args[0])
			if err != nil {
				return err
			}
			if m.Restart == nil {
				return fmt.Errorf("%s: target %s has no service", m.ID, m.Target)
			}
			out := m.Restart(context.Background())
			if err := printJSON(out); err != nil {
				return err
			}
			if !out.Success {
				return fmt.Errorf("restarting %s failed after %d attempt(s)", m.Target, out.RetryCount)
			}
			fmt.Printf("%s running (pid %d)\n", m.Target, out.PID)
			return nil
		},
	}
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <cve>",
		Short: "Run the unit-test stages configured for a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, reg, err := setupRegistry(cmd)
			if err != nil {
				return err
			}
			m, err := getModule(reg, args[0])
			if err != nil {
				return err
			}
			if m.Test == nil {
				return fmt.Errorf("%s has no test stages", m.ID)
			}
			rep := m.Test(context.Background())
			if err := printJSON(rep); err != nil {
				return err
			}
			if !rep.OverallSuccess {
				return fmt.Errorf("%s: %s", m.ID, rep.Summary)
			}
			return nil
		},
	}
}
