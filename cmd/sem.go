package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/childwatch/pkg/namedsem"
)

// CreateSemCmd creates the sem command group for named semaphores shared
// between processes.
func CreateSemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sem",
		Short: "Manage named semaphores",
	}
	cmd.AddCommand(
		createSemCreateCmd(),
		createSemPostCmd(),
		createSemWaitCmd(),
		createSemValueCmd(),
		createSemDestroyCmd(),
	)
	return cmd
}

func createSemCreateCmd() *cobra.Command {
	var value uint32
	var mode string
	var existOK bool

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a named semaphore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perm, err := strconv.ParseUint(mode, 8, 32)
			if err != nil {
				return fmt.Errorf("invalid mode %q: %w", mode, err)
			}
			sem := namedsem.New(args[0])
			if err := sem.Create(existOK, os.FileMode(perm), value); err != nil {
				return err
			}
			defer sem.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", sem.Name(), sem.Value())
			return nil
		},
	}
	cmd.Flags().Uint32VarP(&value, "value", "v", 0, "Initial count")
	cmd.Flags().StringVarP(&mode, "mode", "m", "644", "Permission bits in octal")
	cmd.Flags().BoolVar(&existOK, "exist-ok", false, "Open the semaphore if it already exists")
	return cmd
}

func createSemPostCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "post NAME",
		Short: "Increment a named semaphore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sem, err := openSemaphore(args[0])
			if err != nil {
				return err
			}
			defer sem.Close()
			for range count {
				sem.Increment()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", sem.Name(), sem.Value())
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of increments")
	return cmd
}

func createSemWaitCmd() *cobra.Command {
	var timeout time.Duration
	var try bool

	cmd := &cobra.Command{
		Use:   "wait NAME",
		Short: "Decrement a named semaphore, blocking while it is zero",
		Long: `Blocks until the count is positive and takes one. With --timeout the wait ` +
			`gives up after that long and exits with status 124; with --try it never blocks ` +
			`and exits with status 1 when the count is zero.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sem, err := openSemaphore(args[0])
			if err != nil {
				return err
			}
			if try {
				timeout = -1
			}
			ok, err := sem.Decrement(timeout)
			sem.Close()
			switch {
			case errors.Is(err, namedsem.ErrTimeout):
				exit(ExitTimeout)
			case err != nil:
				return err
			case !ok:
				exit(1)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Give up after this long (0 waits forever)")
	cmd.Flags().BoolVar(&try, "try", false, "Do not block")
	return cmd
}

func createSemValueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "value NAME",
		Short: "Print the current count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sem, err := openSemaphore(args[0])
			if err != nil {
				return err
			}
			defer sem.Close()
			fmt.Fprintln(cmd.OutOrStdout(), sem.Value())
			return nil
		},
	}
}

func createSemDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy NAME",
		Short: "Remove a named semaphore",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return namedsem.Destroy(args[0])
		},
	}
}

func openSemaphore(name string) (*namedsem.Semaphore, error) {
	sem := namedsem.New(name)
	if err := sem.Open(); err != nil {
		return nil, fmt.Errorf("open %s: %w", sem.Name(), err)
	}
	return sem, nil
}
