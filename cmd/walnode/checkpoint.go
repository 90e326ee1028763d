package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexuswal/walrelay/checkpoint"
	"github.com/nexuswal/walrelay/wal"
)

// newCheckpointCommand adds an operator tool that inspects a node's WAL
// directory offline (the node must not be running) and prints or rewrites
// its checkpoint file. It exists for the same reason the teacher carries
// restore-util/snapshot-util as separate binaries from the server: an
// operator recovering a stuck node should not need to start the full
// accept loop just to inspect or repair its durability state.
func newCheckpointCommand(configPath *string) *cobra.Command {
	var dir string
	var write bool

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or force the WAL checkpoint for an offline node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := loadConfig(*configPath)
				if err != nil {
					return err
				}
				dir = cfg.WAL.Dir
			}
			return runCheckpoint(dir, write)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "WAL directory (defaults to the configured wal.dir)")
	cmd.Flags().BoolVar(&write, "write", false, "rewrite checkpoint.bin to the newest segment's starting VClock")

	return cmd
}

func runCheckpoint(dir string, write bool) error {
	existing, found, err := checkpoint.Read(dir)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if found {
		fmt.Printf("current checkpoint: at=%s vclock=%s\n", existing.At.Format("2006-01-02T15:04:05Z07:00"), existing.VClock.String())
	} else {
		fmt.Println("no checkpoint file present")
	}

	idx, err := wal.OpenDirectory(dir)
	if err != nil {
		return fmt.Errorf("open wal directory: %w", err)
	}
	path, _, startVClock, ok := idx.NewestMeta()
	if !ok {
		fmt.Println("no segments present")
		return nil
	}
	fmt.Printf("newest segment: %s starting at %s\n", path, startVClock.String())

	if !write {
		return nil
	}
	cp := checkpoint.Checkpoint{VClock: startVClock, At: time.Now()}
	if err := checkpoint.Write(dir, cp); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	fmt.Println("checkpoint rewritten")
	return nil
}
