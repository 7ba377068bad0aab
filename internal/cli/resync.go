package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/resync"
)

// ResyncOptions holds flags for the resync command.
type ResyncOptions struct {
	*RootOptions
	DB      string
	Version uint64
	Fields  []string
	Hash    string
}

// resyncOutput is the resync command's result payload.
type resyncOutput struct {
	resync.Result
}

func (o resyncOutput) String() string {
	switch o.Status {
	case resync.StatusCurrent:
		return fmt.Sprintf("%s:%s current at version %d", o.Entity, o.EntityID, o.Version)
	case resync.StatusPatched:
		return fmt.Sprintf("%s:%s patched to version %d (%d patches)", o.Entity, o.EntityID, o.Version, len(o.Patches))
	case resync.StatusSnapshot:
		return fmt.Sprintf("%s:%s snapshot at version %d", o.Entity, o.EntityID, o.Version)
	case resync.StatusDeleted:
		return fmt.Sprintf("%s:%s deleted", o.Entity, o.EntityID)
	default:
		return fmt.Sprintf("%s:%s error: %s", o.Entity, o.EntityID, o.Err)
	}
}

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resync <entity> <id>",
		Short: "Resolve a reconnect request against a store file",
		Long: `Resolve what a client at --version should receive: nothing, the missed
patch chain, a full snapshot, or a deletion notice.

Example:
  statesync resync user 42 --db state.db --version 3`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResync(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "SQLite store file")
	cmd.Flags().Uint64Var(&opts.Version, "version", 0, "client's last-known version")
	cmd.Flags().StringSliceVar(&opts.Fields, "fields", nil, "subscribed fields (default all)")
	cmd.Flags().StringVar(&opts.Hash, "hash", "", "client's snapshot content hash")

	return cmd
}

func runResync(opts *ResyncOptions, entity, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	st, err := openDB(opts.DB, true)
	if err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return err
	}
	defer st.Close()

	results := resync.New(st).Resolve(cmd.Context(), []resync.Request{{
		SubscriptionID: "cli",
		Entity:         entity,
		EntityID:       id,
		KnownVersion:   opts.Version,
		Fields:         opts.Fields,
		ContentHash:    opts.Hash,
	}})
	res := results[0]

	if res.Status == resync.StatusError {
		_ = f.Error(ErrCodeResync, "resync failed", res.Err)
		return NewExitError(ExitFailure, res.Err)
	}
	return f.Success(resyncOutput{Result: res})
}
