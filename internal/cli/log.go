package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/patch"
	"github.com/roach88/statesync/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	DB    string
	Since uint64
}

// logOutput is the log command's result payload.
type logOutput struct {
	Entity  string       `json:"entity"`
	ID      string       `json:"id"`
	Version uint64       `json:"version"`
	Since   uint64       `json:"since"`
	Patches [][]patch.Op `json:"patches"`
}

func (o logOutput) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%s at version %d, %d patches since version %d", o.Entity, o.ID, o.Version, len(o.Patches), o.Since)
	for i, ops := range o.Patches {
		fmt.Fprintf(&b, "\n  v%d:", o.Since+uint64(i)+1)
		for _, op := range ops {
			if op.Value != nil {
				fmt.Fprintf(&b, " %s %s=%v", op.Kind, op.Path, op.Value)
			} else {
				fmt.Fprintf(&b, " %s %s", op.Kind, op.Path)
			}
		}
	}
	return b.String()
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log <entity> <id>",
		Short: "Print an entity's retained patch log",
		Long: `Print the patch chain from --since to the entity's current version.

Exit code 1 means the log no longer covers the requested range and a
client at that version must take a full snapshot.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "SQLite store file")
	cmd.Flags().Uint64Var(&opts.Since, "since", 0, "version the chain starts after")

	return cmd
}

func runLog(opts *LogOptions, entity, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	st, err := openDB(opts.DB, true)
	if err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	version, err := st.GetVersion(ctx, entity, id)
	if err != nil {
		_ = f.Error(ErrCodeStore, "read version", err.Error())
		return WrapExitError(ExitCommandError, "read version", err)
	}
	if version == 0 {
		msg := fmt.Sprintf("no state for %s:%s", entity, id)
		_ = f.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	chain, err := st.GetPatchesSince(ctx, entity, id, opts.Since)
	switch {
	case errors.Is(err, store.ErrLogGap):
		msg := fmt.Sprintf("patch log does not reach back to version %d; snapshot required", opts.Since)
		_ = f.Error(ErrCodeLogGap, msg, nil)
		return NewExitError(ExitFailure, msg)
	case err != nil:
		_ = f.Error(ErrCodeStore, "read patch log", err.Error())
		return WrapExitError(ExitCommandError, "read patch log", err)
	}

	return f.Success(logOutput{
		Entity:  entity,
		ID:      id,
		Version: version,
		Since:   opts.Since,
		Patches: chain,
	})
}
