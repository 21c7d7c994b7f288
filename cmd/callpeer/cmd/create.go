package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dkeye/peercall/internal/app/rooms"
	"github.com/dkeye/peercall/internal/domain"
)

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a room and wait for someone to join",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		deps, err := openDeps(ctx, cfg)
		if err != nil {
			return err
		}
		defer deps.close()

		pid, err := participantID()
		if err != nil {
			return err
		}
		id, err := rooms.NewRegistry(deps.store).CreateRoom(ctx, pid)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return runCall(ctx, cfg, deps, callOptions{
			room:        id,
			participant: pid,
			role:        domain.RoleInitiator,
		})
	},
}
