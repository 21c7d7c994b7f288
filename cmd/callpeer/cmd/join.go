package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dkeye/peercall/internal/domain"
)

var joinCmd = &cobra.Command{
	Use:     "join <room-id>",
	Aliases: []string{"j"},
	Short:   "Join an existing room",
	Args:    cobra.ExactArgs(1),
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
		return runCall(ctx, cfg, deps, callOptions{
			room:        domain.RoomID(args[0]),
			participant: pid,
			role:        domain.RoleJoiner,
		})
	},
}
