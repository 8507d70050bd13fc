package main

import (
	"context"

	"classmesh/internal/core/domain"

	"github.com/spf13/cobra"
)

var flagRoomID string

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Create a classroom and accept participants",
	Long: `Create a classroom room and answer every participant that joins it.

Examples:
  classroom host
  classroom host --room physics-101`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), domain.RoleHost, func(ctx context.Context, a *app) error {
			roomID, err := a.coordinator.CreateRoom(ctx, domain.RoomID(flagRoomID), a.stream)
			if err != nil {
				return err
			}
			a.logger.Infow("classroom created", "room_id", roomID)
			return nil
		})
	},
}

var joinCmd = &cobra.Command{
	Use:     "join <room-id>",
	Aliases: []string{"j"},
	Short:   "Join an existing classroom",
	Long: `Join a classroom as a participant and connect to its host.

Examples:
  classroom join physics-101`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), domain.RoleParticipant, func(ctx context.Context, a *app) error {
			participantID, err := a.coordinator.JoinRoom(ctx, domain.RoomID(args[0]), a.stream)
			if err != nil {
				return err
			}
			a.logger.Infow("joined classroom", "room_id", args[0], "participant_id", participantID)
			return nil
		})
	},
}

func init() {
	hostCmd.Flags().StringVar(&flagRoomID, "room", "", "room id to create (generated when empty)")
}
