package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/outbox"
	"github.com/tcriess/lightspeed-rooms/permissions"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/rooms"
	"github.com/tcriess/lightspeed-rooms/types"
)

// A very simple CLI tool for the administration of lightspeed-rooms: reference data, rooms, members and the outbox.

var (
	configPath   string
	globalConfig *config.Config
	persister    persistence.Persister
	registry     *types.RoleRegistry
)

func printJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func readArg(arg string) io.Reader {
	if arg == "-" {
		return os.Stdin
	}
	return bytes.NewReader([]byte(arg))
}

func resolver() *permissions.Resolver {
	return permissions.NewResolver(persister, globals.AppLogger)
}

func creator() *rooms.Creator {
	return rooms.NewCreator(persister, resolver(), rooms.NewPolicy(globalConfig, registry), globals.AppLogger)
}

func main() {
	log.SetFlags(0)

	var limit, page int
	var creatorId, actorId string
	var statuses []string

	var cmdSeed = &cobra.Command{
		Use:   "seed",
		Short: "Create/update reference data",
		Long:  `seed creates or updates the configured system roles and permissions.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := persister.SeedReferenceData(cmd.Context(), registry)
			if err != nil {
				return err
			}
			globals.AppLogger.Info("reference data seeded", "roles", len(registry.Roles), "permissions", len(registry.Permissions))
			return nil
		},
	}
	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms, members or outbox events",
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists the rooms, oldest first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rooms, err := persister.GetRooms(cmd.Context(), limit, page)
			if err != nil {
				return err
			}
			return printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show room",
		Long:  `show room prints the room with the given id together with its roles.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, err := persister.GetRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			roles, err := persister.GetRoomRoles(cmd.Context(), room.Id)
			if err != nil {
				return err
			}
			return printJSON(struct {
				*types.Room
				Roles []*types.RoomRole `json:"roles"`
			}{room, roles})
		},
	}
	var cmdShowMembers = &cobra.Command{
		Use:   "members [room id]",
		Short: "Show members",
		Long:  `show members lists the members of the room with the given id.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			members, err := persister.GetMembers(cmd.Context(), args[0], limit, page)
			if err != nil {
				return err
			}
			return printJSON(members)
		},
	}
	var cmdShowOutbox = &cobra.Command{
		Use:   "outbox",
		Short: "Show outbox events",
		Long:  `show outbox lists the outbox events with the given statuses, oldest first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := make([]types.EventStatus, len(statuses))
			for i, s := range statuses {
				st[i] = types.EventStatus(s)
			}
			count, err := persister.CountOutboxEvents(cmd.Context(), st)
			if err != nil {
				return err
			}
			events, err := persister.PageOutboxEvents(cmd.Context(), st, limit, page)
			if err != nil {
				return err
			}
			return printJSON(struct {
				Count  int64                `json:"count"`
				Events []*types.OutboxEvent `json:"events"`
			}{count, events})
		},
	}
	var cmdShowRoles = &cobra.Command{
		Use:   "roles",
		Short: "Show system roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := make([]string, len(registry.Roles))
			for i, r := range registry.Roles {
				names[i] = r.Name
			}
			roles, err := persister.GetSystemRoles(cmd.Context(), names)
			if err != nil {
				return err
			}
			return printJSON(roles)
		},
	}
	var cmdCreate = &cobra.Command{
		Use:   "create [room command]",
		Short: "Create room",
		Long: `create creates a room from a JSON command like {"type":"group","name":"x","initial_user_ids":["u1"]}.
If the command is "-", it is read from STDIN.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := types.CreateRoomCommand{}
			err := json.NewDecoder(readArg(args[0])).Decode(&command)
			if err != nil {
				return fmt.Errorf("could not decode command: %w", err)
			}
			room, event, err := creator().Create(cmd.Context(), command, creatorId)
			if err != nil {
				return err
			}
			globals.AppLogger.Info("room created", "room", room.Id, "event", event.Id)
			return printJSON(room)
		},
	}
	var cmdAddMembers = &cobra.Command{
		Use:   "add-members [room id] [user id]...",
		Short: "Add members",
		Long:  `add-members adds users to a room with the room's default role, on behalf of --actor.`,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, _, err := creator().AddMembers(cmd.Context(), args[0], actorId, args[1:])
			if err != nil {
				return err
			}
			return printJSON(room)
		},
	}
	var cmdCheck = &cobra.Command{
		Use:   "check [room id] [user id] [permission code]",
		Short: "Check permission",
		Long:  `check prints whether the user has the permission in the room, and why not.`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := types.ParsePermissionCode(args[2])
			if err != nil {
				return err
			}
			decision, reason := resolver().Check(cmd.Context(), args[0], args[1], code)
			fmt.Printf("%s (%s)\n", decision, reason)
			return nil
		},
	}
	var cmdSetPermission = &cobra.Command{
		Use:   "set-permission [member id] [permission code] [grant|deny]",
		Short: "Set member permission",
		Long:  `set-permission grants or denies a permission to one member, overriding the member's role.`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := types.ParsePermissionCode(args[1])
			if err != nil {
				return err
			}
			return persister.SetMemberPermission(cmd.Context(), args[0], code, types.Disposition(args[2]))
		},
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "delete-room [room id]",
		Short: "Delete room",
		Long:  `delete-room removes the room with the given id, its roles and its members.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := persister.DeleteRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return types.ErrNotFound
			}
			return nil
		},
	}
	var cmdDispatch = &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatcher cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			publisher, err := outbox.NewPublisher(globalConfig, globals.AppLogger)
			if err != nil {
				return err
			}
			defer publisher.Close()
			d, err := outbox.NewDispatcher(persister, publisher, outbox.Options{BatchSize: globalConfig.OutboxConfig.BatchSize}, globals.AppLogger)
			if err != nil {
				return err
			}
			stats, err := d.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	var cmdClean = &cobra.Command{
		Use:   "clean",
		Short: "Delete failed outbox events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := outbox.NewCleaner(persister, globalConfig.OutboxConfig.BatchSize, globals.AppLogger)
			if err != nil {
				return err
			}
			deleted, err := c.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d failed events\n", deleted)
			return nil
		},
	}

	var rootCmd = &cobra.Command{
		Use:          "lightspeed-rooms-admin",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			globalConfig, err = config.ReadConfiguration(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
			registry, err = globalConfig.RoleRegistry()
			if err != nil {
				return err
			}
			persister, err = persistence.NewGormPersister(globalConfig)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return persister.Close()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(config.GetFlagSet())

	for _, c := range []*cobra.Command{cmdShowRooms, cmdShowMembers, cmdShowOutbox} {
		c.Flags().IntVar(&limit, "limit", 50, "page size")
		c.Flags().IntVar(&page, "page", 1, "page (1-based)")
	}
	cmdShowOutbox.Flags().StringSliceVar(&statuses, "status", []string{"new", "pending", "failed"}, "event statuses")
	cmdCreate.Flags().StringVar(&creatorId, "creator", "", "user id of the creator (required)")
	_ = cmdCreate.MarkFlagRequired("creator")
	cmdAddMembers.Flags().StringVar(&actorId, "actor", "", "user id of the acting member (required)")
	_ = cmdAddMembers.MarkFlagRequired("actor")

	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowMembers, cmdShowOutbox, cmdShowRoles)
	rootCmd.AddCommand(cmdSeed, cmdShow, cmdCreate, cmdAddMembers, cmdCheck, cmdSetPermission, cmdDeleteRoom, cmdDispatch, cmdClean)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
