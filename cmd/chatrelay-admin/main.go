package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// A very simple CLI tool for the administration of chatrelay rooms, users
// and groups.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	tenant     = pflag.StringP("tenant", "t", "", "tenant discriminator (multitenant deployments)")
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	store, err := persistence.NewStore(globalConfig)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	scope := types.Scope{
		Tenant:      *tenant,
		Multitenant: globalConfig.Multitenant,
	}
	ctx := context.Background()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms, users, groups or messages",
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
		},
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show all rooms",
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := store.GetRooms(ctx, scope)
			if err != nil {
				fail(err)
			}
			dump(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show a single room including its effective member ids",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := store.GetRoom(ctx, scope, args[0])
			if err != nil {
				fail(err)
			}
			members, err := store.MemberIDs(ctx, scope, args[0])
			if err != nil {
				fail(err)
			}
			dump(struct {
				*types.Room
				MemberIds []string `json:"member_ids"`
			}{room, members})
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "Show all users",
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			users, err := store.GetUsers(ctx, scope)
			if err != nil {
				fail(err)
			}
			dump(users)
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Show a single user",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := &types.User{Id: args[0]}
			if err := store.GetUser(ctx, scope, user); err != nil {
				fail(err)
			}
			dump(user)
		},
	}
	var messageLimit int
	var cmdShowMessages = &cobra.Command{
		Use:   "messages [room id]",
		Short: "Show the most recent messages of a room, newest first",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			messages, err := store.RecentMessages(ctx, scope, args[0], messageLimit)
			if err != nil {
				fail(err)
			}
			dump(messages)
		},
	}
	cmdShowMessages.Flags().IntVar(&messageLimit, "limit", 20, "maximum number of messages")
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowUsers, cmdShowUser, cmdShowMessages)

	var roomName string
	var roomMembers []string
	var cmdCreateRoom = &cobra.Command{
		Use:   "create-room",
		Short: "Create a room (or find the existing direct room of --members)",
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := store.EnsureDirectRoom(ctx, scope, roomName, roomMembers)
			if err != nil {
				fail(err)
			}
			dump(room)
		},
	}
	cmdCreateRoom.Flags().StringVar(&roomName, "name", "", "display name")
	cmdCreateRoom.Flags().StringSliceVar(&roomMembers, "members", nil, "direct member user ids")

	var userName string
	var cmdCreateUser = &cobra.Command{
		Use:   "create-user [user id]",
		Short: "Create or update a user record",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			name := userName
			if name == "" {
				name = args[0]
			}
			if err := store.StoreUser(ctx, scope, types.User{Id: args[0], Name: name}); err != nil {
				fail(err)
			}
		},
	}
	cmdCreateUser.Flags().StringVar(&userName, "name", "", "display name")

	var groupName string
	var cmdCreateGroup = &cobra.Command{
		Use:   "create-group [group id]",
		Short: "Create or update a user group",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			name := groupName
			if name == "" {
				name = args[0]
			}
			if err := store.StoreGroup(ctx, scope, types.Group{Id: args[0], Name: name}); err != nil {
				fail(err)
			}
		},
	}
	cmdCreateGroup.Flags().StringVar(&groupName, "name", "", "display name")

	var cmdAddMember = &cobra.Command{
		Use:   "add-member [room id] [user id]",
		Short: "Add a direct member to a room",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := store.AddMember(ctx, scope, args[0], args[1]); err != nil {
				fail(err)
			}
		},
	}
	var cmdAddGroupMember = &cobra.Command{
		Use:   "add-group-member [group id] [user id]",
		Short: "Add a user to a group",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := store.AddGroupMember(ctx, scope, args[0], args[1]); err != nil {
				fail(err)
			}
		},
	}
	var cmdAttachGroup = &cobra.Command{
		Use:   "attach-group [room id] [group id]",
		Short: "Attach a group to a room for indirect membership",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := store.AttachGroup(ctx, scope, args[0], args[1]); err != nil {
				fail(err)
			}
		},
	}

	var rootCmd = &cobra.Command{Use: "chatrelay-admin"}
	rootCmd.AddCommand(cmdShow, cmdCreateRoom, cmdCreateUser, cmdCreateGroup, cmdAddMember, cmdAddGroupMember, cmdAttachGroup)
	if err := rootCmd.Execute(); err != nil {
		fail(err)
	}
}

func dump(v interface{}) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(strings.TrimSpace(string(raw)))
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %s\n", err)
	os.Exit(1)
}
