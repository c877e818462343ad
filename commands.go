package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"rebelio/history"
	"rebelio/models"
	"rebelio/session"
)

var registerCommand = &cli.Command{
	Name:      "register",
	Usage:     "Register a new account with the relay",
	ArgsUsage: "USERNAME",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "server",
			Usage: "Relay server URL (defaults to server_url from config)",
		},
	},
	Action: cmdRegister,
}

var statusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Show registration and conversation summary",
	Action: cmdStatus,
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Poll for messages until interrupted",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "view",
			Usage: "Routing token of the conversation treated as open",
		},
	},
	Action: cmdRun,
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message",
	ArgsUsage: "RECIPIENT TEXT...",
	Action:    cmdSend,
}

var messagesCommand = &cli.Command{
	Name:      "messages",
	Usage:     "Sync and print the timeline",
	ArgsUsage: "[CONTACT]",
	Action:    cmdMessages,
}

var contactsCommand = &cli.Command{
	Name:  "contacts",
	Usage: "Manage contacts",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List contacts",
			Action: cmdContactsList,
		},
		{
			Name:      "add",
			Usage:     "Add a contact",
			ArgsUsage: "NICKNAME ROUTING_TOKEN",
			Action:    cmdContactsAdd,
		},
		{
			Name:      "rename",
			Usage:     "Rename a contact",
			ArgsUsage: "OLD_NICKNAME NEW_NICKNAME",
			Action:    cmdContactsRename,
		},
		{
			Name:      "remove",
			Usage:     "Remove a contact",
			ArgsUsage: "NICKNAME",
			Action:    cmdContactsRemove,
		},
	},
}

var groupsCommand = &cli.Command{
	Name:  "groups",
	Usage: "Manage groups",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List groups and their members",
			Action: cmdGroupsList,
		},
		{
			Name:      "create",
			Usage:     "Create a group",
			ArgsUsage: "NAME MEMBER...",
			Action:    cmdGroupsCreate,
		},
		{
			Name:      "add",
			Usage:     "Add members to a group",
			ArgsUsage: "GROUP MEMBER...",
			Action:    cmdGroupsAdd,
		},
		{
			Name:      "remove",
			Usage:     "Remove members from a group",
			ArgsUsage: "GROUP MEMBER...",
			Action:    cmdGroupsRemove,
		},
		{
			Name:      "leave",
			Usage:     "Leave a group",
			ArgsUsage: "GROUP",
			Action:    cmdGroupsLeave,
		},
		{
			Name:      "send",
			Usage:     "Send a message to a group",
			ArgsUsage: "GROUP TEXT...",
			Action:    cmdGroupsSend,
		},
	},
}

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "Manage linked devices",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List devices linked to the account",
			Action: cmdDevicesList,
		},
		{
			Name:      "revoke",
			Usage:     "Unlink a device",
			ArgsUsage: "DEVICE_ID",
			Action:    cmdDevicesRevoke,
		},
	},
}

var identityCommand = &cli.Command{
	Name:  "identity",
	Usage: "Move the account between devices",
	Subcommands: []*cli.Command{
		{
			Name:      "export",
			Usage:     "Write the identity to a file (stdout when omitted)",
			ArgsUsage: "[FILE]",
			Action:    cmdIdentityExport,
		},
		{
			Name:      "import",
			Usage:     "Replace the local identity with an exported one",
			ArgsUsage: "FILE",
			Action:    cmdIdentityImport,
		},
	},
}

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "Mark a conversation as read and send read receipts",
	ArgsUsage: "CONTACT",
	Action:    cmdRead,
}

var trustCommand = &cli.Command{
	Name:      "trust",
	Usage:     "Trust a contact's new identity",
	ArgsUsage: "CONTACT",
	Action:    cmdTrust,
}

var clearHistoryCommand = &cli.Command{
	Name:   "clear-history",
	Usage:  "Delete all local message history",
	Action: cmdClearHistory,
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Forget the local account and all its data",
	Action: cmdLogout,
}

func cmdRegister(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a username")
	}
	a := getApp(ctx)
	serverURL := ctx.String("server")
	if serverURL == "" {
		serverURL = a.cfg.ServerURL
	}

	sess, err := a.session()
	if err != nil {
		return err
	}
	if err := sess.Register(ctx.Context, ctx.Args().Get(0), serverURL); err != nil {
		return err
	}

	state := sess.State()
	fmt.Printf("Registered:      %s\n", state.Username)
	fmt.Printf("Server:          %s\n", state.ServerURL)
	fmt.Printf("Routing Token:   %s\n", state.SelfToken)
	return nil
}

func cmdStatus(ctx *cli.Context) error {
	a := getApp(ctx)
	sess, err := a.refreshedSession(ctx.Context)
	if err != nil {
		return err
	}

	state := sess.State()
	fmt.Printf("Device ID:       %s\n", a.cfg.DeviceID)
	fmt.Printf("Config File:     %s\n", a.cfgPath)
	fmt.Printf("Data Directory:  %s\n", a.dataDir)
	fmt.Printf("Database File:   %s\n", a.cfg.DatabaseFile)
	fmt.Printf("History Source:  %s\n", a.cfg.History.Source)
	if !state.Registered {
		fmt.Println("Registered:      no")
		return nil
	}
	fmt.Printf("Registered:      %s\n", state.Username)
	fmt.Printf("Server:          %s\n", state.ServerURL)
	fmt.Printf("Routing Token:   %s\n", state.SelfToken)
	fmt.Printf("Contacts:        %d\n", len(state.Contacts))
	fmt.Printf("Groups:          %d\n", len(state.Groups))
	fmt.Printf("Devices:         %d\n", len(state.Devices))
	fmt.Printf("Messages:        %d\n", len(state.Messages))
	return nil
}

func cmdRun(ctx *cli.Context) error {
	a := getApp(ctx)
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	if view := ctx.String("view"); view != "" {
		sess.SetViewingContact(view)
	}

	if a.cfg.History.Watch {
		watcher, err := history.Watch(a.cfg.History.File, history.DefaultWatchDebounce, a.log, sess.Nudge)
		if err != nil {
			a.log.Warn().Err(err).Msg("History watcher unavailable; relying on polling")
		} else {
			defer watcher.Close()
		}
	}

	fmt.Printf("Status:          polling every %s (press Ctrl+C to stop)\n", a.cfg.PollInterval)
	var lastAlert string
	var lastError string
	for {
		select {
		case <-ctx.Context.Done():
			fmt.Println("Status:          shutting down")
			return nil
		case message, ok := <-sess.Notifications():
			if !ok {
				return nil
			}
			fmt.Printf("[%s] %s: %s\n", formatTimestamp(message.Timestamp), contactLabel(sess.State(), message.Sender), message.Content)
		case state, ok := <-sess.Changes():
			if !ok {
				return nil
			}
			if alert := state.IdentityChangeAlert; alert != nil && alert.ContactID != lastAlert {
				fmt.Printf("Identity of %s (%s) changed; run 'rebelio trust %s' to accept it\n",
					alert.ContactName, alert.ContactID, alert.ContactID)
				lastAlert = alert.ContactID
			} else if alert == nil {
				lastAlert = ""
			}
			if state.Error != "" && state.Error != lastError {
				fmt.Printf("Error: %s\n", state.Error)
			}
			lastError = state.Error
		}
	}
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a recipient and a message")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}

	recipient := resolveContact(sess.State(), ctx.Args().Get(0))
	text := strings.Join(ctx.Args().Slice()[1:], " ")
	if err := sess.SendMessage(ctx.Context, recipient, text); err != nil {
		if alert := sess.State().IdentityChangeAlert; alert != nil {
			return fmt.Errorf("identity of %s changed; run 'rebelio trust %s' and retry", alert.ContactName, alert.ContactID)
		}
		return err
	}

	fmt.Printf("Message sent to %s\n", contactLabel(sess.State(), recipient))
	return nil
}

func cmdMessages(ctx *cli.Context) error {
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	if err := sess.SyncNow(ctx.Context); err != nil {
		return err
	}

	state := sess.State()
	filter := ""
	if ctx.NArg() > 0 {
		filter = resolveContact(state, ctx.Args().Get(0))
	}
	for _, message := range state.Messages {
		if filter != "" && !belongsTo(message, filter) {
			continue
		}
		printMessage(state, message)
	}
	if alert := state.IdentityChangeAlert; alert != nil {
		fmt.Printf("Identity of %s (%s) changed; run 'rebelio trust %s' to accept it\n",
			alert.ContactName, alert.ContactID, alert.ContactID)
	}
	for token, count := range state.UnreadCounts {
		fmt.Printf("Unread from %s: %d\n", contactLabel(state, token), count)
	}
	return nil
}

func cmdContactsList(ctx *cli.Context) error {
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	contacts := sess.State().Contacts
	if len(contacts) == 0 {
		fmt.Println("No contacts")
		return nil
	}
	for _, contact := range contacts {
		fmt.Printf("%-20s %s\n", contact.Nickname, contact.RoutingToken)
	}
	return nil
}

func cmdContactsAdd(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a nickname and a routing token")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	if err := sess.AddContact(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1)); err != nil {
		return err
	}
	fmt.Printf("Contact '%s' added\n", ctx.Args().Get(0))
	return nil
}

func cmdContactsRename(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify the old and new nickname")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}

	oldNickname, newNickname := ctx.Args().Get(0), ctx.Args().Get(1)
	token := ""
	for _, contact := range sess.State().Contacts {
		if contact.Nickname == oldNickname {
			token = contact.RoutingToken
			break
		}
	}
	if token == "" {
		return fmt.Errorf("no contact named '%s'", oldNickname)
	}
	if err := sess.RenameContact(ctx.Context, oldNickname, newNickname, token); err != nil {
		return err
	}
	fmt.Printf("Contact '%s' renamed to '%s'\n", oldNickname, newNickname)
	return nil
}

func cmdContactsRemove(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a nickname")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	if err := sess.RemoveContact(ctx.Context, ctx.Args().Get(0)); err != nil {
		return err
	}
	fmt.Printf("Contact '%s' removed\n", ctx.Args().Get(0))
	return nil
}

func cmdGroupsList(ctx *cli.Context) error {
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	state := sess.State()
	if len(state.Groups) == 0 {
		fmt.Println("No groups")
		return nil
	}
	for _, group := range state.Groups {
		members := make([]string, 0, len(group.Members))
		for _, member := range group.Members {
			members = append(members, contactLabel(state, member))
		}
		fmt.Printf("%-20s %s [%s]\n", group.Name, group.ID, strings.Join(members, ", "))
	}
	return nil
}

func cmdGroupsCreate(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a name and at least one member")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	name := ctx.Args().Get(0)
	groupID, err := sess.CreateGroup(ctx.Context, name, resolveContacts(sess.State(), ctx.Args().Slice()[1:]))
	if err != nil {
		return err
	}
	fmt.Printf("Group '%s' created: %s\n", name, groupID)
	return nil
}

func cmdGroupsAdd(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a group and at least one member")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	state := sess.State()
	groupID := resolveContact(state, ctx.Args().Get(0))
	if err := sess.AddGroupMembers(ctx.Context, groupID, resolveContacts(state, ctx.Args().Slice()[1:])); err != nil {
		return err
	}
	fmt.Printf("Members added to %s\n", contactLabel(sess.State(), groupID))
	return nil
}

func cmdGroupsRemove(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a group and at least one member")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	state := sess.State()
	groupID := resolveContact(state, ctx.Args().Get(0))
	if err := sess.RemoveGroupMembers(ctx.Context, groupID, resolveContacts(state, ctx.Args().Slice()[1:])); err != nil {
		return err
	}
	fmt.Printf("Members removed from %s\n", contactLabel(sess.State(), groupID))
	return nil
}

func cmdGroupsLeave(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a group")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	groupID := resolveContact(sess.State(), ctx.Args().Get(0))
	label := contactLabel(sess.State(), groupID)
	if err := sess.LeaveGroup(ctx.Context, groupID); err != nil {
		return err
	}
	fmt.Printf("Left %s\n", label)
	return nil
}

func cmdGroupsSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a group and a message")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}

	groupID := resolveContact(sess.State(), ctx.Args().Get(0))
	text := strings.Join(ctx.Args().Slice()[1:], " ")
	if err := sess.SendGroupMessage(ctx.Context, groupID, text); err != nil {
		if alert := sess.State().IdentityChangeAlert; alert != nil {
			return fmt.Errorf("identity of %s changed; run 'rebelio trust %s' and retry", alert.ContactName, alert.ContactID)
		}
		return err
	}
	fmt.Printf("Message sent to %s\n", contactLabel(sess.State(), groupID))
	return nil
}

func cmdDevicesList(ctx *cli.Context) error {
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	for _, device := range sess.State().Devices {
		marker := ""
		if device.Current {
			marker = " (this device)"
		}
		fmt.Printf("%s  %-12s linked %s%s\n", device.ID, device.Name, formatTimestamp(device.CreatedAt), marker)
	}
	return nil
}

func cmdDevicesRevoke(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a device ID")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	if err := sess.RevokeDevice(ctx.Context, ctx.Args().Get(0)); err != nil {
		return err
	}
	fmt.Printf("Device %s revoked\n", ctx.Args().Get(0))
	return nil
}

func cmdIdentityExport(ctx *cli.Context) error {
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	data, err := sess.ExportIdentity(ctx.Context)
	if err != nil {
		return err
	}
	if ctx.NArg() == 0 {
		fmt.Println(data)
		return nil
	}
	path := ctx.Args().Get(0)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	fmt.Printf("Identity written to %s; keep it secret\n", path)
	return nil
}

func cmdIdentityImport(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify an identity file")
	}
	data, err := os.ReadFile(ctx.Args().Get(0))
	if err != nil {
		return fmt.Errorf("read identity file: %w", err)
	}
	sess, err := getApp(ctx).session()
	if err != nil {
		return err
	}
	if err := sess.ImportIdentity(ctx.Context, strings.TrimSpace(string(data))); err != nil {
		return err
	}
	fmt.Printf("Identity of %s imported\n", sess.State().Username)
	return nil
}

func cmdRead(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a contact")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}
	if err := sess.SyncNow(ctx.Context); err != nil {
		return err
	}

	token := resolveContact(sess.State(), ctx.Args().Get(0))
	sess.MarkAsRead(token)
	fmt.Printf("Conversation with %s marked as read\n", contactLabel(sess.State(), token))
	return nil
}

func cmdTrust(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a contact")
	}
	sess, err := requiresRegistration(ctx)
	if err != nil {
		return err
	}

	token := resolveContact(sess.State(), ctx.Args().Get(0))
	if err := sess.TrustNewIdentity(ctx.Context, token); err != nil {
		return err
	}
	fmt.Printf("New identity of %s trusted\n", contactLabel(sess.State(), token))
	return nil
}

func cmdClearHistory(ctx *cli.Context) error {
	sess, err := getApp(ctx).refreshedSession(ctx.Context)
	if err != nil {
		return err
	}
	if err := sess.ClearHistory(ctx.Context); err != nil {
		fmt.Printf("Warning: history partially cleared: %v\n", err)
		return nil
	}
	fmt.Println("History cleared")
	return nil
}

func cmdLogout(ctx *cli.Context) error {
	sess, err := getApp(ctx).session()
	if err != nil {
		return err
	}
	if err := sess.Logout(ctx.Context); err != nil {
		if errors.Is(err, session.ErrClosed) {
			return err
		}
		fmt.Printf("Warning: logout left some files behind: %v\n", err)
		return nil
	}
	fmt.Println("Logged out")
	return nil
}

// resolveContact maps a nickname or group name to its routing token; anything
// else is taken as a routing token already.
func resolveContact(state session.AppState, nameOrToken string) string {
	for _, contact := range state.Contacts {
		if contact.Nickname == nameOrToken {
			return contact.RoutingToken
		}
	}
	for _, group := range state.Groups {
		if group.Name == nameOrToken {
			return group.ID
		}
	}
	return nameOrToken
}

func contactLabel(state session.AppState, token string) string {
	for _, contact := range state.Contacts {
		if contact.RoutingToken == token {
			return contact.Nickname
		}
	}
	for _, group := range state.Groups {
		if group.ID == token {
			return "#" + group.Name
		}
	}
	return token
}

func resolveContacts(state session.AppState, names []string) []string {
	tokens := make([]string, 0, len(names))
	for _, name := range names {
		tokens = append(tokens, resolveContact(state, name))
	}
	return tokens
}

func belongsTo(message models.Message, token string) bool {
	if message.Sender == token {
		return true
	}
	recipient, ok := models.RecipientOf(message.Sender)
	return ok && recipient == token
}

func printMessage(state session.AppState, message models.Message) {
	if message.IsOutgoing() {
		to := "?"
		if recipient, ok := models.RecipientOf(message.Sender); ok {
			to = contactLabel(state, recipient)
		}
		fmt.Printf("[%s] me -> %s: %s (%s)\n", formatTimestamp(message.Timestamp), to, message.Content, message.Status)
		return
	}
	fmt.Printf("[%s] %s: %s\n", formatTimestamp(message.Timestamp), contactLabel(state, message.Sender), message.Content)
}

func formatTimestamp(seconds int64) string {
	return time.Unix(seconds, 0).Format(time.DateTime)
}
