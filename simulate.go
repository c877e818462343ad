package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"rebelio/models"
)

// simulate drives the other end of conversations held by the loopback store.
var simulateCommand = &cli.Command{
	Name:  "simulate",
	Usage: "Act as a remote peer against the local loopback engine",
	Subcommands: []*cli.Command{
		{
			Name:      "incoming",
			Usage:     "Queue an incoming message",
			ArgsUsage: "SENDER_TOKEN TEXT",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "id",
					Usage: "Message ID; reusing an existing ID redelivers it",
				},
			},
			Action: cmdSimulateIncoming,
		},
		{
			Name:      "status",
			Usage:     "Report a delivery or read receipt for a sent message",
			ArgsUsage: "MESSAGE_ID delivered|read",
			Action:    cmdSimulateStatus,
		},
		{
			Name:      "rotate",
			Usage:     "Make a peer present a new identity",
			ArgsUsage: "PEER_TOKEN",
			Action:    cmdSimulateRotate,
		},
		{
			Name:      "link-device",
			Usage:     "Link another installation to the account",
			ArgsUsage: "NAME",
			Action:    cmdSimulateLinkDevice,
		},
	},
}

func cmdSimulateIncoming(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a sender token and a message")
	}
	message, err := getApp(ctx).store.DeliverIncoming(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1), ctx.String("id"))
	if err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}
	fmt.Printf("Queued message %s from %s\n", message.ID, message.Sender)
	return nil
}

func cmdSimulateStatus(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a message ID and a status")
	}
	status, err := models.ParseStatus(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	if err := getApp(ctx).store.AdvanceStatus(ctx.Context, ctx.Args().Get(0), status); err != nil {
		return fmt.Errorf("failed to record receipt: %w", err)
	}
	fmt.Printf("Message %s is now %s\n", ctx.Args().Get(0), status)
	return nil
}

func cmdSimulateRotate(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a peer token")
	}
	fingerprint, err := getApp(ctx).store.RotateIdentity(ctx.Context, ctx.Args().Get(0))
	if err != nil {
		return fmt.Errorf("failed to rotate identity: %w", err)
	}
	fmt.Printf("Peer %s now presents identity %s\n", ctx.Args().Get(0), fingerprint)
	return nil
}

func cmdSimulateLinkDevice(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a device name")
	}
	deviceID, err := getApp(ctx).store.LinkDevice(ctx.Context, ctx.Args().Get(0))
	if err != nil {
		return fmt.Errorf("failed to link device: %w", err)
	}
	fmt.Printf("Linked device %s as %s\n", ctx.Args().Get(0), deviceID)
	return nil
}
