// Command lscli is a provisioning tool for operators: it creates
// networks, profiles, and devices directly against the store, without
// going through the gateway ingestion path.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/lorawan-server/framengine/internal/config"
	"github.com/lorawan-server/framengine/internal/models"
	"github.com/lorawan-server/framengine/internal/storage"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

func main() {
	configPath := flag.String("config", "config/network-server.yml", "path to configuration file")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lscli: load config: %v\n", err)
		os.Exit(1)
	}
	store, err := storage.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lscli: connect: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	var runErr error
	switch args[0] {
	case "network":
		runErr = runNetwork(ctx, store, args[1:])
	case "profile":
		runErr = runProfile(ctx, store, args[1:])
	case "device":
		runErr = runDevice(ctx, store, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "lscli: %v\n", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: lscli [-config path] <network|profile|device> add [flags]`)
}

func runNetwork(ctx context.Context, store storage.Store, args []string) error {
	if len(args) < 1 || args[0] != "add" {
		return fmt.Errorf("expected 'add'")
	}
	fs := flag.NewFlagSet("network add", flag.ExitOnError)
	name := fs.String("name", "", "network name")
	netID := fs.String("netid", "000000", "3-byte NetID, hex")
	region := fs.String("region", "EU868", "region code")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	var n lorawan.NetID
	if err := n.UnmarshalText([]byte(*netID)); err != nil {
		return fmt.Errorf("parse netid: %w", err)
	}
	network := &models.Network{
		BaseModel: models.BaseModel{ID: uuid.New()},
		Name:      *name,
		NetID:     n,
		Region:    *region,
	}
	if err := store.PutNetwork(ctx, network); err != nil {
		return fmt.Errorf("put network: %w", err)
	}
	fmt.Println(network.ID)
	return nil
}

func runProfile(ctx context.Context, store storage.Store, args []string) error {
	if len(args) < 1 || args[0] != "add" {
		return fmt.Errorf("expected 'add'")
	}
	fs := flag.NewFlagSet("profile add", flag.ExitOnError)
	network := fs.String("network", "", "owning network name")
	canJoin := fs.Bool("can-join", true, "allow OTAA join")
	fcntCheck := fs.Uint("fcnt-check", 0, "0=strict16 1=strict32 2=reset-allowed 3=disabled")
	rx1Delay := fs.Uint("rx1-delay", 1, "RX1 delay in seconds")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	profile := &models.Profile{
		BaseModel: models.BaseModel{ID: uuid.New()},
		Network:   *network,
		CanJoin:   *canJoin,
		FCntCheck: models.FCntCheckMode(*fcntCheck),
		RX1Delay:  uint8(*rx1Delay),
	}
	if err := store.PutProfile(ctx, profile); err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	fmt.Println(profile.ID)
	return nil
}

func runDevice(ctx context.Context, store storage.Store, args []string) error {
	if len(args) < 1 || args[0] != "add" {
		return fmt.Errorf("expected 'add'")
	}
	fs := flag.NewFlagSet("device add", flag.ExitOnError)
	devEUI := fs.String("dev-eui", "", "8-byte DevEUI, hex")
	appEUI := fs.String("app-eui", "", "8-byte AppEUI, hex (optional)")
	appKey := fs.String("app-key", "", "16-byte AppKey, hex")
	profile := fs.String("profile", "", "owning profile ID")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	var eui lorawan.EUI64
	if err := eui.UnmarshalText([]byte(*devEUI)); err != nil {
		return fmt.Errorf("parse dev-eui: %w", err)
	}
	var key lorawan.AES128Key
	if err := key.UnmarshalText([]byte(*appKey)); err != nil {
		return fmt.Errorf("parse app-key: %w", err)
	}
	profileID, err := uuid.Parse(*profile)
	if err != nil {
		return fmt.Errorf("parse profile id: %w", err)
	}
	device := &models.Device{
		DevEUI:    eui,
		AppKey:    key,
		ProfileID: profileID,
	}
	if *appEUI != "" {
		var a lorawan.EUI64
		if err := a.UnmarshalText([]byte(*appEUI)); err != nil {
			return fmt.Errorf("parse app-eui: %w", err)
		}
		device.AppEUI = &a
	}
	if err := store.PutDevice(ctx, device); err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	fmt.Println(device.DevEUI)
	return nil
}
