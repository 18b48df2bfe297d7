package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bigbag/iapboot/internal/config"
	"github.com/bigbag/iapboot/internal/detect"
	"github.com/bigbag/iapboot/internal/flasher"
	"github.com/bigbag/iapboot/internal/ota"
	"github.com/bigbag/iapboot/internal/serial"
	"github.com/bigbag/iapboot/internal/target"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serveReadTimeout is the idle gap that ends a received chunk.
const serveReadTimeout = 5 * time.Millisecond

var (
	configFlag   string
	logLevelFlag string
	portFlag     string
	baudFlag     int
	resetFlag    bool

	internalFlag string
	externalFlag string
	eepromFlag   string

	slotFlag       int
	directFlag     bool
	commitFlag     bool
	versionTagFlag string
	scanFlag       bool

	cfg config.Config
	log = logrus.New()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "iapboot",
		Short: "Serial IAP loader and uploader",
		Long: `iapboot runs a serial in-application-programming loader against
simulated board storage, and uploads firmware to such a loader over Xmodem-CRC.

The loader keeps an update record (flag, per-slot image lengths, version tag),
stages images in external flash slots and installs them into the execution
region of internal flash.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the loader on a serial port",
		Long: `Run the loader on a serial port with file-backed storage.

Missing image files are created erased. Without a file the device is kept in
memory. The command returns when the loader starts the application.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	addPortFlags(serveCmd)
	addStorageFlags(serveCmd)

	sendCmd := &cobra.Command{
		Use:   "send <firmware.bin>",
		Short: "Upload firmware to a loader",
		Long: `Upload firmware to a loader over Xmodem-CRC.

By default the image goes to external slot 1. Use --commit to install it
afterwards, or --direct to write the execution region straight away.`,
		Args: cobra.ExactArgs(1),
		RunE: runSend,
	}
	addPortFlags(sendCmd)
	sendCmd.Flags().IntVar(&slotFlag, "slot", 1, "External slot (1-9)")
	sendCmd.Flags().BoolVar(&directFlag, "direct", false, "Write the execution region directly")
	sendCmd.Flags().BoolVar(&commitFlag, "commit", false, "Install the slot after the upload")
	sendCmd.Flags().StringVar(&versionTagFlag, "version-tag", "", "Version tag to store before the upload")

	stageCmd := &cobra.Command{
		Use:   "stage <firmware.bin>",
		Short: "Stage an update in slot 0 of the storage images",
		Long: `Write firmware into slot 0 of the external image and set the update
flag, as a running application does. The loader installs it on the next boot.`,
		Args: cobra.ExactArgs(1),
		RunE: runStage,
	}
	addStorageFlags(stageCmd)

	setVersionCmd := &cobra.Command{
		Use:   "set-version <tag>",
		Short: "Store the version tag",
		Args:  cobra.ExactArgs(1),
		RunE:  runSetVersion,
	}
	addPortFlags(setVersionCmd)

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show loader info",
		Long: `Show the update record. With --eeprom the record is read from the
image file; otherwise the loader on the serial port is queried.`,
		RunE: runInfo,
	}
	addPortFlags(infoCmd)
	infoCmd.Flags().StringVar(&eepromFlag, "eeprom", "", "EEPROM image file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("iapboot %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rebootCmd := &cobra.Command{
		Use:   "reboot",
		Short: "Restart the board through the loader menu",
		Args:  cobra.NoArgs,
		RunE:  runReboot,
	}
	addPortFlags(rebootCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Long: `List available serial ports. With --scan every port is opened and
only those with a loader prompt are shown.`,
		RunE: runList,
	}
	listCmd.Flags().BoolVar(&scanFlag, "scan", false, "Open each port and look for the loader prompt")
	listCmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate")
	listCmd.Flags().BoolVar(&resetFlag, "reset", true, "Pulse RTS to restart each board first")

	rootCmd.AddCommand(serveCmd, sendCmd, stageCmd, setVersionCmd, infoCmd, rebootCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addPortFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate")
	cmd.Flags().BoolVar(&resetFlag, "reset", true, "Pulse RTS to restart the board first")
}

func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&internalFlag, "internal", "", "Internal flash image file")
	cmd.Flags().StringVar(&externalFlag, "external", "", "External flash image file")
	cmd.Flags().StringVar(&eepromFlag, "eeprom", "", "EEPROM image file")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configFlag)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevelFlag
	}
	if flags.Changed("port") {
		cfg.Port = portFlag
	}
	if flags.Changed("baud") {
		cfg.Baud = baudFlag
	}
	if flags.Changed("internal") {
		cfg.Storage.InternalImage = internalFlag
	}
	if flags.Changed("external") {
		cfg.Storage.ExternalImage = externalFlag
	}
	if flags.Changed("eeprom") {
		cfg.Storage.EEPROMImage = eepromFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := cfg.Level()
	log.SetLevel(level)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg.Port == "" {
		return errors.New("serve needs --port")
	}

	dev, err := target.OpenDevices(cfg.Storage, cfg.FlashLayout())
	if err != nil {
		return err
	}
	defer dev.Close()

	port, err := serial.Open(cfg.Port, cfg.Baud)
	if err != nil {
		return err
	}
	defer port.Close()
	if err := port.SetReadTimeout(serveReadTimeout); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Loader running on %s @ %d baud\n", cfg.Port, cfg.Baud)
	err = target.Run(ctx, port, dev, cfg, log)
	if errors.Is(err, context.Canceled) {
		fmt.Println("Stopped")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("Application started")
	return nil
}

// detectLoader finds the loader prompt. Without --port every port is tried.
// A given port is only checked when the board can be reset, since an
// already running loader prints nothing.
func detectLoader() (*detect.Result, error) {
	if cfg.Port == "" {
		fmt.Println("Detecting loader...")
		result, err := detect.DetectDevice(cfg.Baud, resetFlag)
		if err != nil {
			return nil, fmt.Errorf("loader detection failed: %w", err)
		}
		return result, nil
	}
	if !resetFlag {
		return nil, nil
	}

	fmt.Printf("Checking %s for the loader...\n", cfg.Port)
	result, err := detect.DetectOnPort(cfg.Port, cfg.Baud, resetFlag)
	if err != nil {
		return nil, fmt.Errorf("no loader on %s: %w", cfg.Port, err)
	}
	return result, nil
}

// connect opens the loader port and enters the menu.
func connect() (*serial.Port, *flasher.Flasher, error) {
	portName := cfg.Port
	key := cfg.Key()

	result, err := detectLoader()
	if err != nil {
		return nil, nil, err
	}
	if result != nil {
		portName = result.Port
		key = result.Key
		fmt.Printf("Found loader on %s (key '%c', %s window)\n", result.Port, result.Key, result.Timeout)
	}

	port, err := serial.Open(portName, cfg.Baud)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open port: %w", err)
	}

	fmt.Printf("Port: %s @ %d baud\n", port.PortName(), port.BaudRate())

	if resetFlag {
		if err := port.HardReset(); err != nil {
			port.Close()
			return nil, nil, fmt.Errorf("failed to reset: %w", err)
		}
	}

	f := flasher.New(port)
	f.SetInterruptKey(key)
	f.SetLogger(log)

	fmt.Println("Entering loader menu...")
	if err := f.Enter(); err != nil {
		port.Close()
		return nil, nil, err
	}
	return port, f, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	firmwarePath := args[0]
	if directFlag && commitFlag {
		return errors.New("--direct and --commit are exclusive")
	}

	firmware, err := os.ReadFile(firmwarePath)
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}
	if versionTagFlag != "" {
		if _, err := ota.ParseVersion([]byte(versionTagFlag)); err != nil {
			return err
		}
	}

	fmt.Printf("Firmware: %s (%d bytes)\n", firmwarePath, len(firmware))

	port, f, err := connect()
	if err != nil {
		return err
	}
	defer port.Close()

	if versionTagFlag != "" {
		if err := f.SetVersion(versionTagFlag); err != nil {
			return err
		}
		fmt.Printf("Version: %s\n", versionTagFlag)
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar := progressbar.NewOptions(0,
			progressbar.OptionSetDescription("Sending"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(100),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		f.SetProgressCallback(func(current, total int) {
			bar.ChangeMax(total)
			bar.Set(current)
		})
		defer bar.Finish()
	}

	if directFlag {
		fmt.Println("\nWriting execution region...")
		if err := f.DownloadDirect(firmware); err != nil {
			return err
		}
		fmt.Println("\nDone, loader is rebooting")
		return nil
	}

	fmt.Printf("\nWriting slot %d...\n", slotFlag)
	if err := f.DownloadToSlot(slotFlag, firmware); err != nil {
		return err
	}
	fmt.Println("\nUpload complete!")

	if commitFlag {
		fmt.Printf("Installing slot %d...\n", slotFlag)
		if err := f.UseSlot(slotFlag); err != nil {
			return err
		}
		fmt.Println("Done, loader is rebooting")
	}
	return nil
}

func runStage(cmd *cobra.Command, args []string) error {
	firmware, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}

	dev, err := target.OpenDevices(cfg.Storage, cfg.FlashLayout())
	if err != nil {
		return err
	}
	defer dev.Close()

	rec, err := target.StageUpdate(dev, firmware)
	if err != nil {
		return err
	}
	fmt.Printf("Staged %d bytes in slot 0, update flag set\n", rec.SlotLength(0))
	return nil
}

func runSetVersion(cmd *cobra.Command, args []string) error {
	if _, err := ota.ParseVersion([]byte(args[0])); err != nil {
		return err
	}

	port, f, err := connect()
	if err != nil {
		return err
	}
	defer port.Close()

	if err := f.SetVersion(args[0]); err != nil {
		return err
	}
	fmt.Printf("Version set: %s\n", args[0])
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	if cfg.Storage.EEPROMImage != "" {
		dev, err := target.OpenDevices(config.Storage{EEPROMImage: cfg.Storage.EEPROMImage}, cfg.FlashLayout())
		if err != nil {
			return err
		}
		defer dev.Close()

		rec, err := dev.Store().Load()
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	}

	port, f, err := connect()
	if err != nil {
		return err
	}
	defer port.Close()

	v, err := f.Version()
	if err != nil {
		return err
	}
	if v == "" {
		v = "not set"
	}
	fmt.Printf("  Port:     %s\n", port.PortName())
	fmt.Printf("  Version:  %s\n", v)
	return nil
}

func printRecord(rec ota.Record) {
	v := rec.VersionString()
	if v == "" {
		v = "not set"
	}
	fmt.Printf("  Update:   %v (flag 0x%08X)\n", rec.UpdatePending(), rec.Flag)
	fmt.Printf("  Version:  %s\n", v)
	for slot, n := range rec.SlotLengths {
		if n != 0 {
			fmt.Printf("  Slot %-2d   %d bytes\n", slot, n)
		}
	}
}

func runReboot(cmd *cobra.Command, args []string) error {
	port, f, err := connect()
	if err != nil {
		return err
	}
	defer port.Close()

	if err := f.Reboot(); err != nil {
		return err
	}
	fmt.Println("Loader is rebooting")
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	if scanFlag {
		return listLoaders()
	}

	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}

func listLoaders() error {
	fmt.Println("Looking for loaders...")
	results, err := detect.ListDevices(cfg.Baud, resetFlag)
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No loaders found")
		return nil
	}

	fmt.Println("Loaders:")
	for _, r := range results {
		fmt.Printf("  %s  key '%c', %s window\n", r.Port, r.Key, r.Timeout)
	}
	return nil
}
