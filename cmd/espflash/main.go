package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/dkaukov/esp-32-flash/internal/discover"
	"github.com/dkaukov/esp-32-flash/internal/protocol"
	"github.com/dkaukov/esp-32-flash/internal/session"
	"github.com/dkaukov/esp-32-flash/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag      string
	baudFlag      int
	flashBaudFlag int
	flashSizeFlag uint32
	noCompress    bool
	noVerify      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "espflash",
		Short: "Program ESP8266/ESP32-family chips over the ROM serial bootloader",
		Long: `espflash drives the Espressif ROM bootloader protocol directly over a
serial port: reset into the bootloader, sync, detect the chip, optionally
load a RAM stub, then write one or more firmware images.`,
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "serial port (auto-detected if omitted)")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", 115200, "initial baud rate, used for reset/sync/detect")

	flashCmd := &cobra.Command{
		Use:   "flash <image:offset>...",
		Short: "Write one or more images to flash",
		Long: `Write one or more images to flash.

Each argument is IMAGE:OFFSET, e.g. firmware.bin:0x10000. Offsets may be
given in hex (0x...) or decimal. All images are written and verified in
the order given, then a single reset is issued at the end.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runFlash,
	}
	flashCmd.Flags().IntVar(&flashBaudFlag, "flash-baud", 0, "baud rate to switch to once the bootloader is stable (0 keeps --baud)")
	flashCmd.Flags().Uint32Var(&flashSizeFlag, "flash-size", protocol.DefaultFlashSize, "flash chip size in bytes, for SPI_SET_PARAMS")
	flashCmd.Flags().BoolVar(&noCompress, "no-compress", false, "disable the deflate write path")
	flashCmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip the post-write MD5 verification phase")

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Identify the chip attached to a port",
		RunE:  runDetect,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("espflash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, detectCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

type imageArg struct {
	path   string
	offset uint32
}

func parseImageArg(s string) (imageArg, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return imageArg{}, fmt.Errorf("%q: expected IMAGE:OFFSET", s)
	}
	offset, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 32)
	if err != nil {
		return imageArg{}, fmt.Errorf("%q: bad offset: %w", s, err)
	}
	return imageArg{path: parts[0], offset: uint32(offset)}, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	var images []session.Image
	for _, arg := range args {
		ia, err := parseImageArg(arg)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(ia.path)
		if err != nil {
			return fmt.Errorf("read %s: %w", ia.path, err)
		}
		fmt.Printf("%s: %d bytes -> 0x%06X\n", ia.path, len(data), ia.offset)
		images = append(images, session.Image{Data: data, Offset: ia.offset})
	}

	s, err := openSession(images)
	if err != nil {
		return err
	}
	defer s.Close()

	if flashBaudFlag != 0 && flashBaudFlag != baudFlag {
		fmt.Printf("Switching to %d baud...\n", flashBaudFlag)
		if err := s.ChangeBaudRate(flashBaudFlag); err != nil {
			return errors.Annotate(err, "change baud rate")
		}
	}

	if err := s.FlashImages(images, !noCompress); err != nil {
		return errors.Trace(err)
	}

	fmt.Println("Resetting device...")
	if err := s.Reset(); err != nil {
		fmt.Printf("warning: reset failed: %v\n", err)
	}
	fmt.Println("Done.")
	return nil
}

// openSession opens the configured (or auto-detected) port and bootstraps
// a Session, wiring a progress bar sized to the total image bytes.
func openSession(images []session.Image) (*session.Session, error) {
	totalBytes := 0
	for _, img := range images {
		totalBytes += len(img.Data)
	}

	bar := progressbar.NewOptions(totalBytes,
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionClearOnFinish(),
	)

	opts := []session.Option{
		session.WithFlashSize(flashSizeFlag),
		session.WithSkipVerify(noVerify),
		session.WithProgress(func(p session.Progress) {
			switch p.Phase {
			case session.PhaseWriting:
				bar.Set(p.BytesWritten)
			case session.PhaseComplete:
				bar.Finish()
			}
		}),
	}

	portName := portFlag
	if portName == "" {
		fmt.Println("Auto-detecting device...")
		s, result, err := discover.First(baudFlag, opts...)
		if err != nil {
			return nil, errors.Trace(err)
		}
		fmt.Printf("Found %s on %s\n", result.Chip, result.Port)
		return s, nil
	}

	t, err := transport.OpenSerial(portName, baudFlag)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	s, err := session.Bootstrap(t, baudFlag, opts...)
	if err != nil {
		t.Close()
		return nil, errors.Trace(err)
	}
	fmt.Printf("Detected %s on %s\n", s.Chip(), portName)
	return s, nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	if portFlag != "" {
		t, err := transport.OpenSerial(portFlag, baudFlag)
		if err != nil {
			return fmt.Errorf("open %s: %w", portFlag, err)
		}
		defer t.Close()
		s, err := session.Bootstrap(t, baudFlag)
		if err != nil {
			return errors.Annotatef(err, "detect on %s", portFlag)
		}
		defer s.Reset()
		fmt.Printf("%s: %s\n", portFlag, s.Chip())
		return nil
	}

	fmt.Println("Scanning serial ports...")
	results, err := discover.Scan(baudFlag)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No device found.")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%s: %s\n", r.Port, r.Chip)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
