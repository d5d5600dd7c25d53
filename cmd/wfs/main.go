// wfs reads console WFS filesystem images.
//
// Usage:
//
//	wfs <command> [flags] [args]
//
// Commands: info, ls, cat, extract, check, keys, recover.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/rstms/wfs"
	"github.com/rstms/wfs/config"
	"github.com/rstms/wfs/image"
	"github.com/rstms/wfs/keys"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name    string
	args    string
	summary string
	run     func(c *cli, args []string) error
}

var commands = []command{
	{"info", "", "show device and root area parameters", runInfo},
	{"ls", "[PATH]", "list a directory", runList},
	{"cat", "PATH", "write a file to stdout", runCat},
	{"extract", "DIR", "copy every entry to DIR and write a BLAKE3 manifest", runExtract},
	{"check", "", "verify hashes and allocator bitmaps", runCheck},
	{"keys", "", "print the keys derived from --otp and --seeprom", runKeys},
	{"recover", "", "scan the image for area headers", runRecover},
}

// cli holds the state shared by every command.
type cli struct {
	flags  *pflag.FlagSet
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	cfg    *config.Config

	configFile string
	imageFile  string
	keyHex     string
	otp        string
	seeprom    string
	keyType    string
	logLevel   string
	recover    bool
	writable   bool

	long      bool
	recursive bool
	dump      bool
	manifest  string
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		return nil
	}
	i := slices.IndexFunc(commands, func(c command) bool { return c.name == args[0] })
	if i < 0 {
		usage(stderr)
		return Fatalf("unknown command: %s", args[0])
	}
	cmd := commands[i]
	c := cli{stdout: stdout, stderr: stderr}
	c.flags = pflag.NewFlagSet("wfs "+cmd.name, pflag.ContinueOnError)
	c.flags.SetOutput(stderr)
	c.addFlags(cmd.name)
	if err := c.flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := c.configure(); err != nil {
		return err
	}
	return cmd.run(&c, c.flags.Args())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: wfs <command> [flags] [args]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %-7s %s\n", c.name, c.args, c.summary)
	}
	fmt.Fprintf(w, "\nrun 'wfs <command> --help' for the flags of a command\n")
}

func (c *cli) addFlags(name string) {
	f := c.flags
	f.StringVarP(&c.configFile, "config", "c", "", "YAML config file (default $"+config.EnvConfig+")")
	f.StringVarP(&c.imageFile, "image", "i", "", "image file or block device")
	f.StringVar(&c.keyHex, "key", "", "device key as 32 hex digits")
	f.StringVar(&c.otp, "otp", "", "OTP dump file")
	f.StringVar(&c.seeprom, "seeprom", "", "SEEPROM dump file")
	f.StringVar(&c.keyType, "key-type", "", "key derivation: auto, mlc, usb or none")
	f.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error")
	f.BoolVar(&c.recover, "recover", false, "scan for area headers when the superblock is damaged")
	f.BoolVar(&c.writable, "writable", false, "open the image for writing")
	switch name {
	case "ls":
		f.BoolVarP(&c.long, "long", "l", false, "long listing")
		f.BoolVarP(&c.recursive, "recursive", "R", false, "list subdirectories")
	case "info":
		f.BoolVar(&c.dump, "dump", false, "dump the raw headers")
	case "extract":
		f.StringVarP(&c.manifest, "manifest", "m", "", "manifest file, - for stdout (default DIR.manifest.yaml)")
	}
}

// configure loads the config file and applies flag overrides.
func (c *cli) configure() error {
	var err error
	switch {
	case c.configFile != "":
		c.cfg, err = config.LoadFile(c.configFile)
	default:
		c.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	cfg := c.cfg
	if c.flags.Changed("image") {
		cfg.Image = c.imageFile
	}
	if c.flags.Changed("key") {
		cfg.Key.Hex = c.keyHex
	}
	if c.flags.Changed("otp") {
		cfg.Key.OTP = c.otp
	}
	if c.flags.Changed("seeprom") {
		cfg.Key.SEEPROM = c.seeprom
	}
	if c.flags.Changed("key-type") {
		cfg.Key.Type = config.KeyType(c.keyType)
	}
	if c.flags.Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if c.flags.Changed("recover") {
		cfg.Recover = c.recover
	}
	if c.flags.Changed("writable") {
		cfg.ReadOnly = !c.writable
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	c.logger = slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

func (c *cli) openImage() (*image.Image, error) {
	if c.cfg.Image == "" {
		return nil, Fatalf("no image; use --image or set image in the config file")
	}
	opts, err := c.cfg.ImageOptions(c.logger)
	if err != nil {
		return nil, err
	}
	return image.OpenImageWithOptions(c.cfg.Image, opts)
}

func runInfo(c *cli, args []string) error {
	i, err := c.openImage()
	if err != nil {
		return err
	}
	defer i.Close()
	info, err := i.Info()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		value := info[name]
		switch v := value.(type) {
		case int64:
			value = fmt.Sprintf("%d (%s)", v, humanize.IBytes(uint64(v)))
		case uint32:
			if name == "block_size" || name == "sector_size" {
				value = humanize.IBytes(uint64(v))
			}
		}
		fmt.Fprintf(c.stdout, "%-18s %v\n", name, value)
	}
	if c.dump {
		dev := i.Device()
		root, err := dev.RootArea()
		if err != nil {
			return err
		}
		dumper := spew.NewDefaultConfig()
		dumper.DisableCapacities = true
		fmt.Fprint(c.stdout, dumper.Sdump(dev.Header(), root.Header()))
		if t := dev.TransactionsArea(); t != nil {
			fmt.Fprint(c.stdout, dumper.Sdump(t.Header()))
		}
	}
	return nil
}

func kindLetter(record *image.FileRecord) string {
	switch {
	case record.Err != nil:
		return "?"
	case record.Quota:
		return "q"
	case record.Kind == wfs.KindDirectory:
		return "d"
	case record.Kind == wfs.KindLink:
		return "l"
	}
	return "-"
}

func (c *cli) printRecord(record *image.FileRecord) {
	if record.Err != nil {
		fmt.Fprintf(c.stdout, "? %s: %v\n", record.Name, record.Err)
		return
	}
	name := record.Name
	if record.Target != "" {
		name += " -> " + record.Target
	}
	if !c.long {
		fmt.Fprintln(c.stdout, name)
		return
	}
	var size string
	if record.Kind == wfs.KindFile {
		size = humanize.IBytes(uint64(record.Size))
	}
	encrypted := " "
	if record.Encrypted {
		encrypted = "e"
	}
	modTime := time.Unix(int64(record.ModTime), 0).UTC().Format("2006-01-02 15:04")
	fmt.Fprintf(c.stdout, "%s%s %04o %5d %5d %9s %s %s\n",
		kindLetter(record), encrypted, record.Mode&0o7777, record.Owner, record.Group, size, modTime, name)
}

func runList(c *cli, args []string) error {
	if len(args) > 1 {
		return Fatalf("ls takes at most one path")
	}
	dir := "/"
	if len(args) == 1 {
		dir = image.CleanPath(args[0])
	}
	i, err := c.openImage()
	if err != nil {
		return err
	}
	defer i.Close()

	var records []image.FileRecord
	if c.recursive {
		all, err := i.ScanFiles()
		if err != nil {
			return err
		}
		prefix := strings.TrimSuffix(dir, "/") + "/"
		for _, record := range all {
			if strings.HasPrefix(record.Name, prefix) {
				records = append(records, record)
			}
		}
	} else {
		isDir, err := i.IsDir(dir)
		if err != nil {
			return err
		}
		if !isDir {
			record, err := i.Stat(dir)
			if err != nil {
				return err
			}
			records = []image.FileRecord{*record}
		} else {
			records, err = i.List(dir)
			if err != nil {
				return err
			}
		}
	}
	for _, record := range records {
		c.printRecord(&record)
	}
	return nil
}

func runCat(c *cli, args []string) error {
	if len(args) != 1 {
		return Fatalf("cat takes one path")
	}
	i, err := c.openImage()
	if err != nil {
		return err
	}
	defer i.Close()
	_, err = i.CopyFile(c.stdout, args[0])
	return err
}

func runExtract(c *cli, args []string) error {
	if len(args) != 1 {
		return Fatalf("extract takes one destination directory")
	}
	dstDir := args[0]
	i, err := c.openImage()
	if err != nil {
		return err
	}
	defer i.Close()
	manifest, err := i.Extract(dstDir)
	if err != nil {
		return err
	}
	switch c.manifest {
	case "-":
		err = manifest.Write(c.stdout)
	case "":
		err = manifest.WriteFile(strings.TrimSuffix(dstDir, "/") + ".manifest.yaml")
	default:
		err = manifest.WriteFile(c.manifest)
	}
	if err != nil {
		return err
	}
	c.logger.Info("extracted", "entries", len(manifest.Entries), "errors", manifest.Errors)
	if manifest.Errors > 0 {
		return Fatalf("%d entries could not be extracted", manifest.Errors)
	}
	return nil
}

func runCheck(c *cli, args []string) error {
	i, err := c.openImage()
	if err != nil {
		return err
	}
	defer i.Close()
	report, err := i.Check()
	if err != nil {
		return err
	}
	for _, problem := range report.Problems {
		fmt.Fprintln(c.stdout, problem.String())
	}
	fmt.Fprintf(c.stdout, "%d quotas, %d directories, %d files, %d links, %d data units, %d problems\n",
		report.Quotas, report.Directories, report.Files, report.Links, report.DataUnits, len(report.Problems))
	if !report.OK() {
		return Fatalf("check failed")
	}
	return nil
}

func runKeys(c *cli, args []string) error {
	if c.cfg.Key.OTP == "" {
		return Fatalf("keys requires --otp")
	}
	otp, err := os.ReadFile(c.cfg.Key.OTP)
	if err != nil {
		return Fatal(err)
	}
	key, err := keys.GetMLCKeyFromOTP(otp)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "mlc %s\n", hex.EncodeToString(key))
	if c.cfg.Key.SEEPROM == "" {
		return nil
	}
	seeprom, err := os.ReadFile(c.cfg.Key.SEEPROM)
	if err != nil {
		return Fatal(err)
	}
	key, err = keys.GetUSBKey(otp, seeprom)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "usb %s\n", hex.EncodeToString(key))
	return nil
}

func runRecover(c *cli, args []string) error {
	if c.cfg.Image == "" {
		return Fatalf("no image; use --image or set image in the config file")
	}
	key, err := c.cfg.ResolveKey()
	if err != nil {
		return err
	}
	disk, err := wfs.OpenFileDisk(c.cfg.Image, true)
	if err != nil {
		return Fatal(err)
	}
	defer disk.Close()
	found, err := wfs.ScanAreaHeaders(disk, key, c.logger)
	if err != nil {
		return err
	}
	for _, area := range found {
		h := area.Header
		fmt.Fprintf(c.stdout, "block %8d type %d depth %d sector %s encrypted %t blocks %d x %s\n",
			h.DeviceBlock, h.Type, h.Depth, humanize.IBytes(1<<area.Log2SectorSize), area.Encrypted,
			h.BlocksCount, humanize.IBytes(1<<h.Log2BlockSize))
	}
	return nil
}
