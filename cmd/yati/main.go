package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/falk/yati-go/pkg/container"
	"github.com/falk/yati-go/pkg/es"
	"github.com/falk/yati-go/pkg/keys"
	"github.com/falk/yati-go/pkg/ncm"
	"github.com/falk/yati-go/pkg/source"
	"github.com/falk/yati-go/pkg/yati"
)

var (
	keysPath string
	verbose  bool

	storageRoot string
	cfg         yati.Config
)

func main() {
	root := &cobra.Command{
		Use:           "yati",
		Short:         "Streaming installer for Switch title containers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&keysPath, "keys", "k", "", "path to prod.keys (default: standard locations)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	install := &cobra.Command{
		Use:   "install <file.nsp|file.xci>",
		Short: "Install a container into a local content storage tree",
		Args:  cobra.ExactArgs(1),
		RunE:  runInstall,
	}
	install.Flags().StringVar(&storageRoot, "storage", "storage", "content storage root directory")
	install.Flags().BoolVar(&cfg.SdCardInstall, "sd-card", false, "target the sd-card storage")
	install.Flags().BoolVar(&cfg.AllowDowngrade, "allow-downgrade", false, "permit patch downgrades")
	install.Flags().BoolVar(&cfg.SkipIfAlreadyInstalled, "skip-installed", false, "no-op when the same version is installed")
	install.Flags().BoolVar(&cfg.TicketOnly, "ticket-only", false, "install tickets only")
	install.Flags().BoolVar(&cfg.PatchTicket, "patch-ticket", false, "normalise tickets before import")
	install.Flags().BoolVar(&cfg.SkipBase, "skip-base", false, "skip applications")
	install.Flags().BoolVar(&cfg.SkipPatch, "skip-patch", false, "skip patches")
	install.Flags().BoolVar(&cfg.SkipAddon, "skip-addon", false, "skip add-on content")
	install.Flags().BoolVar(&cfg.SkipDataPatch, "skip-data-patch", false, "skip data patches")
	install.Flags().BoolVar(&cfg.SkipTicket, "skip-ticket", false, "skip ticket import")
	install.Flags().BoolVar(&cfg.SkipNcaHashVerify, "skip-hash-verify", false, "disable sha256 verification")
	install.Flags().BoolVar(&cfg.SkipRsaHeaderFixedKeyVerify, "skip-header-sig-verify", false, "disable nca fixed-key verification")
	install.Flags().BoolVar(&cfg.SkipRsaNpdmFixedKeyVerify, "skip-npdm-sig-verify", false, "accepted; no npdm verification is performed")
	install.Flags().BoolVar(&cfg.IgnoreDistributionBit, "ignore-distribution-bit", false, "keep the gamecard distribution type")
	install.Flags().BoolVar(&cfg.ConvertToCommonTicket, "convert-common-ticket", false, "rewrap personalised tickets as common")
	install.Flags().BoolVar(&cfg.ConvertToStandardCrypto, "standard-crypto", false, "embed title keys into the nca (ticketless)")
	install.Flags().BoolVar(&cfg.LowerMasterKey, "lower-master-key", false, "re-encrypt key areas with generation 0")
	install.Flags().BoolVar(&cfg.LowerSystemVersion, "lower-system-version", false, "zero required_system_version")

	inspect := &cobra.Command{
		Use:   "inspect <file.nsp|file.xci>",
		Short: "List the collections of a container",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	root.AddCommand(install, inspect)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadKeys() (*keys.Keys, error) {
	k := &keys.Keys{}
	var err error
	if keysPath != "" {
		err = keys.Load(k, keysPath)
	} else {
		err = keys.LoadDefault(k)
	}
	if err != nil {
		return nil, err
	}
	if err := k.DecryptEticketDeviceKey(); err != nil {
		return nil, err
	}
	// no spl on the host; the key file has to carry the header key.
	if err := keys.ResolveHeaderKey(k, nil); err != nil {
		return nil, err
	}
	return k, nil
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

// consoleProgress prints transfer progress on one line.
type consoleProgress struct {
	name string
}

func (p *consoleProgress) NewTransfer(name string) {
	if p.name != "" {
		fmt.Println()
	}
	p.name = name
	fmt.Printf("%s... ", name)
}

func (p *consoleProgress) UpdateTransfer(done, total int64) {
	if total > 0 {
		fmt.Printf("\r%s... %d%%", p.name, done*100/total)
	}
}

func (p *consoleProgress) SetTitle(name string) {
	fmt.Printf("\r%s\n%s... ", name, p.name)
}

func runInstall(cmd *cobra.Command, args []string) error {
	k, err := loadKeys()
	if err != nil {
		return err
	}

	userCs, err := ncm.NewDirStorage(storageRoot + "/user")
	if err != nil {
		return err
	}
	sdCs, err := ncm.NewDirStorage(storageRoot + "/sdcard")
	if err != nil {
		return err
	}

	svc := &yati.Services{
		Storage: [2]yati.StorageSet{
			{CS: userCs, DB: ncm.NewMemoryMetaDb()},
			{CS: sdCs, DB: ncm.NewMemoryMetaDb()},
		},
		Records:  ncm.NewMemoryRecords(),
		Launch:   ncm.NewMemoryLaunchVersions(),
		Tickets:  es.NewMemoryTicketService(),
		Keys:     k,
		Log:      newLogger(),
		Progress: &consoleProgress{},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := yati.InstallFromFile(ctx, svc, cfg, args[0]); err != nil {
		return err
	}
	fmt.Println("\ndone")
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	src := source.NewFile(args[0])
	defer src.Close()

	c, err := container.Probe(src)
	if err != nil {
		return err
	}
	collections, err := c.GetCollections()
	if err != nil {
		return err
	}

	for _, entry := range collections {
		fmt.Printf("%-48s off=0x%-10X size=%d\n", entry.Name, entry.Offset, entry.Size)
	}
	return nil
}
