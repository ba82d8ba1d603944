package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lifthrasiir/readobj/loader"
	"github.com/lifthrasiir/readobj/models"
)

var log = logrus.New()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "readobj",
		Short: "Inspect ELF, Mach-O, PE/COFF and archive files",
		Long: `readobj parses a binary object file entirely in memory and prints its
sections, symbols and relocations through one format-agnostic view,
regardless of the container format, word size or byte order.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newInfoCmd())
	cmd.AddCommand(newSectionsCmd())
	cmd.AddCommand(newSymbolsCmd())
	cmd.AddCommand(newRelocsCmd())
	cmd.AddCommand(newArCmd())
	return cmd
}

func loadObject(path, arch string) (models.Object, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"path":   path,
		"size":   len(buf),
		"format": loader.Detect(buf).String(),
	}).Debug("loaded file")
	return loader.LoadArch(buf, arch)
}

func reportWarnings(obj models.Object) {
	for _, w := range obj.Warnings() {
		log.WithField("warning", w.Error()).Warn("skipped entry")
	}
}

func newInfoCmd() *cobra.Command {
	var arch string
	cmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Print file header facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := loadObject(args[0], arch)
			if err != nil {
				return err
			}
			fmt.Printf("arch:   %s\n", obj.Arch())
			fmt.Printf("bits:   %d\n", obj.Bits())
			fmt.Printf("order:  %v\n", obj.ByteOrder())
			fmt.Printf("os:     %s\n", obj.OS())
			fmt.Printf("entry:  0x%x\n", obj.Entry())
			return nil
		},
	}
	cmd.Flags().StringVar(&arch, "arch", "any", "fat binary slice to open")
	return cmd
}

func newSectionsCmd() *cobra.Command {
	var arch string
	cmd := &cobra.Command{
		Use:   "sections <file>",
		Short: "List sections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := loadObject(args[0], arch)
			if err != nil {
				return err
			}
			secs, err := obj.Sections()
			if err != nil {
				return err
			}
			for i, s := range secs {
				extra := ""
				if s.NoBits {
					extra = " (nobits)"
				}
				fmt.Printf("%3d %-24s addr 0x%-12x off 0x%-8x size 0x%-8x%s\n",
					i, s.Name, s.Addr, s.Offset, s.Size, extra)
			}
			reportWarnings(obj)
			return nil
		},
	}
	cmd.Flags().StringVar(&arch, "arch", "any", "fat binary slice to open")
	return cmd
}

func newSymbolsCmd() *cobra.Command {
	var arch string
	cmd := &cobra.Command{
		Use:   "symbols <file>",
		Short: "List symbols",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := loadObject(args[0], arch)
			if err != nil {
				return err
			}
			syms, err := obj.Symbols()
			if err != nil {
				return err
			}
			for _, s := range syms {
				fmt.Printf("0x%-16x %-7s %-8s %s\n", s.Value, s.Binding, s.Kind, s.Name)
			}
			reportWarnings(obj)
			return nil
		},
	}
	cmd.Flags().StringVar(&arch, "arch", "any", "fat binary slice to open")
	return cmd
}

func newRelocsCmd() *cobra.Command {
	var arch string
	cmd := &cobra.Command{
		Use:   "relocs <file>",
		Short: "List relocations per section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := loadObject(args[0], arch)
			if err != nil {
				return err
			}
			secs, err := obj.Sections()
			if err != nil {
				return err
			}
			for i, s := range secs {
				relocs, err := obj.Relocations(i)
				if err != nil {
					log.WithField("section", s.Name).WithError(err).Warn("relocation table unreadable")
					continue
				}
				for _, r := range relocs {
					fmt.Printf("%-24s +0x%-8x sym %-5d %-8s raw %d\n",
						s.Name, r.Offset, r.Symbol, r.Kind, r.Raw)
				}
			}
			reportWarnings(obj)
			return nil
		},
	}
	cmd.Flags().StringVar(&arch, "arch", "any", "fat binary slice to open")
	return cmd
}

func newArCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ar <file>",
		Short: "List archive members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ar, err := loader.ReadArchive(buf)
			if err != nil {
				return err
			}
			for _, m := range ar.Members {
				fmt.Printf("%-32s off 0x%-8x size %-8d %s\n",
					m.Name, m.Offset, m.Size, loader.Detect(m.Data))
			}
			return nil
		},
	}
	return cmd
}
